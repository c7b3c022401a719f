package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Drafter tries to insert competing live contracts for the same engagement concurrently.
func Drafter(ctx context.Context, pool *pgxpool.Pool, engagementID, proposalID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO contracts (engagement_id, proposal_id, body, total_value_minor_units, status)
                                   VALUES ($1,$2,'stress draft',10000,'drafted')`, engagementID, proposalID)
		if err != nil && !isUniqueViolation(err) {
			return fmt.Errorf("drafter insert: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Signer stamps producer and worker signatures on the live contract, idempotently.
func Signer(ctx context.Context, pool *pgxpool.Pool, engagementID string, stop <-chan struct{}) error {
	sides := []string{"producer", "worker"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		side := sides[rand.Intn(len(sides))]
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var id string
		err = tx.QueryRow(ctx, `SELECT id FROM contracts WHERE engagement_id=$1 AND NOT superseded LIMIT 1 FOR UPDATE`, engagementID).Scan(&id)
		if err == nil {
			col := "producer_signed_at"
			if side == "worker" {
				col = "worker_signed_at"
			}
			q := fmt.Sprintf(`UPDATE contracts SET
                    %s = COALESCE(%s, NOW()),
                    status = CASE
                        WHEN COALESCE(producer_signed_at, CASE WHEN $2 = 'producer' THEN NOW() END) IS NOT NULL
                         AND COALESCE(worker_signed_at, CASE WHEN $2 = 'worker' THEN NOW() END) IS NOT NULL
                        THEN 'fully_executed'::contract_status
                        ELSE 'partially_signed'::contract_status
                    END,
                    updated_at = NOW()
                  WHERE id=$1`, col, col)
			if _, err = tx.Exec(ctx, q, id, side); err == nil {
				err = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// ChargeIssuer races to create the payout and fee legs once a contract is executed.
// Duplicate active legs must be rejected by the partial unique index.
func ChargeIssuer(ctx context.Context, pool *pgxpool.Pool, engagementID, producerID, workerID, platformID string, payout, fee int64, stop <-chan struct{}) error {
	legs := []struct {
		typ      string
		receiver string
		value    int64
	}{
		{"worker_payout", workerID, payout},
		{"platform_fee", platformID, fee},
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var executed bool
		err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM contracts WHERE engagement_id=$1 AND status='fully_executed')`, engagementID).Scan(&executed)
		if err == nil && executed {
			for _, leg := range legs {
				_, err = tx.Exec(ctx, `INSERT INTO charges (engagement_id, charge_type, payer_id, receiver_id, value_minor_units, status, expires_at)
                                        VALUES ($1,$2,$3,$4,$5,'pending',NOW() + interval '1 hour')`,
					engagementID, leg.typ, producerID, leg.receiver, leg.value)
				if err != nil {
					break
				}
			}
			if err == nil {
				err = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		if err != nil && !isUniqueViolation(err) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("issuer insert: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Payer flips pending charges to paid and appends a CHARGE_PAID event plus an outbox row.
func Payer(ctx context.Context, pool *pgxpool.Pool, engagementID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var chargeID string
		err = tx.QueryRow(ctx, `SELECT id FROM charges WHERE engagement_id=$1 AND status='pending' LIMIT 1 FOR UPDATE`, engagementID).Scan(&chargeID)
		if err == nil {
			tag, uerr := tx.Exec(ctx, `UPDATE charges SET status='paid', paid_at = COALESCE(paid_at, NOW()), updated_at = NOW()
                                        WHERE id=$1 AND status='pending'`, chargeID)
			if uerr == nil && tag.RowsAffected() > 0 {
				_, _ = tx.Exec(ctx, `INSERT INTO engagement_events (engagement_id, type, payload)
                                      VALUES ($1,'CHARGE_PAID', jsonb_build_object('charge_id',$2::text))`, engagementID, chargeID)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                                      VALUES ('settlement.charge_paid', jsonb_build_object('charge_id',$1::text))`, chargeID)
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Expirer races the sweeper path: conditional pending->expired so a paid leg is never clobbered.
func Expirer(ctx context.Context, pool *pgxpool.Pool, engagementID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = pool.Exec(ctx, `UPDATE charges SET status='expired', updated_at = NOW()
                                WHERE engagement_id=$1 AND status='pending'
                                  AND id = (SELECT id FROM charges WHERE engagement_id=$1 AND status='pending' ORDER BY random() LIMIT 1)`,
			engagementID)
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// EventWriter appends lifecycle events, relying on the seq trigger for ordering.
func EventWriter(ctx context.Context, pool *pgxpool.Pool, engagementID string, stop <-chan struct{}) error {
	types := []string{"CHECK_IN", "CHECK_OUT"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		ty := types[rand.Intn(len(types))]
		_, err := pool.Exec(ctx, `INSERT INTO engagement_events (engagement_id, type, payload) VALUES ($1,$2,'{}'::jsonb)`, engagementID, ty)
		if err != nil && !isUniqueViolation(err) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("event insert: %w", err)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks them processed.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate random delivery failure
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// RailNotifier replays the same payment confirmation; only the first idempotency
// registrant may apply the effect.
func RailNotifier(ctx context.Context, pool *pgxpool.Pool, key, engagementID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tag, err := pool.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT DO NOTHING`, key)
		if err == nil && tag.RowsAffected() > 0 {
			_, _ = pool.Exec(ctx, `UPDATE charges SET status='paid', paid_at = COALESCE(paid_at, NOW()), updated_at = NOW()
                                    WHERE status='pending' AND engagement_id=$1 AND charge_type='worker_payout'`, engagementID)
		}
		time.Sleep(80 * time.Millisecond)
	}
}
