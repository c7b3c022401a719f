package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrChargeNotFound is returned when no charge row matches the id.
	ErrChargeNotFound = errors.New("settlement: charge not found")
	// ErrEngagementNotFound is returned when the engagement row is missing.
	ErrEngagementNotFound = errors.New("settlement: engagement not found")
	// ErrActiveCharge signals the one-active-charge-per-type slot is taken.
	ErrActiveCharge = errors.New("settlement: active charge already exists")
	// ErrAlreadyTerminal signals an attempted transition out of a terminal status.
	ErrAlreadyTerminal = errors.New("settlement: charge already terminal")
	// ErrDuplicateIdempotencyKey signals the idempotency insert hit the existing key guardrail.
	ErrDuplicateIdempotencyKey = errors.New("settlement: duplicate idempotency key")
)

// EngagementInfo is the engagement slice the settlement path needs.
type EngagementInfo struct {
	ID                   string
	ProducerID           string
	WorkerID             string
	FinalPriceMinorUnits int64
	Status               string
}

// Repository defines the data access required by the settlement service.
type Repository interface {
	LockEngagement(ctx context.Context, tx pgx.Tx, engagementID string) (EngagementInfo, error)
	ActiveByType(ctx context.Context, tx pgx.Tx, engagementID string) (map[ChargeType]Charge, error)
	Insert(ctx context.Context, tx pgx.Tx, c Charge) (Charge, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, chargeID string) (Charge, error)
	MarkPaid(ctx context.Context, tx pgx.Tx, chargeID string) (Charge, error)
	AllPaid(ctx context.Context, tx pgx.Tx, engagementID string) (bool, error)
	CompleteEngagement(ctx context.Context, tx pgx.Tx, engagementID string) (bool, error)
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]string, error)
	Expire(ctx context.Context, tx pgx.Tx, chargeID string) (Charge, error)
	ListByEngagement(ctx context.Context, engagementID string) ([]Charge, error)
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const chargeColumns = `id, engagement_id, charge_type::text, payer_id::text, receiver_id::text,
       value_minor_units, description, status::text, created_at, paid_at, expires_at, updated_at`

func (r *PGRepository) LockEngagement(ctx context.Context, tx pgx.Tx, engagementID string) (EngagementInfo, error) {
	const query = `
SELECT id, producer_id::text, worker_id::text, final_price_minor_units, status::text
FROM engagements
WHERE id = $1
FOR UPDATE`

	var info EngagementInfo
	if err := tx.QueryRow(ctx, query, engagementID).Scan(
		&info.ID,
		&info.ProducerID,
		&info.WorkerID,
		&info.FinalPriceMinorUnits,
		&info.Status,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EngagementInfo{}, ErrEngagementNotFound
		}
		return EngagementInfo{}, fmt.Errorf("settlement: lock engagement: %w", err)
	}
	return info, nil
}

// ActiveByType returns the pending or paid charge occupying each type's
// slot, keyed by type. Expired and cancelled charges do not appear.
func (r *PGRepository) ActiveByType(ctx context.Context, tx pgx.Tx, engagementID string) (map[ChargeType]Charge, error) {
	query := fmt.Sprintf(`
SELECT %s FROM charges
WHERE engagement_id = $1 AND status IN ('pending', 'paid')
FOR UPDATE`, chargeColumns)

	rows, err := tx.Query(ctx, query, engagementID)
	if err != nil {
		return nil, fmt.Errorf("settlement: active charges: %w", err)
	}
	defer rows.Close()

	out := make(map[ChargeType]Charge, 2)
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("settlement: scan charge: %w", err)
		}
		out[c.Type] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate charges: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, c Charge) (Charge, error) {
	query := fmt.Sprintf(`
INSERT INTO charges (engagement_id, charge_type, payer_id, receiver_id,
                     value_minor_units, description, status, expires_at)
VALUES ($1, $2::charge_type, $3, $4, $5, $6, 'pending', $7)
RETURNING %s`, chargeColumns)

	inserted, err := scanCharge(tx.QueryRow(ctx, query,
		c.EngagementID, c.Type, c.PayerID, c.ReceiverID,
		c.ValueMinorUnits, c.Description, c.ExpiresAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Charge{}, ErrActiveCharge
		}
		return Charge{}, fmt.Errorf("settlement: insert charge: %w", err)
	}
	return inserted, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, chargeID string) (Charge, error) {
	query := fmt.Sprintf(`SELECT %s FROM charges WHERE id = $1 FOR UPDATE`, chargeColumns)

	c, err := scanCharge(tx.QueryRow(ctx, query, chargeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Charge{}, ErrChargeNotFound
		}
		return Charge{}, fmt.Errorf("settlement: get charge for update: %w", err)
	}
	return c, nil
}

// MarkPaid flips pending to paid. The WHERE clause guarantees the
// transition only ever leaves pending; racing sweeps lose cleanly.
func (r *PGRepository) MarkPaid(ctx context.Context, tx pgx.Tx, chargeID string) (Charge, error) {
	query := fmt.Sprintf(`
UPDATE charges
SET status = 'paid',
    paid_at = get_tx_timestamp(),
    updated_at = get_tx_timestamp()
WHERE id = $1 AND status = 'pending'
RETURNING %s`, chargeColumns)

	c, err := scanCharge(tx.QueryRow(ctx, query, chargeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Charge{}, ErrAlreadyTerminal
		}
		return Charge{}, fmt.Errorf("settlement: mark paid: %w", err)
	}
	return c, nil
}

// AllPaid reports whether both legs of the engagement are settled.
func (r *PGRepository) AllPaid(ctx context.Context, tx pgx.Tx, engagementID string) (bool, error) {
	const query = `
SELECT count(*) FILTER (WHERE status = 'paid')
FROM charges
WHERE engagement_id = $1 AND status IN ('pending', 'paid')`

	var paid int
	if err := tx.QueryRow(ctx, query, engagementID).Scan(&paid); err != nil {
		return false, fmt.Errorf("settlement: count paid charges: %w", err)
	}
	return paid >= 2, nil
}

// CompleteEngagement moves the engagement to completed when it is waiting
// at checked_out. Returns false without error when the lifecycle is not
// there yet; the producer confirmation path completes it later.
func (r *PGRepository) CompleteEngagement(ctx context.Context, tx pgx.Tx, engagementID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE engagements
SET status = 'completed',
    updated_at = get_tx_timestamp()
WHERE id = $1 AND status = 'checked_out'`, engagementID)
	if err != nil {
		return false, fmt.Errorf("settlement: complete engagement: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DueForExpiry lists pending charges whose expiry window has closed.
func (r *PGRepository) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
SELECT id FROM charges
WHERE status = 'pending' AND expires_at <= $1
ORDER BY expires_at ASC
LIMIT $2`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("settlement: list due charges: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("settlement: scan charge id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate charge ids: %w", err)
	}
	return out, nil
}

// Expire flips pending to expired. A charge paid between the sweep's list
// and this update stays paid; the conditional WHERE makes the race benign.
func (r *PGRepository) Expire(ctx context.Context, tx pgx.Tx, chargeID string) (Charge, error) {
	query := fmt.Sprintf(`
UPDATE charges
SET status = 'expired',
    updated_at = get_tx_timestamp()
WHERE id = $1 AND status = 'pending'
RETURNING %s`, chargeColumns)

	c, err := scanCharge(tx.QueryRow(ctx, query, chargeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Charge{}, ErrAlreadyTerminal
		}
		return Charge{}, fmt.Errorf("settlement: expire charge: %w", err)
	}
	return c, nil
}

func (r *PGRepository) ListByEngagement(ctx context.Context, engagementID string) ([]Charge, error) {
	query := fmt.Sprintf(`
SELECT %s FROM charges
WHERE engagement_id = $1
ORDER BY created_at ASC, id ASC`, chargeColumns)

	rows, err := r.pool.Query(ctx, query, engagementID)
	if err != nil {
		return nil, fmt.Errorf("settlement: list charges: %w", err)
	}
	defer rows.Close()

	out := make([]Charge, 0, 4)
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("settlement: scan charge: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate charges: %w", err)
	}
	return out, nil
}

// InsertIdempotencyKey reserves the key inside the active transaction.
func (r *PGRepository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("settlement: empty idempotency key")
	}

	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("settlement: insert idempotency key: %w", err)
	}
	return nil
}

func scanCharge(row pgx.Row) (Charge, error) {
	var c Charge
	if err := row.Scan(
		&c.ID,
		&c.EngagementID,
		&c.Type,
		&c.PayerID,
		&c.ReceiverID,
		&c.ValueMinorUnits,
		&c.Description,
		&c.Status,
		&c.CreatedAt,
		&c.PaidAt,
		&c.ExpiresAt,
		&c.UpdatedAt,
	); err != nil {
		return Charge{}, err
	}
	return c, nil
}
