package engagement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no engagement row matches the id.
	ErrNotFound = errors.New("engagement: not found")
	// ErrBidNotFound is returned when the referenced bid is missing.
	ErrBidNotFound = errors.New("engagement: bid not found")
)

// Repository defines the data access required by the engagement service.
type Repository interface {
	GetByID(ctx context.Context, id string) (Engagement, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Engagement, error)
	LockBid(ctx context.Context, tx pgx.Tx, bidID string) (Bid, error)
	MarkBidAccepted(ctx context.Context, tx pgx.Tx, bidID string) error
	FindByBid(ctx context.Context, tx pgx.Tx, bidID string) (Engagement, error)
	Insert(ctx context.Context, tx pgx.Tx, e Engagement) (Engagement, error)
	RecordCheckIn(ctx context.Context, tx pgx.Tx, id string, ev CheckEvent) (Engagement, error)
	RecordCheckOut(ctx context.Context, tx pgx.Tx, id string, ev CheckEvent, photos []string) (Engagement, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Engagement, error)
	ListByParty(ctx context.Context, userID string) ([]Engagement, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const engagementColumns = `id, bid_id, job_id, producer_id, worker_id, final_price_minor_units,
       status::text, current_proposal_id,
       check_in_at, check_in_lat, check_in_lon,
       check_out_at, check_out_lat, check_out_lon,
       evidence_photos, created_at, updated_at`

func (r *PGRepository) GetByID(ctx context.Context, id string) (Engagement, error) {
	query := fmt.Sprintf(`SELECT %s FROM engagements WHERE id = $1`, engagementColumns)
	e, err := scanEngagement(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Engagement{}, ErrNotFound
		}
		return Engagement{}, fmt.Errorf("engagement: get by id: %w", err)
	}
	return e, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Engagement, error) {
	query := fmt.Sprintf(`SELECT %s FROM engagements WHERE id = $1 FOR UPDATE`, engagementColumns)
	e, err := scanEngagement(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Engagement{}, ErrNotFound
		}
		return Engagement{}, fmt.Errorf("engagement: get for update: %w", err)
	}
	return e, nil
}

func (r *PGRepository) LockBid(ctx context.Context, tx pgx.Tx, bidID string) (Bid, error) {
	const query = `
SELECT id, job_id, producer_id::text, worker_id::text, price_minor_units, status::text
FROM bids
WHERE id = $1
FOR UPDATE`

	var b Bid
	if err := tx.QueryRow(ctx, query, bidID).Scan(&b.ID, &b.JobID, &b.ProducerID, &b.WorkerID, &b.PriceMinorUnits, &b.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrBidNotFound
		}
		return Bid{}, fmt.Errorf("engagement: lock bid: %w", err)
	}
	return b, nil
}

func (r *PGRepository) MarkBidAccepted(ctx context.Context, tx pgx.Tx, bidID string) error {
	if _, err := tx.Exec(ctx, `
UPDATE bids
SET status = 'accepted',
    updated_at = get_tx_timestamp()
WHERE id = $1 AND status = 'open'`, bidID); err != nil {
		return fmt.Errorf("engagement: mark bid accepted: %w", err)
	}
	return nil
}

func (r *PGRepository) FindByBid(ctx context.Context, tx pgx.Tx, bidID string) (Engagement, error) {
	query := fmt.Sprintf(`SELECT %s FROM engagements WHERE bid_id = $1`, engagementColumns)
	e, err := scanEngagement(tx.QueryRow(ctx, query, bidID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Engagement{}, ErrNotFound
		}
		return Engagement{}, fmt.Errorf("engagement: find by bid: %w", err)
	}
	return e, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, e Engagement) (Engagement, error) {
	query := fmt.Sprintf(`
INSERT INTO engagements (bid_id, job_id, producer_id, worker_id, final_price_minor_units, status)
VALUES ($1, $2, $3, $4, $5, 'assigned')
RETURNING %s`, engagementColumns)

	inserted, err := scanEngagement(tx.QueryRow(ctx, query,
		e.BidID, e.JobID, e.ProducerID, e.WorkerID, e.FinalPriceMinorUnits))
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: insert: %w", err)
	}
	return inserted, nil
}

func (r *PGRepository) RecordCheckIn(ctx context.Context, tx pgx.Tx, id string, ev CheckEvent) (Engagement, error) {
	query := fmt.Sprintf(`
UPDATE engagements
SET status = 'checked_in',
    check_in_at = $2,
    check_in_lat = $3,
    check_in_lon = $4,
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING %s`, engagementColumns)

	e, err := scanEngagement(tx.QueryRow(ctx, query, id, ev.Time, ev.Latitude, ev.Longitude))
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: record check-in: %w", err)
	}
	return e, nil
}

func (r *PGRepository) RecordCheckOut(ctx context.Context, tx pgx.Tx, id string, ev CheckEvent, photos []string) (Engagement, error) {
	if photos == nil {
		photos = []string{}
	}
	query := fmt.Sprintf(`
UPDATE engagements
SET status = 'checked_out',
    check_out_at = $2,
    check_out_lat = $3,
    check_out_lon = $4,
    evidence_photos = $5,
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING %s`, engagementColumns)

	e, err := scanEngagement(tx.QueryRow(ctx, query, id, ev.Time, ev.Latitude, ev.Longitude, photos))
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: record check-out: %w", err)
	}
	return e, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Engagement, error) {
	query := fmt.Sprintf(`
UPDATE engagements
SET status = $2::engagement_status,
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING %s`, engagementColumns)

	e, err := scanEngagement(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: set status: %w", err)
	}
	return e, nil
}

// ListByParty returns engagements where the user is producer or worker.
func (r *PGRepository) ListByParty(ctx context.Context, userID string) ([]Engagement, error) {
	query := fmt.Sprintf(`
SELECT %s FROM engagements
WHERE producer_id = $1 OR worker_id = $1
ORDER BY created_at DESC`, engagementColumns)

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("engagement: list by party: %w", err)
	}
	defer rows.Close()

	out := make([]Engagement, 0, 8)
	for rows.Next() {
		e, err := scanEngagement(rows)
		if err != nil {
			return nil, fmt.Errorf("engagement: scan row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engagement: iterate rows: %w", err)
	}
	return out, nil
}

func scanEngagement(row pgx.Row) (Engagement, error) {
	var (
		e           Engagement
		checkInAt   *time.Time
		checkInLat  *float64
		checkInLon  *float64
		checkOutAt  *time.Time
		checkOutLat *float64
		checkOutLon *float64
	)
	if err := row.Scan(
		&e.ID,
		&e.BidID,
		&e.JobID,
		&e.ProducerID,
		&e.WorkerID,
		&e.FinalPriceMinorUnits,
		&e.Status,
		&e.CurrentProposalID,
		&checkInAt,
		&checkInLat,
		&checkInLon,
		&checkOutAt,
		&checkOutLat,
		&checkOutLon,
		&e.EvidencePhotos,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		return Engagement{}, err
	}

	if checkInAt != nil {
		e.CheckIn = &CheckEvent{Time: *checkInAt, Latitude: deref(checkInLat), Longitude: deref(checkInLon)}
	}
	if checkOutAt != nil {
		e.CheckOut = &CheckEvent{Time: *checkOutAt, Latitude: deref(checkOutLat), Longitude: deref(checkOutLon)}
	}
	return e, nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
