package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no live contract exists for the engagement.
	ErrNotFound = errors.New("contract: not found")
	// ErrEngagementNotFound is returned when the engagement row is missing.
	ErrEngagementNotFound = errors.New("contract: engagement not found")
	// ErrPartyNotFound is returned when a referenced user row is missing.
	ErrPartyNotFound = errors.New("contract: party not found")
	// ErrActiveContract signals a concurrent draft already holds the
	// one-live-contract slot for the engagement.
	ErrActiveContract = errors.New("contract: active contract already exists")
)

// EngagementInfo is the engagement slice the drafting path needs.
type EngagementInfo struct {
	ID                   string
	JobID                string
	ProducerID           string
	WorkerID             string
	FinalPriceMinorUnits int64
	CurrentProposalID    *string
}

// Repository defines the data access required by the contract service.
type Repository interface {
	LockEngagement(ctx context.Context, tx pgx.Tx, engagementID string) (EngagementInfo, error)
	GetParty(ctx context.Context, tx pgx.Tx, userID string) (Party, error)
	ActiveForUpdate(ctx context.Context, tx pgx.Tx, engagementID string) (Contract, error)
	Insert(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error)
	Supersede(ctx context.Context, tx pgx.Tx, contractID string) error
	SetSignature(ctx context.Context, tx pgx.Tx, contractID string, role Role) (Contract, error)
	Active(ctx context.Context, engagementID string) (Contract, error)
	ListByEngagement(ctx context.Context, engagementID string) ([]Contract, error)
}

// PGRepository implements Repository backed by PostgreSQL. It also serves
// as the contract gate the engagement lifecycle consults before check-in.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const contractColumns = `id, engagement_id, proposal_id, body, total_value_minor_units,
       status::text, producer_signed_at, worker_signed_at, superseded, created_at, updated_at`

func (r *PGRepository) LockEngagement(ctx context.Context, tx pgx.Tx, engagementID string) (EngagementInfo, error) {
	const query = `
SELECT id, job_id, producer_id::text, worker_id::text, final_price_minor_units, current_proposal_id
FROM engagements
WHERE id = $1
FOR UPDATE`

	var info EngagementInfo
	if err := tx.QueryRow(ctx, query, engagementID).Scan(
		&info.ID,
		&info.JobID,
		&info.ProducerID,
		&info.WorkerID,
		&info.FinalPriceMinorUnits,
		&info.CurrentProposalID,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EngagementInfo{}, ErrEngagementNotFound
		}
		return EngagementInfo{}, fmt.Errorf("contract: lock engagement: %w", err)
	}
	return info, nil
}

func (r *PGRepository) GetParty(ctx context.Context, tx pgx.Tx, userID string) (Party, error) {
	const query = `SELECT id, full_name, COALESCE(pix_key, '') FROM users WHERE id = $1`

	var p Party
	if err := tx.QueryRow(ctx, query, userID).Scan(&p.ID, &p.FullName, &p.PixKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Party{}, ErrPartyNotFound
		}
		return Party{}, fmt.Errorf("contract: get party: %w", err)
	}
	return p, nil
}

// ActiveForUpdate locks the one live contract row for the engagement.
func (r *PGRepository) ActiveForUpdate(ctx context.Context, tx pgx.Tx, engagementID string) (Contract, error) {
	query := fmt.Sprintf(`
SELECT %s FROM contracts
WHERE engagement_id = $1 AND NOT superseded
FOR UPDATE`, contractColumns)

	c, err := scanContract(tx.QueryRow(ctx, query, engagementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: lock active contract: %w", err)
	}
	return c, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error) {
	query := fmt.Sprintf(`
INSERT INTO contracts (engagement_id, proposal_id, body, total_value_minor_units, status)
VALUES ($1, $2, $3, $4, 'drafted')
RETURNING %s`, contractColumns)

	inserted, err := scanContract(tx.QueryRow(ctx, query,
		c.EngagementID, c.ProposalID, c.Body, c.TotalValueMinorUnits))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Contract{}, ErrActiveContract
		}
		return Contract{}, fmt.Errorf("contract: insert: %w", err)
	}
	return inserted, nil
}

func (r *PGRepository) Supersede(ctx context.Context, tx pgx.Tx, contractID string) error {
	tag, err := tx.Exec(ctx, `
UPDATE contracts
SET superseded = TRUE,
    updated_at = get_tx_timestamp()
WHERE id = $1 AND NOT superseded`, contractID)
	if err != nil {
		return fmt.Errorf("contract: supersede: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSignature stamps the role's signature timestamp once and recomputes
// the status. COALESCE keeps an existing timestamp untouched on retries.
func (r *PGRepository) SetSignature(ctx context.Context, tx pgx.Tx, contractID string, role Role) (Contract, error) {
	column := "producer_signed_at"
	if role == RoleWorker {
		column = "worker_signed_at"
	}

	query := fmt.Sprintf(`
UPDATE contracts
SET %s = COALESCE(%s, get_tx_timestamp()),
    status = CASE
        WHEN COALESCE(producer_signed_at, CASE WHEN $2 = 'producer' THEN get_tx_timestamp() END) IS NOT NULL
         AND COALESCE(worker_signed_at,   CASE WHEN $2 = 'worker'   THEN get_tx_timestamp() END) IS NOT NULL
        THEN 'fully_executed'::contract_status
        ELSE 'partially_signed'::contract_status
    END,
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING %s`, column, column, contractColumns)

	c, err := scanContract(tx.QueryRow(ctx, query, contractID, string(role)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: set signature: %w", err)
	}
	return c, nil
}

func (r *PGRepository) Active(ctx context.Context, engagementID string) (Contract, error) {
	query := fmt.Sprintf(`
SELECT %s FROM contracts
WHERE engagement_id = $1 AND NOT superseded`, contractColumns)

	c, err := scanContract(r.pool.QueryRow(ctx, query, engagementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: get active contract: %w", err)
	}
	return c, nil
}

func (r *PGRepository) ListByEngagement(ctx context.Context, engagementID string) ([]Contract, error) {
	query := fmt.Sprintf(`
SELECT %s FROM contracts
WHERE engagement_id = $1
ORDER BY created_at ASC, id ASC`, contractColumns)

	rows, err := r.pool.Query(ctx, query, engagementID)
	if err != nil {
		return nil, fmt.Errorf("contract: list contracts: %w", err)
	}
	defer rows.Close()

	out := make([]Contract, 0, 4)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("contract: scan contract: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate contracts: %w", err)
	}
	return out, nil
}

// Executed reports whether the engagement's live contract carries both
// signatures. The engagement lifecycle consults this inside its own
// transaction before allowing check-in.
func (r *PGRepository) Executed(ctx context.Context, tx pgx.Tx, engagementID string) (bool, error) {
	const query = `
SELECT EXISTS (
    SELECT 1 FROM contracts
    WHERE engagement_id = $1 AND NOT superseded AND status = 'fully_executed'
)`

	var executed bool
	if err := tx.QueryRow(ctx, query, engagementID).Scan(&executed); err != nil {
		return false, fmt.Errorf("contract: check executed: %w", err)
	}
	return executed, nil
}

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	if err := row.Scan(
		&c.ID,
		&c.EngagementID,
		&c.ProposalID,
		&c.Body,
		&c.TotalValueMinorUnits,
		&c.Status,
		&c.ProducerSignedAt,
		&c.WorkerSignedAt,
		&c.Superseded,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Contract{}, err
	}
	return c, nil
}
