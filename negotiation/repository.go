package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrProposalNotFound is returned when no proposal row matches the id.
	ErrProposalNotFound = errors.New("negotiation: proposal not found")
	// ErrEngagementNotFound is returned when the referenced engagement is missing.
	ErrEngagementNotFound = errors.New("negotiation: engagement not found")
	// ErrNoAcceptedTerms signals the engagement has no accepted proposal yet.
	ErrNoAcceptedTerms = errors.New("negotiation: no accepted terms")
)

// Repository defines the data access required by the negotiation service.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, p Proposal) (Proposal, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, proposalID string) (Proposal, error)
	MarkAccepted(ctx context.Context, tx pgx.Tx, proposalID string) (Proposal, error)
	LockEngagement(ctx context.Context, tx pgx.Tx, engagementID string) (EngagementParties, error)
	ListByEngagement(ctx context.Context, engagementID string) ([]Proposal, error)
	Current(ctx context.Context, engagementID string) (Proposal, error)
}

// EngagementParties is the slice of the engagement row negotiation needs to
// validate who may propose.
type EngagementParties struct {
	ID         string
	ProducerID string
	WorkerID   string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const proposalColumns = `id, engagement_id, proposer_id, proposer_role::text, kind,
       rate_minor_units, quantity, advance_percent, total_minor_units,
       status::text, accepted_at, created_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, p Proposal) (Proposal, error) {
	rate, quantity, advancePct := encodeTerms(p.Terms)

	query := fmt.Sprintf(`
INSERT INTO proposals (engagement_id, proposer_id, proposer_role, kind,
                       rate_minor_units, quantity, advance_percent, total_minor_units, status)
VALUES ($1, $2, $3::user_role, $4, $5, $6, $7, $8, 'proposed')
RETURNING %s`, proposalColumns)

	row := tx.QueryRow(ctx, query,
		p.EngagementID,
		p.ProposerID,
		p.ProposerRole,
		p.Terms.Kind(),
		rate,
		quantity,
		advancePct,
		p.TotalMinorUnits,
	)
	inserted, err := scanProposal(row)
	if err != nil {
		return Proposal{}, fmt.Errorf("negotiation: insert proposal: %w", err)
	}
	return inserted, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, proposalID string) (Proposal, error) {
	query := fmt.Sprintf(`SELECT %s FROM proposals WHERE id = $1 FOR UPDATE`, proposalColumns)
	p, err := scanProposal(tx.QueryRow(ctx, query, proposalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrProposalNotFound
		}
		return Proposal{}, fmt.Errorf("negotiation: get proposal for update: %w", err)
	}
	return p, nil
}

// MarkAccepted flips the entry to accepted and stamps accepted_at once.
// Prior entries are left untouched; the ledger is append-only.
func (r *PGRepository) MarkAccepted(ctx context.Context, tx pgx.Tx, proposalID string) (Proposal, error) {
	query := fmt.Sprintf(`
UPDATE proposals
SET status = 'accepted',
    accepted_at = COALESCE(accepted_at, get_tx_timestamp())
WHERE id = $1
RETURNING %s`, proposalColumns)

	p, err := scanProposal(tx.QueryRow(ctx, query, proposalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrProposalNotFound
		}
		return Proposal{}, fmt.Errorf("negotiation: mark accepted: %w", err)
	}

	if _, err := tx.Exec(ctx, `
UPDATE engagements
SET current_proposal_id = $1,
    updated_at = get_tx_timestamp()
WHERE id = $2`, p.ID, p.EngagementID); err != nil {
		return Proposal{}, fmt.Errorf("negotiation: set current terms: %w", err)
	}

	return p, nil
}

func (r *PGRepository) LockEngagement(ctx context.Context, tx pgx.Tx, engagementID string) (EngagementParties, error) {
	const query = `
SELECT id, producer_id::text, worker_id::text
FROM engagements
WHERE id = $1
FOR UPDATE`

	var parties EngagementParties
	if err := tx.QueryRow(ctx, query, engagementID).Scan(&parties.ID, &parties.ProducerID, &parties.WorkerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EngagementParties{}, ErrEngagementNotFound
		}
		return EngagementParties{}, fmt.Errorf("negotiation: lock engagement: %w", err)
	}
	return parties, nil
}

func (r *PGRepository) ListByEngagement(ctx context.Context, engagementID string) ([]Proposal, error) {
	query := fmt.Sprintf(`SELECT %s FROM proposals WHERE engagement_id = $1 ORDER BY created_at ASC, id ASC`, proposalColumns)

	rows, err := r.pool.Query(ctx, query, engagementID)
	if err != nil {
		return nil, fmt.Errorf("negotiation: list proposals: %w", err)
	}
	defer rows.Close()

	out := make([]Proposal, 0, 8)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("negotiation: scan proposal: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("negotiation: iterate proposals: %w", err)
	}
	return out, nil
}

// Current returns the most recently accepted proposal for the engagement.
func (r *PGRepository) Current(ctx context.Context, engagementID string) (Proposal, error) {
	query := fmt.Sprintf(`
SELECT %s FROM proposals
WHERE engagement_id = $1 AND status = 'accepted'
ORDER BY accepted_at DESC, created_at DESC
LIMIT 1`, proposalColumns)

	p, err := scanProposal(r.pool.QueryRow(ctx, query, engagementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNoAcceptedTerms
		}
		return Proposal{}, fmt.Errorf("negotiation: current terms: %w", err)
	}
	return p, nil
}

func scanProposal(row pgx.Row) (Proposal, error) {
	var (
		p          Proposal
		kind       string
		rate       *int64
		quantity   *int64
		advancePct *int16
	)
	if err := row.Scan(
		&p.ID,
		&p.EngagementID,
		&p.ProposerID,
		&p.ProposerRole,
		&kind,
		&rate,
		&quantity,
		&advancePct,
		&p.TotalMinorUnits,
		&p.Status,
		&p.AcceptedAt,
		&p.CreatedAt,
	); err != nil {
		return Proposal{}, err
	}

	terms, err := decodeTerms(Kind(kind), rate, quantity, advancePct)
	if err != nil {
		return Proposal{}, err
	}
	p.Terms = terms
	return p, nil
}

func encodeTerms(t Terms) (rate, quantity, advancePct *int64) {
	switch v := t.(type) {
	case PerUnit:
		return &v.UnitPriceMinorUnits, &v.EstimatedUnits, nil
	case PerHour:
		return &v.RateMinorUnits, &v.EstimatedHours, nil
	case PerDay:
		return &v.RateMinorUnits, &v.EstimatedDays, nil
	case AdvanceCustom:
		return nil, nil, &v.AdvancePercent
	default:
		return nil, nil, nil
	}
}

func decodeTerms(kind Kind, rate, quantity *int64, advancePct *int16) (Terms, error) {
	switch kind {
	case KindFullAfter:
		return FullAfter{}, nil
	case KindSplitHalf:
		return SplitHalf{}, nil
	case KindSplitThirty:
		return SplitThirty{}, nil
	case KindPerUnit:
		if rate == nil || quantity == nil {
			return nil, fmt.Errorf("%w: per_unit row missing rate or quantity", ErrInvalidTerms)
		}
		return PerUnit{UnitPriceMinorUnits: *rate, EstimatedUnits: *quantity}, nil
	case KindPerHour:
		if rate == nil || quantity == nil {
			return nil, fmt.Errorf("%w: per_hour row missing rate or quantity", ErrInvalidTerms)
		}
		return PerHour{RateMinorUnits: *rate, EstimatedHours: *quantity}, nil
	case KindPerDay:
		if rate == nil || quantity == nil {
			return nil, fmt.Errorf("%w: per_day row missing rate or quantity", ErrInvalidTerms)
		}
		return PerDay{RateMinorUnits: *rate, EstimatedDays: *quantity}, nil
	case KindAdvanceCustom:
		if advancePct == nil {
			return nil, fmt.Errorf("%w: advance_custom row missing percent", ErrInvalidTerms)
		}
		return AdvanceCustom{AdvancePercent: int64(*advancePct)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidTerms, kind)
	}
}
