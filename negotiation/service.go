package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EventWriter appends immutable engagement events in the caller's tx.
type EventWriter interface {
	Append(ctx context.Context, tx pgx.Tx, engagementID, eventType string, actorID *string, payload map[string]any) error
}

// OutboxWriter enqueues downstream messages in the caller's tx.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

var (
	// ErrProposerNotParty signals the proposer is neither producer nor worker
	// on the engagement.
	ErrProposerNotParty = errors.New("negotiation: proposer is not a party to the engagement")
	// ErrRoleMismatch signals the declared role does not match the proposer's
	// side of the engagement.
	ErrRoleMismatch = errors.New("negotiation: proposer role mismatch")
)

// Service runs the append-only payment-terms negotiation ledger.
type Service struct {
	pool   TxBeginner
	repo   Repository
	events EventWriter
	outbox OutboxWriter
	now    func() time.Time
}

func NewService(pool TxBeginner, repo Repository, events EventWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		events: events,
		outbox: outbox,
		now:    time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ProposeParams carries one negotiation move.
type ProposeParams struct {
	EngagementID    string
	ProposerID      string
	ProposerRole    Role
	Terms           Terms
	TotalMinorUnits int64
}

// Propose appends a new proposed entry to the engagement's ledger. Prior
// entries are never mutated or removed.
func (s *Service) Propose(ctx context.Context, params ProposeParams) (Proposal, error) {
	if params.EngagementID == "" {
		return Proposal{}, fmt.Errorf("negotiation: missing engagement id")
	}
	if params.ProposerID == "" {
		return Proposal{}, fmt.Errorf("negotiation: missing proposer id")
	}
	if params.Terms == nil {
		return Proposal{}, fmt.Errorf("negotiation: missing terms")
	}
	if params.ProposerRole != RoleProducer && params.ProposerRole != RoleWorker {
		return Proposal{}, fmt.Errorf("negotiation: invalid proposer role %q", params.ProposerRole)
	}

	// Resolve up front so malformed terms never reach the ledger.
	resolved, err := params.Terms.Resolve(params.TotalMinorUnits)
	if err != nil {
		return Proposal{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Proposal{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	parties, err := s.repo.LockEngagement(ctx, tx, params.EngagementID)
	if err != nil {
		return Proposal{}, err
	}
	if err := checkProposer(parties, params.ProposerID, params.ProposerRole); err != nil {
		return Proposal{}, err
	}

	inserted, err := s.repo.Insert(ctx, tx, Proposal{
		EngagementID:    params.EngagementID,
		ProposerID:      params.ProposerID,
		ProposerRole:    params.ProposerRole,
		Terms:           params.Terms,
		TotalMinorUnits: params.TotalMinorUnits,
	})
	if err != nil {
		return Proposal{}, err
	}

	actor := params.ProposerID
	if s.events != nil {
		payload := map[string]any{
			"proposal_id":       inserted.ID,
			"kind":              inserted.Terms.Kind(),
			"total_minor_units": resolved.TotalMinorUnits,
			"proposer_role":     inserted.ProposerRole,
		}
		if err := s.events.Append(ctx, tx, params.EngagementID, "PROPOSAL_SUBMITTED", &actor, payload); err != nil {
			return Proposal{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"engagement_id": params.EngagementID,
			"proposal_id":   inserted.ID,
		}
		if err := s.outbox.Enqueue(ctx, tx, "negotiation.proposed", payload); err != nil {
			return Proposal{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, fmt.Errorf("negotiation: commit propose: %w", err)
	}
	return inserted, nil
}

// AcceptParams identifies the proposal being accepted and who accepted it.
type AcceptParams struct {
	ProposalID string
	ActorID    string
}

// Accept marks exactly one ledger entry accepted and makes it the
// engagement's current terms. Accepting again is a benign no-op, and an
// already-signed contract is never touched here.
func (s *Service) Accept(ctx context.Context, params AcceptParams) (Proposal, error) {
	if params.ProposalID == "" {
		return Proposal{}, fmt.Errorf("negotiation: missing proposal id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Proposal{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	proposal, err := s.repo.GetForUpdate(ctx, tx, params.ProposalID)
	if err != nil {
		return Proposal{}, err
	}

	if proposal.Status == StatusAccepted {
		// Retry-safe: the entry is already the accepted one.
		return proposal, nil
	}

	if _, err := s.repo.LockEngagement(ctx, tx, proposal.EngagementID); err != nil {
		return Proposal{}, err
	}

	accepted, err := s.repo.MarkAccepted(ctx, tx, params.ProposalID)
	if err != nil {
		return Proposal{}, err
	}

	var actor *string
	if params.ActorID != "" {
		actor = &params.ActorID
	}
	if s.events != nil {
		payload := map[string]any{
			"proposal_id": accepted.ID,
			"kind":        accepted.Terms.Kind(),
		}
		if err := s.events.Append(ctx, tx, accepted.EngagementID, "PROPOSAL_ACCEPTED", actor, payload); err != nil {
			return Proposal{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"engagement_id": accepted.EngagementID,
			"proposal_id":   accepted.ID,
		}
		if err := s.outbox.Enqueue(ctx, tx, "negotiation.accepted", payload); err != nil {
			return Proposal{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, fmt.Errorf("negotiation: commit accept: %w", err)
	}
	return accepted, nil
}

// History returns the full append-only ledger for an engagement.
func (s *Service) History(ctx context.Context, engagementID string) ([]Proposal, error) {
	return s.repo.ListByEngagement(ctx, engagementID)
}

// CurrentTerms returns the engagement's accepted proposal with its split
// re-derived from the stored terms.
func (s *Service) CurrentTerms(ctx context.Context, engagementID string) (Proposal, Resolution, error) {
	proposal, err := s.repo.Current(ctx, engagementID)
	if err != nil {
		return Proposal{}, Resolution{}, err
	}
	resolved, err := proposal.Resolved()
	if err != nil {
		return Proposal{}, Resolution{}, err
	}
	return proposal, resolved, nil
}

func checkProposer(parties EngagementParties, proposerID string, role Role) error {
	switch proposerID {
	case parties.ProducerID:
		if role != RoleProducer {
			return ErrRoleMismatch
		}
	case parties.WorkerID:
		if role != RoleWorker {
			return ErrRoleMismatch
		}
	default:
		return ErrProposerNotParty
	}
	return nil
}
