package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agroflow/negotiation"
)

var (
	// ErrNoAcceptedTerms signals the engagement has nothing to draft from.
	ErrNoAcceptedTerms = errors.New("contract: no accepted terms")
	// ErrAlreadyExecuted blocks re-drafting over a fully executed contract.
	ErrAlreadyExecuted = errors.New("contract: already fully executed")
	// ErrForbidden signals the actor is not a party to the engagement.
	ErrForbidden = errors.New("contract: forbidden")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TermsSource resolves an accepted proposal inside the caller's tx.
// Satisfied by the negotiation repository.
type TermsSource interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, proposalID string) (negotiation.Proposal, error)
}

// EventWriter appends immutable engagement events in the caller's tx.
type EventWriter interface {
	Append(ctx context.Context, tx pgx.Tx, engagementID, eventType string, actorID *string, payload map[string]any) error
}

// OutboxWriter enqueues downstream messages in the caller's tx.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service drafts contracts from accepted terms and walks them through the
// dual-signature state machine.
type Service struct {
	pool   TxBeginner
	repo   Repository
	terms  TermsSource
	events EventWriter
	outbox OutboxWriter
	now    func() time.Time
}

func NewService(pool TxBeginner, repo Repository, terms TermsSource, events EventWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		terms:  terms,
		events: events,
		outbox: outbox,
		now:    time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Draft snapshots the engagement's current accepted terms into a contract.
// If the live contract already covers the same proposal it is returned
// unchanged. A live contract on older terms is superseded unless it is
// fully executed; executed contracts are never invalidated by later
// negotiation.
func (s *Service) Draft(ctx context.Context, engagementID, actorID string) (Contract, error) {
	if engagementID == "" {
		return Contract{}, fmt.Errorf("contract: missing engagement id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	info, err := s.repo.LockEngagement(ctx, tx, engagementID)
	if err != nil {
		return Contract{}, err
	}
	if actorID != "" && actorID != info.ProducerID && actorID != info.WorkerID {
		return Contract{}, ErrForbidden
	}
	if info.CurrentProposalID == nil {
		return Contract{}, ErrNoAcceptedTerms
	}

	proposal, err := s.terms.GetForUpdate(ctx, tx, *info.CurrentProposalID)
	if err != nil {
		return Contract{}, err
	}
	resolution, err := proposal.Resolved()
	if err != nil {
		return Contract{}, err
	}

	live, err := s.repo.ActiveForUpdate(ctx, tx, engagementID)
	switch {
	case err == nil:
		if live.ProposalID == proposal.ID {
			return live, nil
		}
		if live.Status == StatusFullyExecuted {
			return Contract{}, ErrAlreadyExecuted
		}
		if err := s.repo.Supersede(ctx, tx, live.ID); err != nil {
			return Contract{}, err
		}
	case errors.Is(err, ErrNotFound):
		// first draft for this engagement
	default:
		return Contract{}, err
	}

	producer, err := s.repo.GetParty(ctx, tx, info.ProducerID)
	if err != nil {
		return Contract{}, err
	}
	worker, err := s.repo.GetParty(ctx, tx, info.WorkerID)
	if err != nil {
		return Contract{}, err
	}

	total := proposal.TotalMinorUnits
	if resolution.TotalMinorUnits > 0 {
		total = resolution.TotalMinorUnits
	}
	body, err := Render(DraftInput{
		EngagementID:         info.ID,
		JobID:                info.JobID,
		Producer:             producer,
		Worker:               worker,
		Terms:                proposal.Terms,
		Resolution:           resolution,
		TotalValueMinorUnits: total,
		DraftedAt:            s.now(),
	})
	if err != nil {
		return Contract{}, err
	}

	created, err := s.repo.Insert(ctx, tx, Contract{
		EngagementID:         info.ID,
		ProposalID:           proposal.ID,
		Body:                 body,
		TotalValueMinorUnits: total,
	})
	if err != nil {
		return Contract{}, err
	}

	if err := s.audit(ctx, tx, created, "CONTRACT_DRAFTED", "contract.drafted", actorID, map[string]any{
		"proposal_id":             proposal.ID,
		"total_value_minor_units": created.TotalValueMinorUnits,
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit draft: %w", err)
	}
	return created, nil
}

// Sign stamps the actor's side of the live contract. Signing a side that
// already signed is a benign no-op; the original timestamp is never
// altered. The contract becomes fully executed the moment the second
// signature lands.
func (s *Service) Sign(ctx context.Context, engagementID, actorID string) (Contract, error) {
	if engagementID == "" {
		return Contract{}, fmt.Errorf("contract: missing engagement id")
	}
	if actorID == "" {
		return Contract{}, fmt.Errorf("contract: missing actor id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	info, err := s.repo.LockEngagement(ctx, tx, engagementID)
	if err != nil {
		return Contract{}, err
	}

	var role Role
	switch actorID {
	case info.ProducerID:
		role = RoleProducer
	case info.WorkerID:
		role = RoleWorker
	default:
		return Contract{}, ErrForbidden
	}

	live, err := s.repo.ActiveForUpdate(ctx, tx, engagementID)
	if err != nil {
		return Contract{}, err
	}
	if live.SignedBy(role) {
		return live, nil
	}

	signed, err := s.repo.SetSignature(ctx, tx, live.ID, role)
	if err != nil {
		return Contract{}, err
	}

	if err := s.audit(ctx, tx, signed, "CONTRACT_SIGNED", "contract.signed", actorID, map[string]any{
		"role":   string(role),
		"status": string(signed.Status),
	}); err != nil {
		return Contract{}, err
	}
	if signed.Status == StatusFullyExecuted {
		if err := s.audit(ctx, tx, signed, "CONTRACT_EXECUTED", "contract.executed", actorID, map[string]any{
			"producer_signed_at": signed.ProducerSignedAt,
			"worker_signed_at":   signed.WorkerSignedAt,
		}); err != nil {
			return Contract{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit sign: %w", err)
	}
	return signed, nil
}

// Get returns the live contract for the engagement.
func (s *Service) Get(ctx context.Context, engagementID string) (Contract, error) {
	return s.repo.Active(ctx, engagementID)
}

// History returns every contract ever drafted for the engagement,
// superseded rows included, oldest first.
func (s *Service) History(ctx context.Context, engagementID string) ([]Contract, error) {
	return s.repo.ListByEngagement(ctx, engagementID)
}

func (s *Service) audit(ctx context.Context, tx pgx.Tx, c Contract, eventType, topic, actorID string, payload map[string]any) error {
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	if s.events != nil {
		p := map[string]any{"contract_id": c.ID}
		for k, v := range payload {
			p[k] = v
		}
		if err := s.events.Append(ctx, tx, c.EngagementID, eventType, actor, p); err != nil {
			return err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, topic, map[string]any{
			"contract_id":   c.ID,
			"engagement_id": c.EngagementID,
			"status":        string(c.Status),
		}); err != nil {
			return err
		}
	}
	return nil
}
