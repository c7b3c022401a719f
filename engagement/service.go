package engagement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrContractNotExecuted blocks check-in until both parties have signed.
	ErrContractNotExecuted = errors.New("engagement: contract not fully executed")
	// ErrInvalidTransition signals a lifecycle move against the current state.
	// The lifecycle only ever moves forward.
	ErrInvalidTransition = errors.New("engagement: invalid transition")
	// ErrForbidden signals the actor is not the party allowed to perform the move.
	ErrForbidden = errors.New("engagement: forbidden")
	// ErrBidNotAccepted signals the bid is not in a state that can produce an engagement.
	ErrBidNotAccepted = errors.New("engagement: bid not accepted")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ContractGate reports whether the engagement's live contract is fully
// executed. Implemented by the contract repository; injected to keep the
// lifecycle check inside the same transaction.
type ContractGate interface {
	Executed(ctx context.Context, tx pgx.Tx, engagementID string) (bool, error)
}

// EventWriter appends immutable engagement events in the caller's tx.
type EventWriter interface {
	Append(ctx context.Context, tx pgx.Tx, engagementID, eventType string, actorID *string, payload map[string]any) error
}

// OutboxWriter enqueues downstream messages in the caller's tx.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service governs the assigned -> checked_in -> checked_out -> completed
// lifecycle. Every transition locks the engagement row so concurrent calls
// serialize; no transition ever moves backward.
type Service struct {
	pool      TxBeginner
	repo      Repository
	contracts ContractGate
	events    EventWriter
	outbox    OutboxWriter
	now       func() time.Time
}

func NewService(pool TxBeginner, repo Repository, contracts ContractGate, events EventWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		contracts: contracts,
		events:    events,
		outbox:    outbox,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// AcceptBidParams captures the producer's confirmation of a worker's bid.
type AcceptBidParams struct {
	BidID   string
	ActorID string
}

// AcceptBid materialises an engagement from a confirmed bid. Retries are
// tolerated: if an engagement already exists for the bid it is returned
// unchanged.
func (s *Service) AcceptBid(ctx context.Context, params AcceptBidParams) (Engagement, error) {
	if params.BidID == "" {
		return Engagement{}, fmt.Errorf("engagement: missing bid id")
	}
	if params.ActorID == "" {
		return Engagement{}, fmt.Errorf("engagement: missing actor id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	bid, err := s.repo.LockBid(ctx, tx, params.BidID)
	if err != nil {
		return Engagement{}, err
	}
	if bid.ProducerID != params.ActorID {
		return Engagement{}, ErrForbidden
	}

	switch bid.Status {
	case "accepted":
		// Already confirmed; fall through to the idempotency check.
	case "open":
		if err := s.repo.MarkBidAccepted(ctx, tx, bid.ID); err != nil {
			return Engagement{}, err
		}
	default:
		return Engagement{}, fmt.Errorf("%w: bid %s is %s", ErrBidNotAccepted, bid.ID, bid.Status)
	}

	// Idempotency: a retry finds the engagement created by the first call.
	existing, err := s.repo.FindByBid(ctx, tx, bid.ID)
	switch {
	case err == nil:
		return existing, nil
	case errors.Is(err, ErrNotFound):
		// continue with insert
	default:
		return Engagement{}, err
	}

	created, err := s.repo.Insert(ctx, tx, Engagement{
		BidID:                bid.ID,
		JobID:                bid.JobID,
		ProducerID:           bid.ProducerID,
		WorkerID:             bid.WorkerID,
		FinalPriceMinorUnits: bid.PriceMinorUnits,
	})
	if err != nil {
		return Engagement{}, err
	}

	actor := params.ActorID
	if s.events != nil {
		payload := map[string]any{
			"bid_id":                  bid.ID,
			"job_id":                  bid.JobID,
			"final_price_minor_units": created.FinalPriceMinorUnits,
		}
		if err := s.events.Append(ctx, tx, created.ID, "ENGAGEMENT_CREATED", &actor, payload); err != nil {
			return Engagement{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"engagement_id": created.ID,
			"bid_id":        bid.ID,
			"producer_id":   bid.ProducerID,
			"worker_id":     bid.WorkerID,
		}
		if err := s.outbox.Enqueue(ctx, tx, "engagement.created", payload); err != nil {
			return Engagement{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Engagement{}, fmt.Errorf("engagement: commit accept bid: %w", err)
	}
	return created, nil
}

// CheckParams carries a geo-stamped transition.
type CheckParams struct {
	EngagementID   string
	ActorID        string
	Latitude       float64
	Longitude      float64
	Time           time.Time
	EvidencePhotos []string
}

// CheckIn moves assigned -> checked_in. Allowed only once the contract is
// fully executed, regardless of any other engagement field.
func (s *Service) CheckIn(ctx context.Context, params CheckParams) (Engagement, error) {
	if params.EngagementID == "" {
		return Engagement{}, fmt.Errorf("engagement: missing engagement id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, params.EngagementID)
	if err != nil {
		return Engagement{}, err
	}
	if params.ActorID != "" && params.ActorID != e.WorkerID {
		return Engagement{}, ErrForbidden
	}

	executed, err := s.contracts.Executed(ctx, tx, e.ID)
	if err != nil {
		return Engagement{}, err
	}
	if !executed {
		return Engagement{}, ErrContractNotExecuted
	}

	if e.Status != StatusAssigned {
		return Engagement{}, fmt.Errorf("%w: check-in from %s", ErrInvalidTransition, e.Status)
	}

	ev := CheckEvent{Time: params.Time, Latitude: params.Latitude, Longitude: params.Longitude}
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}

	updated, err := s.repo.RecordCheckIn(ctx, tx, e.ID, ev)
	if err != nil {
		return Engagement{}, err
	}

	if err := s.auditTransition(ctx, tx, updated, "ENGAGEMENT_CHECKED_IN", "engagement.checked_in", params.ActorID, ev, nil); err != nil {
		return Engagement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Engagement{}, fmt.Errorf("engagement: commit check-in: %w", err)
	}
	return updated, nil
}

// CheckOut moves checked_in -> checked_out. Duration is unbounded; the
// domain permits multi-day jobs.
func (s *Service) CheckOut(ctx context.Context, params CheckParams) (Engagement, error) {
	if params.EngagementID == "" {
		return Engagement{}, fmt.Errorf("engagement: missing engagement id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, params.EngagementID)
	if err != nil {
		return Engagement{}, err
	}
	if params.ActorID != "" && params.ActorID != e.WorkerID {
		return Engagement{}, ErrForbidden
	}
	if e.Status != StatusCheckedIn {
		return Engagement{}, fmt.Errorf("%w: check-out from %s", ErrInvalidTransition, e.Status)
	}

	ev := CheckEvent{Time: params.Time, Latitude: params.Latitude, Longitude: params.Longitude}
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}

	updated, err := s.repo.RecordCheckOut(ctx, tx, e.ID, ev, params.EvidencePhotos)
	if err != nil {
		return Engagement{}, err
	}

	if err := s.auditTransition(ctx, tx, updated, "ENGAGEMENT_CHECKED_OUT", "engagement.checked_out", params.ActorID, ev, params.EvidencePhotos); err != nil {
		return Engagement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Engagement{}, fmt.Errorf("engagement: commit check-out: %w", err)
	}
	return updated, nil
}

// MarkCompleted moves checked_out -> completed. The settlement engine calls
// this once both charges are paid; the producer confirmation workflow may
// call it directly after verifying settlement itself.
func (s *Service) MarkCompleted(ctx context.Context, engagementID, actorID string) (Engagement, error) {
	if engagementID == "" {
		return Engagement{}, fmt.Errorf("engagement: missing engagement id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Engagement{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, engagementID)
	if err != nil {
		return Engagement{}, err
	}
	if actorID != "" && actorID != e.ProducerID {
		return Engagement{}, ErrForbidden
	}
	if e.Status == StatusCompleted {
		// Retry-safe terminal state.
		return e, nil
	}
	if e.Status != StatusCheckedOut {
		return Engagement{}, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, e.Status)
	}

	updated, err := s.repo.SetStatus(ctx, tx, e.ID, StatusCompleted)
	if err != nil {
		return Engagement{}, err
	}

	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	if s.events != nil {
		if err := s.events.Append(ctx, tx, e.ID, "ENGAGEMENT_COMPLETED", actor, map[string]any{}); err != nil {
			return Engagement{}, err
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, "engagement.completed", map[string]any{"engagement_id": e.ID}); err != nil {
			return Engagement{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Engagement{}, fmt.Errorf("engagement: commit complete: %w", err)
	}
	return updated, nil
}

// Get returns the engagement by id; a lock-free read.
func (s *Service) Get(ctx context.Context, id string) (Engagement, error) {
	return s.repo.GetByID(ctx, id)
}

// ListForUser returns engagements where the user is producer or worker.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Engagement, error) {
	return s.repo.ListByParty(ctx, userID)
}

func (s *Service) auditTransition(ctx context.Context, tx pgx.Tx, e Engagement, eventType, topic, actorID string, ev CheckEvent, photos []string) error {
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	if s.events != nil {
		payload := map[string]any{
			"time":      ev.Time.UTC(),
			"latitude":  ev.Latitude,
			"longitude": ev.Longitude,
		}
		if len(photos) > 0 {
			payload["evidence_photos"] = photos
		}
		if err := s.events.Append(ctx, tx, e.ID, eventType, actor, payload); err != nil {
			return err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"engagement_id": e.ID,
			"status":        e.Status,
		}
		if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
			return err
		}
	}
	return nil
}
