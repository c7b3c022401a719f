package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"agroflow/money"
)

var (
	// ErrContractNotExecuted blocks charge issuance until both parties signed.
	ErrContractNotExecuted = errors.New("settlement: contract not fully executed")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ContractGate reports whether the engagement's live contract is fully
// executed. Implemented by the contract repository.
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

// Config carries the platform-level settlement knobs.
type Config struct {
	// PlatformAccountID receives the platform fee leg.
	PlatformAccountID string
	// PlatformFeeRate is the fraction of the engagement price kept by the
	// platform, e.g. 0.10.
	PlatformFeeRate float64
	// ChargeTTL is how long an issued charge stays payable.
	ChargeTTL time.Duration
}

// Service issues and settles the two charge legs of an engagement.
type Service struct {
	pool      TxBeginner
	repo      Repository
	contracts ContractGate
	events    EventWriter
	outbox    OutboxWriter
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
}

func NewService(pool TxBeginner, repo Repository, contracts ContractGate, events EventWriter, outbox OutboxWriter, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:      pool,
		repo:      repo,
		contracts: contracts,
		events:    events,
		outbox:    outbox,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueCharges creates the worker payout and platform fee legs for the
// engagement. Replays return the existing active pair; a leg whose prior
// charge expired or was cancelled is reissued. The partial unique index on
// (engagement_id, charge_type) backstops concurrent callers.
func (s *Service) IssueCharges(ctx context.Context, engagementID, actorID string) (ChargePair, error) {
	if engagementID == "" {
		return ChargePair{}, fmt.Errorf("settlement: missing engagement id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ChargePair{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	info, err := s.repo.LockEngagement(ctx, tx, engagementID)
	if err != nil {
		return ChargePair{}, err
	}

	executed, err := s.contracts.Executed(ctx, tx, info.ID)
	if err != nil {
		return ChargePair{}, err
	}
	if !executed {
		return ChargePair{}, ErrContractNotExecuted
	}

	split, err := money.Breakdown(info.FinalPriceMinorUnits, s.cfg.PlatformFeeRate)
	if err != nil {
		return ChargePair{}, err
	}

	active, err := s.repo.ActiveByType(ctx, tx, info.ID)
	if err != nil {
		return ChargePair{}, err
	}

	expiresAt := s.now().Add(s.cfg.ChargeTTL)
	issued := false

	payout, ok := active[TypeWorkerPayout]
	if !ok {
		payout, err = s.repo.Insert(ctx, tx, Charge{
			EngagementID:    info.ID,
			Type:            TypeWorkerPayout,
			PayerID:         info.ProducerID,
			ReceiverID:      info.WorkerID,
			ValueMinorUnits: split.WorkerPayout,
			Description:     "Worker payout for engagement " + info.ID,
			ExpiresAt:       expiresAt,
		})
		if err != nil {
			return ChargePair{}, err
		}
		issued = true
	}

	fee, ok := active[TypePlatformFee]
	if !ok {
		fee, err = s.repo.Insert(ctx, tx, Charge{
			EngagementID:    info.ID,
			Type:            TypePlatformFee,
			PayerID:         info.ProducerID,
			ReceiverID:      s.cfg.PlatformAccountID,
			ValueMinorUnits: split.PlatformFee,
			Description:     "Platform fee for engagement " + info.ID,
			ExpiresAt:       expiresAt,
		})
		if err != nil {
			return ChargePair{}, err
		}
		issued = true
	}

	if issued {
		var actor *string
		if actorID != "" {
			actor = &actorID
		}
		if s.events != nil {
			payload := map[string]any{
				"worker_payout_minor_units": payout.ValueMinorUnits,
				"platform_fee_minor_units":  fee.ValueMinorUnits,
				"total_minor_units":         split.Total,
			}
			if err := s.events.Append(ctx, tx, info.ID, "CHARGES_ISSUED", actor, payload); err != nil {
				return ChargePair{}, err
			}
		}
		if s.outbox != nil {
			payload := map[string]any{
				"engagement_id":    info.ID,
				"worker_payout_id": payout.ID,
				"platform_fee_id":  fee.ID,
			}
			if err := s.outbox.Enqueue(ctx, tx, "settlement.charges_issued", payload); err != nil {
				return ChargePair{}, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ChargePair{}, fmt.Errorf("settlement: commit issue charges: %w", err)
	}
	return ChargePair{WorkerPayout: payout, PlatformFee: fee}, nil
}

// MarkPaid settles a single charge leg. Paid, expired and cancelled
// charges reject the transition with ErrAlreadyTerminal. When the second
// leg lands the engagement is completed in the same transaction if it is
// waiting at checked_out.
func (s *Service) MarkPaid(ctx context.Context, chargeID string) (Charge, error) {
	if chargeID == "" {
		return Charge{}, fmt.Errorf("settlement: missing charge id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Charge{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	paid, err := s.markPaidTx(ctx, tx, chargeID)
	if err != nil {
		return Charge{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Charge{}, fmt.Errorf("settlement: commit mark paid: %w", err)
	}
	return paid, nil
}

// RailConfirmation is a payment-rail webhook normalized for the service.
type RailConfirmation struct {
	ChargeID       string
	IdempotencyKey string
}

// HandleRailConfirmation applies a payment confirmation exactly once.
// Redelivered webhooks hit the idempotency key and return nil without
// touching the charge.
func (s *Service) HandleRailConfirmation(ctx context.Context, req RailConfirmation) error {
	if req.IdempotencyKey == "" {
		return fmt.Errorf("settlement: missing idempotency key")
	}
	if req.ChargeID == "" {
		return fmt.Errorf("settlement: missing charge id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.InsertIdempotencyKey(ctx, tx, req.IdempotencyKey); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil
		}
		return err
	}

	if _, err := s.markPaidTx(ctx, tx, req.ChargeID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit rail confirmation: %w", err)
	}
	return nil
}

func (s *Service) markPaidTx(ctx context.Context, tx pgx.Tx, chargeID string) (Charge, error) {
	current, err := s.repo.GetForUpdate(ctx, tx, chargeID)
	if err != nil {
		return Charge{}, err
	}
	if current.Status.Terminal() {
		return Charge{}, fmt.Errorf("%w: charge %s is %s", ErrAlreadyTerminal, current.ID, current.Status)
	}

	paid, err := s.repo.MarkPaid(ctx, tx, chargeID)
	if err != nil {
		return Charge{}, err
	}

	if s.events != nil {
		payload := map[string]any{
			"charge_id":         paid.ID,
			"charge_type":       string(paid.Type),
			"value_minor_units": paid.ValueMinorUnits,
		}
		if err := s.events.Append(ctx, tx, paid.EngagementID, "CHARGE_PAID", nil, payload); err != nil {
			return Charge{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"charge_id":     paid.ID,
			"engagement_id": paid.EngagementID,
			"charge_type":   string(paid.Type),
		}
		if err := s.outbox.Enqueue(ctx, tx, "settlement.charge_paid", payload); err != nil {
			return Charge{}, err
		}
	}

	allPaid, err := s.repo.AllPaid(ctx, tx, paid.EngagementID)
	if err != nil {
		return Charge{}, err
	}
	if allPaid {
		completed, err := s.repo.CompleteEngagement(ctx, tx, paid.EngagementID)
		if err != nil {
			return Charge{}, err
		}
		if completed {
			if s.events != nil {
				if err := s.events.Append(ctx, tx, paid.EngagementID, "ENGAGEMENT_COMPLETED", nil, map[string]any{
					"settled": true,
				}); err != nil {
					return Charge{}, err
				}
			}
			if s.outbox != nil {
				if err := s.outbox.Enqueue(ctx, tx, "engagement.completed", map[string]any{
					"engagement_id": paid.EngagementID,
				}); err != nil {
					return Charge{}, err
				}
			}
		}
	}

	return paid, nil
}

// ExpireStaleCharges sweeps pending charges whose expiry has passed.
// Each charge expires in its own transaction; failures are logged and the
// sweep moves on. A charge paid mid-sweep stays paid.
func (s *Service) ExpireStaleCharges(ctx context.Context, now time.Time) (int, error) {
	const batchSize = 200

	ids, err := s.repo.DueForExpiry(ctx, now, batchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if err := s.expireOne(ctx, id); err != nil {
			if errors.Is(err, ErrAlreadyTerminal) {
				continue
			}
			s.log.Error("expire charge failed", "charge_id", id, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, chargeID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.Expire(ctx, tx, chargeID)
	if err != nil {
		return err
	}

	if s.events != nil {
		payload := map[string]any{
			"charge_id":   c.ID,
			"charge_type": string(c.Type),
		}
		if err := s.events.Append(ctx, tx, c.EngagementID, "CHARGE_EXPIRED", nil, payload); err != nil {
			return err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"charge_id":     c.ID,
			"engagement_id": c.EngagementID,
			"charge_type":   string(c.Type),
		}
		if err := s.outbox.Enqueue(ctx, tx, "settlement.charge_expired", payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit expire: %w", err)
	}
	return nil
}

// ListCharges returns every charge ever issued for the engagement.
func (s *Service) ListCharges(ctx context.Context, engagementID string) ([]Charge, error) {
	return s.repo.ListByEngagement(ctx, engagementID)
}
