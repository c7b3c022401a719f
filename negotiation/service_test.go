package negotiation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestPropose_AppendsEntry(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeLedger("eng-1", "prod-1", "work-1")
	svc := NewService(pool, repo, nil, nil)

	p, err := svc.Propose(context.Background(), ProposeParams{
		EngagementID:    "eng-1",
		ProposerID:      "work-1",
		ProposerRole:    RoleWorker,
		Terms:           SplitHalf{},
		TotalMinorUnits: 10000,
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Status != StatusProposed {
		t.Errorf("expected proposed status, got %s", p.Status)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if len(repo.proposals) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(repo.proposals))
	}
}

func TestPropose_RejectsOutsiders(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeLedger("eng-1", "prod-1", "work-1")
	svc := NewService(pool, repo, nil, nil)

	_, err := svc.Propose(context.Background(), ProposeParams{
		EngagementID:    "eng-1",
		ProposerID:      "intruder",
		ProposerRole:    RoleWorker,
		Terms:           FullAfter{},
		TotalMinorUnits: 5000,
	})
	if !errors.Is(err, ErrProposerNotParty) {
		t.Fatalf("expected ErrProposerNotParty, got %v", err)
	}

	_, err = svc.Propose(context.Background(), ProposeParams{
		EngagementID:    "eng-1",
		ProposerID:      "prod-1",
		ProposerRole:    RoleWorker,
		Terms:           FullAfter{},
		TotalMinorUnits: 5000,
	})
	if !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("expected ErrRoleMismatch, got %v", err)
	}
}

func TestPropose_RejectsMalformedTerms(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeLedger("eng-1", "prod-1", "work-1")
	svc := NewService(pool, repo, nil, nil)

	_, err := svc.Propose(context.Background(), ProposeParams{
		EngagementID:    "eng-1",
		ProposerID:      "prod-1",
		ProposerRole:    RoleProducer,
		Terms:           PerUnit{UnitPriceMinorUnits: 0, EstimatedUnits: 10},
		TotalMinorUnits: 0,
	})
	if !errors.Is(err, ErrInvalidTerms) {
		t.Fatalf("expected ErrInvalidTerms, got %v", err)
	}
	if len(repo.proposals) != 0 {
		t.Errorf("malformed terms must never reach the ledger")
	}
}

func TestAccept_SecondProposalWins_LedgerRetained(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeLedger("eng-1", "prod-1", "work-1")
	svc := NewService(pool, repo, nil, nil)

	ctx := context.Background()
	first, err := svc.Propose(ctx, ProposeParams{
		EngagementID: "eng-1", ProposerID: "work-1", ProposerRole: RoleWorker,
		Terms: SplitHalf{}, TotalMinorUnits: 10000,
	})
	if err != nil {
		t.Fatalf("first propose: %v", err)
	}
	second, err := svc.Propose(ctx, ProposeParams{
		EngagementID: "eng-1", ProposerID: "prod-1", ProposerRole: RoleProducer,
		Terms: AdvanceCustom{AdvancePercent: 30}, TotalMinorUnits: 20000,
	})
	if err != nil {
		t.Fatalf("second propose: %v", err)
	}

	accepted, err := svc.Accept(ctx, AcceptParams{ProposalID: second.ID, ActorID: "work-1"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Errorf("expected accepted status, got %s", accepted.Status)
	}

	history, err := svc.History(ctx, "eng-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("ledger must retain both entries, got %d", len(history))
	}
	if history[0].ID != first.ID || history[0].Status != StatusProposed {
		t.Errorf("superseded proposal must stay in the ledger as proposed")
	}

	current, resolved, err := svc.CurrentTerms(ctx, "eng-1")
	if err != nil {
		t.Fatalf("current terms: %v", err)
	}
	if current.ID != second.ID {
		t.Errorf("current terms must reflect the accepted proposal")
	}
	if resolved.AdvanceMinorUnits != 6000 || resolved.RemainderMinorUnits != 14000 {
		t.Errorf("unexpected resolution: %+v", resolved)
	}
}

func TestAccept_Idempotent(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeLedger("eng-1", "prod-1", "work-1")
	svc := NewService(pool, repo, nil, nil)

	ctx := context.Background()
	p, err := svc.Propose(ctx, ProposeParams{
		EngagementID: "eng-1", ProposerID: "work-1", ProposerRole: RoleWorker,
		Terms: FullAfter{}, TotalMinorUnits: 8000,
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	if _, err := svc.Accept(ctx, AcceptParams{ProposalID: p.ID, ActorID: "prod-1"}); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	again, err := svc.Accept(ctx, AcceptParams{ProposalID: p.ID, ActorID: "prod-1"})
	if err != nil {
		t.Fatalf("second accept should be a no-op, got %v", err)
	}
	if again.Status != StatusAccepted {
		t.Errorf("expected accepted, got %s", again.Status)
	}
	if repo.acceptCalls != 1 {
		t.Errorf("expected exactly one accept write, got %d", repo.acceptCalls)
	}
}

func TestCurrentTerms_DerivedKindRederivesTotal(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeLedger("eng-1", "prod-1", "work-1")
	svc := NewService(pool, repo, nil, nil)

	ctx := context.Background()
	p, err := svc.Propose(ctx, ProposeParams{
		EngagementID: "eng-1", ProposerID: "work-1", ProposerRole: RoleWorker,
		Terms: PerDay{RateMinorUnits: 15000, EstimatedDays: 3},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := svc.Accept(ctx, AcceptParams{ProposalID: p.ID, ActorID: "prod-1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	_, resolved, err := svc.CurrentTerms(ctx, "eng-1")
	if err != nil {
		t.Fatalf("current terms: %v", err)
	}
	if resolved.TotalMinorUnits != 45000 {
		t.Errorf("expected derived total 45000, got %d", resolved.TotalMinorUnits)
	}
}

// fakeLedger is an in-memory Repository.
type fakeLedger struct {
	engagementID string
	producerID   string
	workerID     string
	proposals    []Proposal
	nextID       int
	acceptCalls  int
}

func newFakeLedger(engagementID, producerID, workerID string) *fakeLedger {
	return &fakeLedger{engagementID: engagementID, producerID: producerID, workerID: workerID, nextID: 1}
}

func (f *fakeLedger) Insert(ctx context.Context, tx pgx.Tx, p Proposal) (Proposal, error) {
	p.ID = fmt.Sprintf("prop-%d", f.nextID)
	f.nextID++
	p.Status = StatusProposed
	p.CreatedAt = time.Now().UTC()
	f.proposals = append(f.proposals, p)
	return p, nil
}

func (f *fakeLedger) GetForUpdate(ctx context.Context, tx pgx.Tx, proposalID string) (Proposal, error) {
	for _, p := range f.proposals {
		if p.ID == proposalID {
			return p, nil
		}
	}
	return Proposal{}, ErrProposalNotFound
}

func (f *fakeLedger) MarkAccepted(ctx context.Context, tx pgx.Tx, proposalID string) (Proposal, error) {
	f.acceptCalls++
	for i := range f.proposals {
		if f.proposals[i].ID == proposalID {
			now := time.Now().UTC()
			f.proposals[i].Status = StatusAccepted
			f.proposals[i].AcceptedAt = &now
			return f.proposals[i], nil
		}
	}
	return Proposal{}, ErrProposalNotFound
}

func (f *fakeLedger) LockEngagement(ctx context.Context, tx pgx.Tx, engagementID string) (EngagementParties, error) {
	if engagementID != f.engagementID {
		return EngagementParties{}, ErrEngagementNotFound
	}
	return EngagementParties{ID: f.engagementID, ProducerID: f.producerID, WorkerID: f.workerID}, nil
}

func (f *fakeLedger) ListByEngagement(ctx context.Context, engagementID string) ([]Proposal, error) {
	out := make([]Proposal, 0, len(f.proposals))
	for _, p := range f.proposals {
		if p.EngagementID == engagementID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeLedger) Current(ctx context.Context, engagementID string) (Proposal, error) {
	var latest *Proposal
	for i := range f.proposals {
		p := &f.proposals[i]
		if p.EngagementID == engagementID && p.Status == StatusAccepted {
			if latest == nil || !p.AcceptedAt.Before(*latest.AcceptedAt) {
				latest = p
			}
		}
	}
	if latest == nil {
		return Proposal{}, ErrNoAcceptedTerms
	}
	return *latest, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
