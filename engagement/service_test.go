package engagement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestAcceptBid_CreatesEngagementOnce(t *testing.T) {
	repo := newFakeStore()
	repo.bids["bid-1"] = Bid{ID: "bid-1", JobID: "job-1", ProducerID: "prod-1", WorkerID: "work-1", PriceMinorUnits: 50000, Status: "open"}
	svc := NewService(&fakePool{}, repo, &fakeGate{executed: false}, nil, nil)

	ctx := context.Background()
	first, err := svc.AcceptBid(ctx, AcceptBidParams{BidID: "bid-1", ActorID: "prod-1"})
	if err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if first.Status != StatusAssigned {
		t.Errorf("expected assigned, got %s", first.Status)
	}
	if first.FinalPriceMinorUnits != 50000 {
		t.Errorf("expected price carried over, got %d", first.FinalPriceMinorUnits)
	}
	if repo.bids["bid-1"].Status != "accepted" {
		t.Errorf("expected bid marked accepted")
	}

	// Retry returns the existing engagement, no duplicate.
	second, err := svc.AcceptBid(ctx, AcceptBidParams{BidID: "bid-1", ActorID: "prod-1"})
	if err != nil {
		t.Fatalf("retry accept bid: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected idempotent replay, got new engagement %s", second.ID)
	}
	if len(repo.engagements) != 1 {
		t.Fatalf("expected 1 engagement, got %d", len(repo.engagements))
	}
}

func TestAcceptBid_OnlyProducer(t *testing.T) {
	repo := newFakeStore()
	repo.bids["bid-1"] = Bid{ID: "bid-1", ProducerID: "prod-1", WorkerID: "work-1", PriceMinorUnits: 100, Status: "open"}
	svc := NewService(&fakePool{}, repo, &fakeGate{}, nil, nil)

	if _, err := svc.AcceptBid(context.Background(), AcceptBidParams{BidID: "bid-1", ActorID: "work-1"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAcceptBid_RejectedBid(t *testing.T) {
	repo := newFakeStore()
	repo.bids["bid-1"] = Bid{ID: "bid-1", ProducerID: "prod-1", WorkerID: "work-1", PriceMinorUnits: 100, Status: "rejected"}
	svc := NewService(&fakePool{}, repo, &fakeGate{}, nil, nil)

	if _, err := svc.AcceptBid(context.Background(), AcceptBidParams{BidID: "bid-1", ActorID: "prod-1"}); !errors.Is(err, ErrBidNotAccepted) {
		t.Fatalf("expected ErrBidNotAccepted, got %v", err)
	}
}

func TestCheckIn_RequiresExecutedContract(t *testing.T) {
	repo := newFakeStore()
	repo.seedEngagement("eng-1", StatusAssigned)
	gate := &fakeGate{executed: false}
	svc := NewService(&fakePool{}, repo, gate, nil, nil)

	_, err := svc.CheckIn(context.Background(), CheckParams{EngagementID: "eng-1", ActorID: "work-1", Latitude: -23.5, Longitude: -46.6})
	if !errors.Is(err, ErrContractNotExecuted) {
		t.Fatalf("expected ErrContractNotExecuted, got %v", err)
	}
	if repo.engagements["eng-1"].Status != StatusAssigned {
		t.Errorf("status must not change on failed check-in")
	}
}

func TestCheckIn_RecordsGeoEvidence(t *testing.T) {
	repo := newFakeStore()
	repo.seedEngagement("eng-1", StatusAssigned)
	svc := NewService(&fakePool{}, repo, &fakeGate{executed: true}, nil, nil)

	at := time.Date(2026, 3, 14, 6, 30, 0, 0, time.UTC)
	e, err := svc.CheckIn(context.Background(), CheckParams{
		EngagementID: "eng-1", ActorID: "work-1",
		Latitude: -23.55, Longitude: -46.63, Time: at,
	})
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if e.Status != StatusCheckedIn {
		t.Errorf("expected checked_in, got %s", e.Status)
	}
	if e.CheckIn == nil || !e.CheckIn.Time.Equal(at) || e.CheckIn.Latitude != -23.55 {
		t.Errorf("check event not recorded: %+v", e.CheckIn)
	}

	// A second check-in must fail; the lifecycle never moves backward or repeats.
	if _, err := svc.CheckIn(context.Background(), CheckParams{EngagementID: "eng-1", ActorID: "work-1"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double check-in, got %v", err)
	}
}

func TestCheckOut_OnlyFromCheckedIn(t *testing.T) {
	repo := newFakeStore()
	repo.seedEngagement("eng-1", StatusAssigned)
	svc := NewService(&fakePool{}, repo, &fakeGate{executed: true}, nil, nil)

	if _, err := svc.CheckOut(context.Background(), CheckParams{EngagementID: "eng-1", ActorID: "work-1"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := svc.CheckIn(context.Background(), CheckParams{EngagementID: "eng-1", ActorID: "work-1"}); err != nil {
		t.Fatalf("check-in: %v", err)
	}
	e, err := svc.CheckOut(context.Background(), CheckParams{
		EngagementID: "eng-1", ActorID: "work-1",
		EvidencePhotos: []string{"s3://evidence/eng-1/after.jpg"},
	})
	if err != nil {
		t.Fatalf("check-out: %v", err)
	}
	if e.Status != StatusCheckedOut {
		t.Errorf("expected checked_out, got %s", e.Status)
	}
	if len(e.EvidencePhotos) != 1 {
		t.Errorf("expected evidence photo reference recorded")
	}
}

func TestMarkCompleted(t *testing.T) {
	repo := newFakeStore()
	repo.seedEngagement("eng-1", StatusCheckedOut)
	svc := NewService(&fakePool{}, repo, &fakeGate{executed: true}, nil, nil)

	ctx := context.Background()
	e, err := svc.MarkCompleted(ctx, "eng-1", "prod-1")
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if e.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", e.Status)
	}

	// Completed is terminal and retry-safe.
	if _, err := svc.MarkCompleted(ctx, "eng-1", "prod-1"); err != nil {
		t.Fatalf("retry mark completed: %v", err)
	}

	// Only the producer may confirm manually.
	repo.seedEngagement("eng-2", StatusCheckedOut)
	if _, err := svc.MarkCompleted(ctx, "eng-2", "work-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	// Never from earlier states.
	repo.seedEngagement("eng-3", StatusCheckedIn)
	if _, err := svc.MarkCompleted(ctx, "eng-3", "prod-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

// fakeStore is an in-memory Repository.
type fakeStore struct {
	bids        map[string]Bid
	engagements map[string]Engagement
	nextID      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bids:        make(map[string]Bid),
		engagements: make(map[string]Engagement),
		nextID:      1,
	}
}

func (f *fakeStore) seedEngagement(id string, status Status) {
	f.engagements[id] = Engagement{
		ID: id, BidID: "bid-" + id, JobID: "job-1",
		ProducerID: "prod-1", WorkerID: "work-1",
		FinalPriceMinorUnits: 10000, Status: status,
	}
}

func (f *fakeStore) GetByID(ctx context.Context, id string) (Engagement, error) {
	e, ok := f.engagements[id]
	if !ok {
		return Engagement{}, ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Engagement, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeStore) LockBid(ctx context.Context, tx pgx.Tx, bidID string) (Bid, error) {
	b, ok := f.bids[bidID]
	if !ok {
		return Bid{}, ErrBidNotFound
	}
	return b, nil
}

func (f *fakeStore) MarkBidAccepted(ctx context.Context, tx pgx.Tx, bidID string) error {
	b := f.bids[bidID]
	if b.Status == "open" {
		b.Status = "accepted"
		f.bids[bidID] = b
	}
	return nil
}

func (f *fakeStore) FindByBid(ctx context.Context, tx pgx.Tx, bidID string) (Engagement, error) {
	for _, e := range f.engagements {
		if e.BidID == bidID {
			return e, nil
		}
	}
	return Engagement{}, ErrNotFound
}

func (f *fakeStore) Insert(ctx context.Context, tx pgx.Tx, e Engagement) (Engagement, error) {
	e.ID = fmt.Sprintf("eng-%d", f.nextID)
	f.nextID++
	e.Status = StatusAssigned
	e.CreatedAt = time.Now().UTC()
	e.UpdatedAt = e.CreatedAt
	f.engagements[e.ID] = e
	return e, nil
}

func (f *fakeStore) RecordCheckIn(ctx context.Context, tx pgx.Tx, id string, ev CheckEvent) (Engagement, error) {
	e, ok := f.engagements[id]
	if !ok {
		return Engagement{}, ErrNotFound
	}
	e.Status = StatusCheckedIn
	e.CheckIn = &ev
	f.engagements[id] = e
	return e, nil
}

func (f *fakeStore) RecordCheckOut(ctx context.Context, tx pgx.Tx, id string, ev CheckEvent, photos []string) (Engagement, error) {
	e, ok := f.engagements[id]
	if !ok {
		return Engagement{}, ErrNotFound
	}
	e.Status = StatusCheckedOut
	e.CheckOut = &ev
	e.EvidencePhotos = photos
	f.engagements[id] = e
	return e, nil
}

func (f *fakeStore) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Engagement, error) {
	e, ok := f.engagements[id]
	if !ok {
		return Engagement{}, ErrNotFound
	}
	e.Status = status
	f.engagements[id] = e
	return e, nil
}

func (f *fakeStore) ListByParty(ctx context.Context, userID string) ([]Engagement, error) {
	out := []Engagement{}
	for _, e := range f.engagements {
		if e.ProducerID == userID || e.WorkerID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeGate struct {
	executed bool
}

func (f *fakeGate) Executed(ctx context.Context, tx pgx.Tx, engagementID string) (bool, error) {
	return f.executed, nil
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
