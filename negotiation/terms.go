package negotiation

import (
	"errors"
	"fmt"
)

// Kind discriminates the closed set of payment structures.
type Kind string

const (
	KindFullAfter     Kind = "full_after"
	KindSplitHalf     Kind = "split_50_50"
	KindSplitThirty   Kind = "split_30_70"
	KindPerUnit       Kind = "per_unit"
	KindPerHour       Kind = "per_hour"
	KindPerDay        Kind = "per_day"
	KindAdvanceCustom Kind = "advance_custom"
)

// ErrInvalidTerms signals term parameters that cannot resolve to a split.
var ErrInvalidTerms = errors.New("negotiation: invalid payment terms")

// Resolution is the advance/remainder split of a total. For every kind
// AdvanceMinorUnits + RemainderMinorUnits == TotalMinorUnits exactly.
type Resolution struct {
	AdvanceMinorUnits   int64
	RemainderMinorUnits int64
	TotalMinorUnits     int64
}

// Terms is the closed union of payment structures. Each variant resolves
// itself; callers never branch on kind strings.
type Terms interface {
	Kind() Kind
	// Resolve computes the advance/remainder split. Rate-based kinds derive
	// the total from their own fields on every call and ignore the argument;
	// the rest split the provided total.
	Resolve(totalMinorUnits int64) (Resolution, error)
	// Describe renders the structure for contract text.
	Describe() string

	isTerms()
}

// FullAfter pays everything after work completion.
type FullAfter struct{}

func (FullAfter) Kind() Kind       { return KindFullAfter }
func (FullAfter) isTerms()         {}
func (FullAfter) Describe() string { return "full payment after completion" }
func (FullAfter) Resolve(total int64) (Resolution, error) {
	if total < 0 {
		return Resolution{}, fmt.Errorf("%w: negative total %d", ErrInvalidTerms, total)
	}
	return Resolution{AdvanceMinorUnits: 0, RemainderMinorUnits: total, TotalMinorUnits: total}, nil
}

// SplitHalf pays half in advance, half after.
type SplitHalf struct{}

func (SplitHalf) Kind() Kind       { return KindSplitHalf }
func (SplitHalf) isTerms()         {}
func (SplitHalf) Describe() string { return "50% advance, 50% after completion" }
func (SplitHalf) Resolve(total int64) (Resolution, error) {
	return advanceByPercent(total, 50)
}

// SplitThirty pays 30% in advance, 70% after.
type SplitThirty struct{}

func (SplitThirty) Kind() Kind       { return KindSplitThirty }
func (SplitThirty) isTerms()         {}
func (SplitThirty) Describe() string { return "30% advance, 70% after completion" }
func (SplitThirty) Resolve(total int64) (Resolution, error) {
	return advanceByPercent(total, 30)
}

// PerUnit derives the total from a unit price and an estimated unit count.
type PerUnit struct {
	UnitPriceMinorUnits int64
	EstimatedUnits      int64
}

func (PerUnit) Kind() Kind { return KindPerUnit }
func (PerUnit) isTerms()   {}
func (t PerUnit) Describe() string {
	return fmt.Sprintf("per unit: %d minor units x %d estimated units", t.UnitPriceMinorUnits, t.EstimatedUnits)
}
func (t PerUnit) Resolve(int64) (Resolution, error) {
	return derivedTotal(t.UnitPriceMinorUnits, t.EstimatedUnits)
}

// PerHour derives the total from an hourly rate and estimated hours.
type PerHour struct {
	RateMinorUnits int64
	EstimatedHours int64
}

func (PerHour) Kind() Kind { return KindPerHour }
func (PerHour) isTerms()   {}
func (t PerHour) Describe() string {
	return fmt.Sprintf("per hour: %d minor units x %d estimated hours", t.RateMinorUnits, t.EstimatedHours)
}
func (t PerHour) Resolve(int64) (Resolution, error) {
	return derivedTotal(t.RateMinorUnits, t.EstimatedHours)
}

// PerDay derives the total from a daily rate and estimated days.
type PerDay struct {
	RateMinorUnits int64
	EstimatedDays  int64
}

func (PerDay) Kind() Kind { return KindPerDay }
func (PerDay) isTerms()   {}
func (t PerDay) Describe() string {
	return fmt.Sprintf("per day: %d minor units x %d estimated days", t.RateMinorUnits, t.EstimatedDays)
}
func (t PerDay) Resolve(int64) (Resolution, error) {
	return derivedTotal(t.RateMinorUnits, t.EstimatedDays)
}

// AdvanceCustom pays a negotiated percentage in advance.
type AdvanceCustom struct {
	AdvancePercent int64
}

func (AdvanceCustom) Kind() Kind { return KindAdvanceCustom }
func (AdvanceCustom) isTerms()   {}
func (t AdvanceCustom) Describe() string {
	return fmt.Sprintf("%d%% advance, %d%% after completion", t.AdvancePercent, 100-t.AdvancePercent)
}
func (t AdvanceCustom) Resolve(total int64) (Resolution, error) {
	if t.AdvancePercent < 0 || t.AdvancePercent > 100 {
		return Resolution{}, fmt.Errorf("%w: advance percent %d", ErrInvalidTerms, t.AdvancePercent)
	}
	return advanceByPercent(total, t.AdvancePercent)
}

// Build assembles a Terms value from wire-level fields. Rate and quantity
// feed the derived kinds; advancePercent feeds advance_custom. Fields a
// kind does not use are ignored.
func Build(kind Kind, rate, quantity, advancePercent int64) (Terms, error) {
	switch kind {
	case KindFullAfter:
		return FullAfter{}, nil
	case KindSplitHalf:
		return SplitHalf{}, nil
	case KindSplitThirty:
		return SplitThirty{}, nil
	case KindPerUnit:
		return PerUnit{UnitPriceMinorUnits: rate, EstimatedUnits: quantity}, nil
	case KindPerHour:
		return PerHour{RateMinorUnits: rate, EstimatedHours: quantity}, nil
	case KindPerDay:
		return PerDay{RateMinorUnits: rate, EstimatedDays: quantity}, nil
	case KindAdvanceCustom:
		return AdvanceCustom{AdvancePercent: advancePercent}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidTerms, kind)
	}
}

// advanceByPercent splits total with the advance rounded half-up on minor
// units. The remainder is always the difference so the sum invariant holds.
func advanceByPercent(total, percent int64) (Resolution, error) {
	if total < 0 {
		return Resolution{}, fmt.Errorf("%w: negative total %d", ErrInvalidTerms, total)
	}
	advance := (total*percent + 50) / 100
	return Resolution{
		AdvanceMinorUnits:   advance,
		RemainderMinorUnits: total - advance,
		TotalMinorUnits:     total,
	}, nil
}

func derivedTotal(rate, quantity int64) (Resolution, error) {
	if rate <= 0 || quantity <= 0 {
		return Resolution{}, fmt.Errorf("%w: rate %d, quantity %d", ErrInvalidTerms, rate, quantity)
	}
	total := rate * quantity
	return Resolution{AdvanceMinorUnits: 0, RemainderMinorUnits: total, TotalMinorUnits: total}, nil
}
