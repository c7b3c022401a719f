package negotiation

import (
	"errors"
	"testing"
)

func TestResolve_SumInvariantAllKinds(t *testing.T) {
	cases := []struct {
		name  string
		terms Terms
		total int64
	}{
		{"full_after", FullAfter{}, 10000},
		{"split_50_50_even", SplitHalf{}, 10000},
		{"split_50_50_odd", SplitHalf{}, 10001},
		{"split_30_70", SplitThirty{}, 9999},
		{"per_unit", PerUnit{UnitPriceMinorUnits: 250, EstimatedUnits: 37}, 0},
		{"per_hour", PerHour{RateMinorUnits: 1500, EstimatedHours: 9}, 0},
		{"per_day", PerDay{RateMinorUnits: 12000, EstimatedDays: 4}, 0},
		{"advance_custom_30", AdvanceCustom{AdvancePercent: 30}, 20000},
		{"advance_custom_rounding", AdvanceCustom{AdvancePercent: 33}, 101},
		{"zero_total", SplitHalf{}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.terms.Resolve(tc.total)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if res.AdvanceMinorUnits+res.RemainderMinorUnits != res.TotalMinorUnits {
				t.Fatalf("advance %d + remainder %d != total %d",
					res.AdvanceMinorUnits, res.RemainderMinorUnits, res.TotalMinorUnits)
			}
		})
	}
}

func TestResolve_AdvanceCustomScenario(t *testing.T) {
	res, err := AdvanceCustom{AdvancePercent: 30}.Resolve(20000)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.AdvanceMinorUnits != 6000 {
		t.Errorf("expected advance 6000, got %d", res.AdvanceMinorUnits)
	}
	if res.RemainderMinorUnits != 14000 {
		t.Errorf("expected remainder 14000, got %d", res.RemainderMinorUnits)
	}
}

func TestResolve_DerivedKindsIgnoreInput(t *testing.T) {
	// The rate-based kinds derive the total on every call; the caller's
	// total argument must not leak in.
	res, err := PerUnit{UnitPriceMinorUnits: 100, EstimatedUnits: 7}.Resolve(999999)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.TotalMinorUnits != 700 {
		t.Errorf("expected derived total 700, got %d", res.TotalMinorUnits)
	}
	if res.AdvanceMinorUnits != 0 {
		t.Errorf("expected zero advance, got %d", res.AdvanceMinorUnits)
	}
}

func TestResolve_InvalidInputs(t *testing.T) {
	if _, err := (SplitHalf{}).Resolve(-1); !errors.Is(err, ErrInvalidTerms) {
		t.Errorf("expected ErrInvalidTerms for negative total, got %v", err)
	}
	if _, err := (PerUnit{UnitPriceMinorUnits: 0, EstimatedUnits: 5}).Resolve(0); !errors.Is(err, ErrInvalidTerms) {
		t.Errorf("expected ErrInvalidTerms for zero unit price, got %v", err)
	}
	if _, err := (PerHour{RateMinorUnits: 100, EstimatedHours: -2}).Resolve(0); !errors.Is(err, ErrInvalidTerms) {
		t.Errorf("expected ErrInvalidTerms for negative hours, got %v", err)
	}
	if _, err := (AdvanceCustom{AdvancePercent: 130}).Resolve(1000); !errors.Is(err, ErrInvalidTerms) {
		t.Errorf("expected ErrInvalidTerms for percent > 100, got %v", err)
	}
}

func TestDecodeTerms_RoundTrip(t *testing.T) {
	for _, terms := range []Terms{
		FullAfter{},
		SplitHalf{},
		SplitThirty{},
		PerUnit{UnitPriceMinorUnits: 250, EstimatedUnits: 40},
		PerHour{RateMinorUnits: 1500, EstimatedHours: 8},
		PerDay{RateMinorUnits: 12000, EstimatedDays: 3},
		AdvanceCustom{AdvancePercent: 45},
	} {
		rate, quantity, advance := encodeTerms(terms)
		var pct *int16
		if advance != nil {
			v := int16(*advance)
			pct = &v
		}
		decoded, err := decodeTerms(terms.Kind(), rate, quantity, pct)
		if err != nil {
			t.Fatalf("decode %s: %v", terms.Kind(), err)
		}
		if decoded != terms {
			t.Errorf("round trip mismatch for %s: got %#v want %#v", terms.Kind(), decoded, terms)
		}
	}
}
