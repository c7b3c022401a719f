package contract

import "testing"

func TestFormatMinorUnits(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "R$ 0,00"},
		{5, "R$ 0,05"},
		{100, "R$ 1,00"},
		{123456, "R$ 1.234,56"},
		{100000000, "R$ 1.000.000,00"},
		{-9050, "-R$ 90,50"},
	}
	for _, c := range cases {
		if got := FormatMinorUnits(c.in); got != c.want {
			t.Errorf("FormatMinorUnits(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}
