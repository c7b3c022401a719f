// Package money implements the producer/platform split over integer
// minor-currency units.
package money

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNegativeTotal signals a negative total was passed to Breakdown.
	ErrNegativeTotal = errors.New("money: negative total")
	// ErrInvalidFeeRate signals a fee rate outside [0, 1].
	ErrInvalidFeeRate = errors.New("money: fee rate must be within [0, 1]")
)

// Split is the result of dividing a total between worker and platform.
// WorkerPayout + PlatformFee == Total holds for every valid input.
type Split struct {
	Total        int64
	WorkerPayout int64
	PlatformFee  int64
}

// Breakdown divides totalMinorUnits between worker payout and platform fee.
// The fee is rounded half-up on minor units; the payout is always the
// difference so no unit is lost or gained to rounding.
func Breakdown(totalMinorUnits int64, platformFeeRate float64) (Split, error) {
	if totalMinorUnits < 0 {
		return Split{}, fmt.Errorf("%w: %d", ErrNegativeTotal, totalMinorUnits)
	}
	if platformFeeRate < 0 || platformFeeRate > 1 || math.IsNaN(platformFeeRate) {
		return Split{}, fmt.Errorf("%w: %v", ErrInvalidFeeRate, platformFeeRate)
	}

	fee := int64(math.Floor(float64(totalMinorUnits)*platformFeeRate + 0.5))
	return Split{
		Total:        totalMinorUnits,
		WorkerPayout: totalMinorUnits - fee,
		PlatformFee:  fee,
	}, nil
}
