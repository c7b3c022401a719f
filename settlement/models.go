package settlement

import "time"

// ChargeType splits a settlement into its two legs.
type ChargeType string

const (
	TypeWorkerPayout ChargeType = "worker_payout"
	TypePlatformFee  ChargeType = "platform_fee"
)

// ChargeStatus is the charge lifecycle. paid, expired and cancelled are
// terminal; only pending moves.
type ChargeStatus string

const (
	StatusPending   ChargeStatus = "pending"
	StatusPaid      ChargeStatus = "paid"
	StatusExpired   ChargeStatus = "expired"
	StatusCancelled ChargeStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ChargeStatus) Terminal() bool {
	return s == StatusPaid || s == StatusExpired || s == StatusCancelled
}

// Active reports whether the status occupies the one-active-charge slot
// for its type. Paid charges stay active so a settled leg is never
// double-issued.
func (s ChargeStatus) Active() bool {
	return s == StatusPending || s == StatusPaid
}

// Charge is one leg of an engagement's settlement.
type Charge struct {
	ID              string
	EngagementID    string
	Type            ChargeType
	PayerID         string
	ReceiverID      string
	ValueMinorUnits int64
	Description     string
	Status          ChargeStatus
	CreatedAt       time.Time
	PaidAt          *time.Time
	ExpiresAt       time.Time
	UpdatedAt       time.Time
}

// ChargePair is the two legs issued together for an engagement.
type ChargePair struct {
	WorkerPayout Charge
	PlatformFee  Charge
}
