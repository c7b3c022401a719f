package engagement

import "time"

// Status is the forward-only work-order lifecycle.
type Status string

const (
	StatusAssigned   Status = "assigned"
	StatusCheckedIn  Status = "checked_in"
	StatusCheckedOut Status = "checked_out"
	StatusCompleted  Status = "completed"
)

// CheckEvent is one geo-stamped check-in or check-out record, immutable
// after write. Location and time come from the external capture service.
type CheckEvent struct {
	Time      time.Time
	Latitude  float64
	Longitude float64
}

// Engagement ties an accepted bid to a producer and worker through
// completion and payment. Neither party may unilaterally mutate the
// other's fields.
type Engagement struct {
	ID                   string
	BidID                string
	JobID                string
	ProducerID           string
	WorkerID             string
	FinalPriceMinorUnits int64
	Status               Status
	CurrentProposalID    *string
	CheckIn              *CheckEvent
	CheckOut             *CheckEvent
	EvidencePhotos       []string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Bid mirrors the bids table columns the engagement projection touches.
type Bid struct {
	ID              string
	JobID           string
	ProducerID      string
	WorkerID        string
	PriceMinorUnits int64
	Status          string
}
