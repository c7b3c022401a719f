package contract

import "time"

// Status is the signature state machine. Forward-only: drafted gains
// signatures until both parties have signed, then the contract is executed.
type Status string

const (
	StatusDrafted         Status = "drafted"
	StatusPartiallySigned Status = "partially_signed"
	StatusFullyExecuted   Status = "fully_executed"
)

// Role identifies which party a signature belongs to.
type Role string

const (
	RoleProducer Role = "producer"
	RoleWorker   Role = "worker"
)

// Contract is an immutable snapshot of the deal at drafting time. The body
// is rendered once and never regenerated; re-negotiation supersedes the row
// and drafts a fresh one.
type Contract struct {
	ID                   string
	EngagementID         string
	ProposalID           string
	Body                 string
	TotalValueMinorUnits int64
	Status               Status
	ProducerSignedAt     *time.Time
	WorkerSignedAt       *time.Time
	Superseded           bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// SignedBy reports whether the given role's signature is already on file.
func (c Contract) SignedBy(role Role) bool {
	switch role {
	case RoleProducer:
		return c.ProducerSignedAt != nil
	case RoleWorker:
		return c.WorkerSignedAt != nil
	default:
		return false
	}
}
