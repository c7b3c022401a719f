package negotiation

import "time"

// Role identifies which side of the engagement authored a proposal.
type Role string

const (
	RoleProducer Role = "producer"
	RoleWorker   Role = "worker"
)

// ProposalStatus is the lifecycle of a ledger entry. There is no rejected
// state; superseding with a newer proposal is the only negotiation move.
type ProposalStatus string

const (
	StatusProposed ProposalStatus = "proposed"
	StatusAccepted ProposalStatus = "accepted"
)

// Proposal is one immutable entry in the append-only negotiation ledger.
type Proposal struct {
	ID              string
	EngagementID    string
	ProposerID      string
	ProposerRole    Role
	Terms           Terms
	TotalMinorUnits int64
	Status          ProposalStatus
	AcceptedAt      *time.Time
	CreatedAt       time.Time
}

// Resolved recomputes the advance/remainder split from the stored terms.
// Rate-based kinds re-derive their total on every call, never caching it.
func (p Proposal) Resolved() (Resolution, error) {
	return p.Terms.Resolve(p.TotalMinorUnits)
}
