package domain

import "time"

// Outcome is the result of one approval pass.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeDenied    Outcome = "denied"
	OutcomeNeedsInfo Outcome = "needs_info"
)

func (o Outcome) IsValid() bool {
	return o == OutcomeApproved || o == OutcomeDenied || o == OutcomeNeedsInfo
}

// IsTerminal reports whether the outcome closes the owning milestone or claim.
func (o Outcome) IsTerminal() bool {
	return o == OutcomeApproved || o == OutcomeDenied
}

// Decision is folded into the owner of an approval request once the request
// closes. ApprovalID doubles as the decision's identity: applying the same
// decision twice is a no-op.
type Decision struct {
	ApprovalID ApprovalID `json:"approval_id"`
	Outcome    Outcome    `json:"outcome"`
	Reason     string     `json:"reason,omitempty"`
	DecidedBy  PartyID    `json:"decided_by,omitzero"`
	Automatic  bool       `json:"automatic"`
	DecidedAt  time.Time  `json:"decided_at"`
}
