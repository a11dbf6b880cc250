package models

import (
	"time"

	"escrow/internal/reimbursement/calculator"
	id "escrow/pkg/domain"
)

// Status is a claim's position in its lifecycle.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusNeedsInfo Status = "needs_info"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
)

var transitions = map[Status][]Status{
	StatusSubmitted: {StatusApproved, StatusDenied, StatusNeedsInfo},
	StatusNeedsInfo: {StatusSubmitted},
}

func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusDenied
}

// CanTransitionTo reports whether target is a defined edge from s.
func (s Status) CanTransitionTo(target Status) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// Request is a wage-loss or expense claim made by the fulfilling party.
//
// Invariants:
//   - Amount is computed by the calculator for wage loss, or taken from the
//     receipt total for other categories; it never changes after submission
//   - An approved claim carries exactly one PaymentID
type Request struct {
	ID           id.ReimbursementID `json:"id"`
	ContractID   id.ContractID      `json:"contract_id"`
	Category     id.Category        `json:"category"`
	Employment   *calculator.Input  `json:"employment,omitempty"`
	Amount       id.Money           `json:"amount"`
	Evidence     []string           `json:"evidence"`
	Notes        string             `json:"notes,omitempty"`
	Status       Status             `json:"status"`
	SubmittedBy  id.PartyID         `json:"submitted_by"`
	ApprovalID   *id.ApprovalID     `json:"approval_id,omitempty"`
	PaymentID    *id.PaymentID      `json:"payment_id,omitempty"`
	DecisionID   string             `json:"-"`
	DenialReason string             `json:"denial_reason,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Claim is a submission before it is priced and stored.
type Claim struct {
	ContractID id.ContractID     `json:"-"`
	Category   id.Category       `json:"category"`
	Employment *calculator.Input `json:"employment,omitempty"`
	Amount     id.Money          `json:"amount,omitempty"`
	Evidence   []string          `json:"evidence"`
	Notes      string            `json:"notes,omitempty"`
}

// Quote is a priced claim with the category's remaining allowance.
type Quote struct {
	Category  id.Category          `json:"category"`
	Amount    id.Money             `json:"amount"`
	Allowance calculator.Allowance `json:"allowance"`
	WithinCap bool                 `json:"within_cap"`
	Reason    string               `json:"reason,omitempty"`
}
