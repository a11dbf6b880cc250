package models

import (
	"time"

	"escrow/internal/milestone/catalog"
	id "escrow/pkg/domain"
)

// Status is a milestone instance's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusNeedsInfo  Status = "needs_info"
	StatusCompleted  Status = "completed"
	StatusDenied     Status = "denied"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusNeedsInfo, StatusDenied},
	StatusNeedsInfo:  {StatusInProgress},
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusNeedsInfo, StatusCompleted, StatusDenied:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDenied
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

// AcceptsEvidence reports whether evidence may be submitted in this state.
func (s Status) AcceptsEvidence() bool {
	return s == StatusPending || s == StatusNeedsInfo
}

// Hold blocks approval of an instance until cleared.
type Hold struct {
	Reason     string        `json:"reason"`
	RaisedBy   id.PartyID    `json:"raised_by"`
	RaisedAt   time.Time     `json:"raised_at"`
	ProposalID id.ProposalID `json:"proposal_id"`
}

// Instance binds one catalog definition to one contract.
type Instance struct {
	ID              id.MilestoneID      `json:"id"`
	ContractID      id.ContractID       `json:"contract_id"`
	ContractVersion int                 `json:"contract_version"`
	DefinitionCode  string              `json:"definition_code"`
	Name            string              `json:"name"`
	Category        id.Category         `json:"category"`
	CategoryRank    int                 `json:"-"`
	Trigger         catalog.TriggerKind `json:"trigger"`
	Occurrence      int                 `json:"occurrence"`
	Status          Status              `json:"status"`
	DueDate         *time.Time          `json:"due_date,omitempty"`
	Amount          id.Money            `json:"amount"`
	Evidence        []string            `json:"evidence"`
	Notes           string              `json:"notes,omitempty"`
	CompletionNotes string              `json:"completion_notes,omitempty"`
	DenialReason    string              `json:"denial_reason,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	PaymentID       *id.PaymentID       `json:"payment_id,omitempty"`
	DecisionID      string              `json:"-"`
	OpenApprovalID  *id.ApprovalID      `json:"open_approval_id,omitempty"`
	Hold            *Hold               `json:"hold,omitempty"`
	Seq             int64               `json:"seq"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// IsDue reports whether a scheduled instance has reached its due date.
func (m *Instance) IsDue(asOf time.Time) bool {
	return m.Status == StatusPending && m.Trigger == catalog.TriggerScheduled &&
		m.DueDate != nil && !m.DueDate.After(asOf)
}

// Less is the processing order for due instances: due date, then category
// priority, then creation order.
func Less(a, b *Instance) bool {
	ad, bd := dueOrZero(a), dueOrZero(b)
	if !ad.Equal(bd) {
		return ad.Before(bd)
	}
	if a.CategoryRank != b.CategoryRank {
		return a.CategoryRank < b.CategoryRank
	}
	return a.Seq < b.Seq
}

func dueOrZero(m *Instance) time.Time {
	if m.DueDate == nil {
		return time.Time{}
	}
	return *m.DueDate
}
