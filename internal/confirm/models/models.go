package models

import (
	"slices"
	"time"

	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
)

// Action names a command that only takes effect after an explicit second step.
type Action string

const (
	// ActionJourneyEnd ends a contract's journey (loss event). Pending milestones
	// stop paying out.
	ActionJourneyEnd Action = "journey_end"
	// ActionMilestoneFlag raises a blocking hold on a milestone instance.
	ActionMilestoneFlag Action = "milestone_flag"
)

// Proposal is the first half of a two-phase command. Nothing changes until a
// commit echoes every required confirmation back before ExpiresAt.
type Proposal struct {
	ID           id.ProposalID     `json:"id"`
	Action       Action            `json:"action"`
	Subject      string            `json:"subject"`
	ContractID   id.ContractID     `json:"contract_id"`
	ProposedBy   id.PartyID        `json:"proposed_by"`
	ProposerRole id.Role           `json:"proposer_role"`
	Required     []string          `json:"required_confirmations"`
	Payload      map[string]string `json:"payload,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// IsExpired reports whether the proposal can no longer be committed.
func (p *Proposal) IsExpired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// CanCommit checks that actor may commit and that every required confirmation
// was echoed back.
func (p *Proposal) CanCommit(actor id.PartyID, role id.Role, confirmations []string) error {
	if actor != p.ProposedBy && role != id.RoleAdmin {
		return dErrors.New(dErrors.CodeForbidden, "only the proposer or an admin may commit")
	}
	var missing []string
	for _, req := range p.Required {
		if !slices.Contains(confirmations, req) {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return dErrors.New(dErrors.CodeValidation, "missing required confirmations").
			WithDetail("missing", missing)
	}
	return nil
}

// Result is what a committed command produced.
type Result struct {
	ProposalID id.ProposalID `json:"proposal_id"`
	Action     Action        `json:"action"`
	Subject    string        `json:"subject"`
	Outcome    any           `json:"outcome,omitempty"`
}
