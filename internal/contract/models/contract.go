package models

import (
	"time"

	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
)

// Status is the lifecycle of one contract version.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusConfirmed  Status = "confirmed"
	StatusSuperseded Status = "superseded"
)

// CanTransitionTo reports whether moving from s to target is allowed:
// draft → confirmed → superseded.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusDraft:
		return target == StatusConfirmed
	case StatusConfirmed:
		return target == StatusSuperseded
	default:
		return false
	}
}

// Contract is one version of a contract's terms between an Intended Party and a
// Fulfilling Party.
//
// Invariants:
//   - (ID, Version) is unique; versions start at 1 and increase by one
//   - Terms never change after construction
//   - Status becomes confirmed only once both parties have confirmed, or an Admin
//     override confirmed it
//   - At most one version of a contract is confirmed at a time
type Contract struct {
	ID                    id.ContractID `json:"id"`
	Version               int           `json:"version"`
	IntendedParty         id.PartyID    `json:"intended_party"`
	FulfillingParty       id.PartyID    `json:"fulfilling_party"`
	StartDate             time.Time     `json:"start_date"`
	Terms                 Terms         `json:"terms"`
	Status                Status        `json:"status"`
	IntendedConfirmedAt   *time.Time    `json:"intended_confirmed_at,omitempty"`
	FulfillingConfirmedAt *time.Time    `json:"fulfilling_confirmed_at,omitempty"`
	OverrideReason        string        `json:"override_reason,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
	ConfirmedAt           *time.Time    `json:"confirmed_at,omitempty"`
}

// NewContract builds a draft version.
func NewContract(contractID id.ContractID, version int, intended, fulfilling id.PartyID, start time.Time, terms Terms, now time.Time) (*Contract, error) {
	if contractID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "contract ID is required")
	}
	if version < 1 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "version must be positive")
	}
	if intended.IsNil() || fulfilling.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "both parties are required")
	}
	if intended == fulfilling {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "parties must differ")
	}
	if start.IsZero() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "start date is required")
	}
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	return &Contract{
		ID:              contractID,
		Version:         version,
		IntendedParty:   intended,
		FulfillingParty: fulfilling,
		StartDate:       start.UTC(),
		Terms:           terms,
		Status:          StatusDraft,
		CreatedAt:       now,
	}, nil
}

// RoleOf returns the role a party holds on this contract.
func (c *Contract) RoleOf(party id.PartyID) (id.Role, bool) {
	switch party {
	case c.IntendedParty:
		return id.RoleIntendedParty, true
	case c.FulfillingParty:
		return id.RoleFulfillingParty, true
	}
	return "", false
}

func (c *Contract) IsConfirmed() bool { return c.Status == StatusConfirmed }

// CanConfirm checks that role may confirm this version.
func (c *Contract) CanConfirm(role id.Role) error {
	if c.Status != StatusDraft {
		return &id.InvalidStateError{Entity: "contract version", From: string(c.Status), Action: "confirm"}
	}
	switch role {
	case id.RoleIntendedParty:
		if c.IntendedConfirmedAt != nil {
			return dErrors.New(dErrors.CodeConflict, "intended party already confirmed this version")
		}
	case id.RoleFulfillingParty:
		if c.FulfillingConfirmedAt != nil {
			return dErrors.New(dErrors.CodeConflict, "fulfilling party already confirmed this version")
		}
	default:
		return dErrors.New(dErrors.CodeForbidden, "only contract parties confirm terms")
	}
	return nil
}

// ApplyConfirmation records role's confirmation and confirms the version when both
// parties have confirmed. Returns true when the version became confirmed.
func (c *Contract) ApplyConfirmation(role id.Role, now time.Time) bool {
	t := now
	if role == id.RoleIntendedParty {
		c.IntendedConfirmedAt = &t
	} else {
		c.FulfillingConfirmedAt = &t
	}
	if c.IntendedConfirmedAt != nil && c.FulfillingConfirmedAt != nil {
		c.Status = StatusConfirmed
		c.ConfirmedAt = &t
		return true
	}
	return false
}

// ApplyOverride confirms the version on an Admin's authority.
func (c *Contract) ApplyOverride(reason string, now time.Time) {
	t := now
	c.Status = StatusConfirmed
	c.ConfirmedAt = &t
	c.OverrideReason = reason
}

// Supersede retires a confirmed version once a newer one is confirmed.
func (c *Contract) Supersede() error {
	if !c.Status.CanTransitionTo(StatusSuperseded) {
		return &id.InvalidStateError{Entity: "contract version", From: string(c.Status), Action: "supersede"}
	}
	c.Status = StatusSuperseded
	return nil
}

// JourneyStatus tracks whether the arrangement the contract funds is still ongoing.
type JourneyStatus string

const (
	JourneyActive JourneyStatus = "active"
	JourneyOnHold JourneyStatus = "on_hold"
	JourneyEnded  JourneyStatus = "ended"
)

// Journey is per contract, across versions.
type Journey struct {
	ContractID id.ContractID `json:"contract_id"`
	Status     JourneyStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// StatusCheck is the automatic check run before a scheduled payment.
type StatusCheck struct {
	Active bool
	Reason string
}
