// Package domain holds the typed identifiers and value types shared across modules.
//
// Identifiers are distinct named UUID types so a milestone ID can never be passed
// where a payment ID is expected. Parse* functions are the trust boundary: they
// reject empty, malformed and nil UUIDs with CodeInvalidInput.
package domain

import (
	"github.com/google/uuid"

	dErrors "escrow/pkg/domain-errors"
)

type (
	// ContractID identifies a contract and, one-to-one, its escrow account.
	ContractID      uuid.UUID
	PartyID         uuid.UUID
	MilestoneID     uuid.UUID
	ApprovalID      uuid.UUID
	ReimbursementID uuid.UUID
	PaymentID       uuid.UUID
	ProposalID      uuid.UUID
)

func (id ContractID) String() string      { return uuid.UUID(id).String() }
func (id PartyID) String() string         { return uuid.UUID(id).String() }
func (id MilestoneID) String() string     { return uuid.UUID(id).String() }
func (id ApprovalID) String() string      { return uuid.UUID(id).String() }
func (id ReimbursementID) String() string { return uuid.UUID(id).String() }
func (id PaymentID) String() string       { return uuid.UUID(id).String() }
func (id ProposalID) String() string      { return uuid.UUID(id).String() }

func (id ContractID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id PartyID) IsNil() bool         { return uuid.UUID(id) == uuid.Nil }
func (id MilestoneID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id ApprovalID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id ReimbursementID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id PaymentID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }

func (id ContractID) MarshalText() ([]byte, error)      { return uuid.UUID(id).MarshalText() }
func (id PartyID) MarshalText() ([]byte, error)         { return uuid.UUID(id).MarshalText() }
func (id MilestoneID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }
func (id ApprovalID) MarshalText() ([]byte, error)      { return uuid.UUID(id).MarshalText() }
func (id ReimbursementID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id PaymentID) MarshalText() ([]byte, error)       { return uuid.UUID(id).MarshalText() }
func (id ProposalID) MarshalText() ([]byte, error)      { return uuid.UUID(id).MarshalText() }

func (id *ContractID) UnmarshalText(b []byte) error      { return unmarshalID(b, (*uuid.UUID)(id)) }
func (id *PartyID) UnmarshalText(b []byte) error         { return unmarshalID(b, (*uuid.UUID)(id)) }
func (id *MilestoneID) UnmarshalText(b []byte) error     { return unmarshalID(b, (*uuid.UUID)(id)) }
func (id *ApprovalID) UnmarshalText(b []byte) error      { return unmarshalID(b, (*uuid.UUID)(id)) }
func (id *ReimbursementID) UnmarshalText(b []byte) error { return unmarshalID(b, (*uuid.UUID)(id)) }
func (id *PaymentID) UnmarshalText(b []byte) error       { return unmarshalID(b, (*uuid.UUID)(id)) }
func (id *ProposalID) UnmarshalText(b []byte) error      { return unmarshalID(b, (*uuid.UUID)(id)) }

func ParseContractID(s string) (ContractID, error) {
	u, err := parseUUID(s, "contract ID")
	return ContractID(u), err
}

func ParsePartyID(s string) (PartyID, error) {
	u, err := parseUUID(s, "party ID")
	return PartyID(u), err
}

func ParseMilestoneID(s string) (MilestoneID, error) {
	u, err := parseUUID(s, "milestone ID")
	return MilestoneID(u), err
}

func ParseApprovalID(s string) (ApprovalID, error) {
	u, err := parseUUID(s, "approval ID")
	return ApprovalID(u), err
}

func ParseReimbursementID(s string) (ReimbursementID, error) {
	u, err := parseUUID(s, "reimbursement ID")
	return ReimbursementID(u), err
}

func ParsePaymentID(s string) (PaymentID, error) {
	u, err := parseUUID(s, "payment ID")
	return PaymentID(u), err
}

func ParseProposalID(s string) (ProposalID, error) {
	u, err := parseUUID(s, "proposal ID")
	return ProposalID(u), err
}

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be nil")
	}
	return u, nil
}

func unmarshalID(b []byte, dst *uuid.UUID) error {
	u, err := parseUUID(string(b), "ID")
	if err != nil {
		return err
	}
	*dst = u
	return nil
}
