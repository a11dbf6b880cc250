package models

import (
	"time"

	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
)

// PaymentType says what moved money into or out of an escrow account.
type PaymentType string

const (
	TypeDeposit       PaymentType = "deposit"
	TypeMilestone     PaymentType = "milestone"
	TypeReimbursement PaymentType = "reimbursement"
)

func (t PaymentType) IsValid() bool {
	return t == TypeDeposit || t == TypeMilestone || t == TypeReimbursement
}

// IsDisbursement reports whether payments of this type leave the account.
func (t PaymentType) IsDisbursement() bool {
	return t == TypeMilestone || t == TypeReimbursement
}

// PaymentStatus is the only mutable attribute of a payment.
type PaymentStatus string

const (
	StatusPending  PaymentStatus = "pending"
	StatusApproved PaymentStatus = "approved"
	StatusPaid     PaymentStatus = "paid"
)

// CanTransitionTo allows pending → approved → paid and nothing else.
func (s PaymentStatus) CanTransitionTo(target PaymentStatus) bool {
	switch s {
	case StatusPending:
		return target == StatusApproved
	case StatusApproved:
		return target == StatusPaid
	default:
		return false
	}
}

// Payment is one immutable ledger line.
//
// Invariants:
//   - Amount is positive; direction comes from Type
//   - IdempotencyKey is unique across the ledger
//   - Position and AccountSeq are assigned by the store on append and never change
//   - Only Status and PaidAt change after creation, along CanTransitionTo
type Payment struct {
	ID              id.PaymentID        `json:"id"`
	ContractID      id.ContractID       `json:"contract_id"`
	Type            PaymentType         `json:"type"`
	Category        id.Category         `json:"category"`
	Amount          id.Money            `json:"amount"`
	Payer           id.PartyID          `json:"payer"`
	Payee           id.PartyID          `json:"payee"`
	Status          PaymentStatus       `json:"status"`
	MilestoneID     *id.MilestoneID     `json:"milestone_id,omitempty"`
	ReimbursementID *id.ReimbursementID `json:"reimbursement_id,omitempty"`
	IdempotencyKey  string              `json:"idempotency_key"`
	Position        int64               `json:"position"`
	AccountSeq      int64               `json:"account_seq"`
	CreatedAt       time.Time           `json:"created_at"`
	PaidAt          *time.Time          `json:"paid_at,omitempty"`
}

// Validate checks a payment before it is appended.
func (p *Payment) Validate() error {
	switch {
	case p.ContractID.IsNil():
		return dErrors.New(dErrors.CodeValidation, "payment needs a contract")
	case !p.Type.IsValid():
		return dErrors.New(dErrors.CodeValidation, "unknown payment type")
	case !p.Amount.IsPositive():
		return dErrors.New(dErrors.CodeValidation, "payment amount must be positive")
	case p.IdempotencyKey == "":
		return dErrors.New(dErrors.CodeValidation, "payment needs an idempotency key")
	case p.Type == TypeMilestone && p.MilestoneID == nil:
		return dErrors.New(dErrors.CodeValidation, "milestone payment needs a milestone")
	case p.Type == TypeReimbursement && p.ReimbursementID == nil:
		return dErrors.New(dErrors.CodeValidation, "reimbursement payment needs a reimbursement")
	}
	return nil
}

// Entry is the balance-affecting half of a payment, ordered by Seq.
type Entry struct {
	Seq        int64         `json:"seq"`
	ContractID id.ContractID `json:"contract_id"`
	AccountSeq int64         `json:"account_seq"`
	PaymentID  id.PaymentID  `json:"payment_id"`
	Type       PaymentType   `json:"type"`
	Category   id.Category   `json:"category"`
	Amount     id.Money      `json:"amount"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Signed returns the entry's effect on the balance.
func (e Entry) Signed() id.Money {
	if e.Type.IsDisbursement() {
		return -e.Amount
	}
	return e.Amount
}

// EntryFor derives the ledger entry of a payment.
func EntryFor(p *Payment) Entry {
	return Entry{
		Seq:        p.Position,
		ContractID: p.ContractID,
		AccountSeq: p.AccountSeq,
		PaymentID:  p.ID,
		Type:       p.Type,
		Category:   p.Category,
		Amount:     p.Amount,
		CreatedAt:  p.CreatedAt,
	}
}

// Account is the committed entry sequence of one escrow account, ordered by
// AccountSeq. Every figure it reports is a fold over Entries.
type Account struct {
	ContractID id.ContractID
	Entries    []Entry
}

// Balance is deposits minus disbursements.
func (a *Account) Balance() id.Money {
	var b id.Money
	for _, e := range a.Entries {
		b += e.Signed()
	}
	return b
}

func (a *Account) Deposits() id.Money {
	var total id.Money
	for _, e := range a.Entries {
		if e.Type == TypeDeposit {
			total += e.Amount
		}
	}
	return total
}

func (a *Account) Disbursed() id.Money {
	var total id.Money
	for _, e := range a.Entries {
		if e.Type.IsDisbursement() {
			total += e.Amount
		}
	}
	return total
}

// Head is the AccountSeq of the last entry, 0 for an empty account.
func (a *Account) Head() int64 {
	if len(a.Entries) == 0 {
		return 0
	}
	return a.Entries[len(a.Entries)-1].AccountSeq
}

// SpentIn sums disbursements in a category created in [from, to). A zero from
// or to leaves that side open.
func (a *Account) SpentIn(cat id.Category, from, to time.Time) id.Money {
	var total id.Money
	for _, e := range a.Entries {
		if !e.Type.IsDisbursement() || e.Category != cat {
			continue
		}
		if !from.IsZero() && e.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !e.CreatedAt.Before(to) {
			continue
		}
		total += e.Amount
	}
	return total
}

// Snapshot is a point-in-time summary of an account.
type Snapshot struct {
	ContractID id.ContractID `json:"contract_id"`
	Balance    id.Money      `json:"balance"`
	Deposits   id.Money      `json:"deposits"`
	Disbursed  id.Money      `json:"disbursed"`
	Head       int64         `json:"head"`
}

func (a *Account) Snapshot() Snapshot {
	return Snapshot{
		ContractID: a.ContractID,
		Balance:    a.Balance(),
		Deposits:   a.Deposits(),
		Disbursed:  a.Disbursed(),
		Head:       a.Head(),
	}
}

// MonthBounds returns the calendar month containing t, in UTC.
func MonthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
