package domain

import (
	"fmt"

	dErrors "escrow/pkg/domain-errors"
)

// CapExceededError reports a reimbursement that would push a category past its
// monthly or lifetime cap. Requests are rejected whole, never truncated.
type CapExceededError struct {
	Category    Category
	Period      string // "monthly" or "lifetime"
	Requested   Money
	AlreadyUsed Money
	Cap         Money
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("%s %s cap exceeded: requested %s, already used %s, cap %s",
		e.Category, e.Period, e.Requested, e.AlreadyUsed, e.Cap)
}

func (e *CapExceededError) ErrorCode() dErrors.Code { return dErrors.CodeCapExceeded }

func (e *CapExceededError) ErrorDetails() map[string]any {
	return map[string]any{
		"category":     e.Category,
		"period":       e.Period,
		"requested":    e.Requested.String(),
		"already_used": e.AlreadyUsed.String(),
		"cap":          e.Cap.String(),
		"remaining":    (e.Cap - e.AlreadyUsed).String(),
	}
}

// InsufficientBalanceError reports a disbursement larger than the escrow balance.
type InsufficientBalanceError struct {
	ContractID ContractID
	Requested  Money
	Available  Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient escrow balance: requested %s, available %s", e.Requested, e.Available)
}

func (e *InsufficientBalanceError) ErrorCode() dErrors.Code { return dErrors.CodeInsufficientBalance }

func (e *InsufficientBalanceError) ErrorDetails() map[string]any {
	return map[string]any{
		"requested": e.Requested.String(),
		"available": e.Available.String(),
		"shortfall": (e.Requested - e.Available).String(),
	}
}

// InvalidStateError reports an operation attempted from a state that does not allow it.
type InvalidStateError struct {
	Entity string
	From   string
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s in state %s", e.Action, e.Entity, e.From)
}

func (e *InvalidStateError) ErrorCode() dErrors.Code { return dErrors.CodeInvalidState }

func (e *InvalidStateError) ErrorDetails() map[string]any {
	return map[string]any{"entity": e.Entity, "state": e.From, "action": e.Action}
}

// AlreadyCompletedError reports a second completion attempt on a completed milestone.
type AlreadyCompletedError struct {
	MilestoneID MilestoneID
	PaymentID   PaymentID
}

func (e *AlreadyCompletedError) Error() string {
	return fmt.Sprintf("milestone %s already completed", e.MilestoneID)
}

func (e *AlreadyCompletedError) ErrorCode() dErrors.Code { return dErrors.CodeAlreadyCompleted }

func (e *AlreadyCompletedError) ErrorDetails() map[string]any {
	return map[string]any{"milestone_id": e.MilestoneID.String(), "payment_id": e.PaymentID.String()}
}

// VerificationUnavailableError reports that the evidence verifier could not be
// reached within the retry budget. Callers route to human review.
type VerificationUnavailableError struct {
	Attempts int
	Cause    error
}

func (e *VerificationUnavailableError) Error() string {
	return fmt.Sprintf("verification unavailable after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *VerificationUnavailableError) Unwrap() error { return e.Cause }

func (e *VerificationUnavailableError) ErrorCode() dErrors.Code {
	return dErrors.CodeVerificationUnavailable
}
