// Package calculator computes reimbursement amounts and checks them against
// contract caps. It is pure: callers supply every figure, including what a
// category has already used.
package calculator

import (
	"github.com/shopspring/decimal"

	contractmodels "escrow/internal/contract/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
)

// WeeksPerMonth converts a weekly schedule into a monthly one for salaried
// wage loss. The value is fixed at 4.33.
var WeeksPerMonth = decimal.RequireFromString("4.33")

// MaxHoursMissed is the hours in the longest calendar month.
var MaxHoursMissed = decimal.NewFromInt(31 * 24)

// Kind tags an employment variant.
type Kind string

const (
	KindHourly       Kind = "hourly"
	KindSalaried     Kind = "salaried"
	KindSelfEmployed Kind = "self_employed"
)

// Employment is one wage-loss strategy. The set of variants is closed.
type Employment interface {
	Kind() Kind
	// lostWages returns the unrounded amount in dollars.
	lostWages() (decimal.Decimal, error)
}

// Hourly pays rate × hours missed.
type Hourly struct {
	Rate        id.Money
	HoursMissed decimal.Decimal
}

func (Hourly) Kind() Kind { return KindHourly }

func (h Hourly) lostWages() (decimal.Decimal, error) {
	if !h.Rate.IsPositive() {
		return decimal.Zero, dErrors.New(dErrors.CodeValidation, "hourly rate must be positive")
	}
	return h.Rate.Decimal().Mul(h.HoursMissed), nil
}

// Salaried pays monthlySalary / (weeklyHours × 4.33) per hour missed.
type Salaried struct {
	MonthlySalary id.Money
	WeeklyHours   decimal.Decimal
	HoursMissed   decimal.Decimal
}

func (Salaried) Kind() Kind { return KindSalaried }

func (s Salaried) lostWages() (decimal.Decimal, error) {
	if !s.MonthlySalary.IsPositive() {
		return decimal.Zero, dErrors.New(dErrors.CodeValidation, "monthly salary must be positive")
	}
	if !s.WeeklyHours.IsPositive() || s.WeeklyHours.GreaterThan(decimal.NewFromInt(168)) {
		return decimal.Zero, dErrors.New(dErrors.CodeValidation, "weekly hours must be between 0 and 168")
	}
	// Multiply before dividing so the only rounding is the final one.
	return s.MonthlySalary.Decimal().Mul(s.HoursMissed).Div(s.WeeklyHours.Mul(WeeksPerMonth)), nil
}

// SelfEmployed pays a documented equivalent hourly rate. There is no implied
// formula: without the supporting document the claim cannot be computed.
type SelfEmployed struct {
	DocumentedRate id.Money
	RateDocument   string
	HoursMissed    decimal.Decimal
}

func (SelfEmployed) Kind() Kind { return KindSelfEmployed }

func (e SelfEmployed) lostWages() (decimal.Decimal, error) {
	if e.RateDocument == "" {
		return decimal.Zero, dErrors.New(dErrors.CodeValidation, "self-employed claims need a document establishing the hourly rate")
	}
	if !e.DocumentedRate.IsPositive() {
		return decimal.Zero, dErrors.New(dErrors.CodeValidation, "documented hourly rate must be positive")
	}
	return e.DocumentedRate.Decimal().Mul(e.HoursMissed), nil
}

// LostWages computes a wage-loss amount, rounded half-up to cents once at the end.
func LostWages(e Employment) (id.Money, error) {
	if e == nil {
		return 0, dErrors.New(dErrors.CodeValidation, "employment details are required")
	}
	hours := hoursOf(e)
	if !hours.IsPositive() {
		return 0, dErrors.New(dErrors.CodeValidation, "hours missed must be positive")
	}
	if hours.GreaterThan(MaxHoursMissed) {
		return 0, dErrors.Newf(dErrors.CodeValidation, "hours missed cannot exceed %s", MaxHoursMissed)
	}
	raw, err := e.lostWages()
	if err != nil {
		return 0, err
	}
	amount, err := id.MoneyFromDecimal(raw)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeValidation, "computed amount is out of range")
	}
	if !amount.IsPositive() {
		return 0, dErrors.New(dErrors.CodeValidation, "computed amount rounds to zero")
	}
	return amount, nil
}

func hoursOf(e Employment) decimal.Decimal {
	switch v := e.(type) {
	case Hourly:
		return v.HoursMissed
	case Salaried:
		return v.HoursMissed
	case SelfEmployed:
		return v.HoursMissed
	}
	return decimal.Zero
}

// Usage is what a category has already spent on one contract.
type Usage struct {
	ThisMonth id.Money
	Lifetime  id.Money
}

// Allowance reports a category's caps and what is left under each. A zero cap
// is uncapped and has no remaining figure.
type Allowance struct {
	Category          id.Category `json:"category"`
	MonthlyCap        id.Money    `json:"monthly_cap"`
	LifetimeCap       id.Money    `json:"lifetime_cap"`
	UsedThisMonth     id.Money    `json:"used_this_month"`
	UsedLifetime      id.Money    `json:"used_lifetime"`
	RemainingMonthly  *id.Money   `json:"remaining_monthly,omitempty"`
	RemainingLifetime *id.Money   `json:"remaining_lifetime,omitempty"`
}

// AllowanceFor summarizes a category's caps against usage.
func AllowanceFor(cat id.Category, c contractmodels.CategoryCap, used Usage) Allowance {
	a := Allowance{
		Category:      cat,
		MonthlyCap:    c.Monthly,
		LifetimeCap:   c.Lifetime,
		UsedThisMonth: used.ThisMonth,
		UsedLifetime:  used.Lifetime,
	}
	if c.Monthly > 0 {
		a.RemainingMonthly = remaining(c.Monthly, used.ThisMonth)
	}
	if c.Lifetime > 0 {
		a.RemainingLifetime = remaining(c.Lifetime, used.Lifetime)
	}
	return a
}

func remaining(limit, used id.Money) *id.Money {
	r := limit - used
	if r < 0 {
		r = 0
	}
	return &r
}

// CheckCap rejects a request that would push the category past its monthly
// cap, then its lifetime cap. Requests are never truncated; reaching a cap
// exactly is allowed.
func CheckCap(cat id.Category, c contractmodels.CategoryCap, used Usage, requested id.Money) error {
	if c.Monthly > 0 && used.ThisMonth+requested > c.Monthly {
		return &id.CapExceededError{
			Category:    cat,
			Period:      "monthly",
			Requested:   requested,
			AlreadyUsed: used.ThisMonth,
			Cap:         c.Monthly,
		}
	}
	if c.Lifetime > 0 && used.Lifetime+requested > c.Lifetime {
		return &id.CapExceededError{
			Category:    cat,
			Period:      "lifetime",
			Requested:   requested,
			AlreadyUsed: used.Lifetime,
			Cap:         c.Lifetime,
		}
	}
	return nil
}
