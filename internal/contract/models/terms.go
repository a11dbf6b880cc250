package models

import (
	"slices"

	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
)

// CategoryCap bounds approved spending in one category. Zero means uncapped.
type CategoryCap struct {
	Monthly  id.Money `json:"monthly"`
	Lifetime id.Money `json:"lifetime"`
}

// Bonus is a one-off amount tied to a milestone definition.
type Bonus struct {
	Name          string   `json:"name"`
	MilestoneCode string   `json:"milestone_code"`
	Amount        id.Money `json:"amount"`
}

// Terms are the numeric rules extracted from a signed contract. A Terms value is
// never edited after its version is confirmed; changes arrive as a new version.
type Terms struct {
	BaseCompensation     id.Money                    `json:"base_compensation"`
	MonthlyInstallment   id.Money                    `json:"monthly_installment"`
	InstallmentCount     int                         `json:"installment_count"`
	MonthlyAllowance     id.Money                    `json:"monthly_allowance"`
	CategoryCaps         map[id.Category]CategoryCap `json:"category_caps,omitempty"`
	MinimumEscrowBalance id.Money                    `json:"minimum_escrow_balance"`
	BonusSchedule        []Bonus                     `json:"bonus_schedule,omitempty"`
	MilestoneFees        map[string]id.Money         `json:"milestone_fees,omitempty"`
	AutoApprove          bool                        `json:"auto_approve"`
}

// Validate checks the terms are internally consistent.
func (t Terms) Validate() error {
	if t.BaseCompensation.IsNegative() || t.MonthlyInstallment.IsNegative() ||
		t.MonthlyAllowance.IsNegative() || t.MinimumEscrowBalance.IsNegative() {
		return dErrors.New(dErrors.CodeValidation, "amounts cannot be negative")
	}
	if t.InstallmentCount < 0 || t.InstallmentCount > 24 {
		return dErrors.New(dErrors.CodeValidation, "installment_count must be between 0 and 24")
	}
	if t.InstallmentCount > 0 && !t.MonthlyInstallment.IsPositive() {
		return dErrors.New(dErrors.CodeValidation, "monthly_installment is required when installments are scheduled")
	}
	if id.Money(t.InstallmentCount)*t.MonthlyInstallment > t.BaseCompensation {
		return dErrors.New(dErrors.CodeValidation, "installments exceed base compensation")
	}
	for cat, c := range t.CategoryCaps {
		if !cat.IsValid() {
			return dErrors.Newf(dErrors.CodeValidation, "unknown cap category %q", cat)
		}
		if c.Monthly.IsNegative() || c.Lifetime.IsNegative() {
			return dErrors.Newf(dErrors.CodeValidation, "%s cap cannot be negative", cat)
		}
		if c.Monthly > 0 && c.Lifetime > 0 && c.Monthly > c.Lifetime {
			return dErrors.Newf(dErrors.CodeValidation, "%s monthly cap exceeds lifetime cap", cat)
		}
	}
	for code, fee := range t.MilestoneFees {
		if code == "" || fee.IsNegative() {
			return dErrors.New(dErrors.CodeValidation, "milestone fees need a code and a non-negative amount")
		}
	}
	for _, b := range t.BonusSchedule {
		if b.MilestoneCode == "" || !b.Amount.IsPositive() {
			return dErrors.New(dErrors.CodeValidation, "bonuses need a milestone code and a positive amount")
		}
	}
	return nil
}

// CapFor returns the cap for a category, if any.
func (t Terms) CapFor(cat id.Category) (CategoryCap, bool) {
	c, ok := t.CategoryCaps[cat]
	return c, ok && (c.Monthly > 0 || c.Lifetime > 0)
}

// BonusFor returns the bonus amount attached to a milestone code.
func (t Terms) BonusFor(code string) (id.Money, bool) {
	i := slices.IndexFunc(t.BonusSchedule, func(b Bonus) bool { return b.MilestoneCode == code })
	if i < 0 {
		return 0, false
	}
	return t.BonusSchedule[i].Amount, true
}

// FeeFor returns the fixed fee for a milestone code.
func (t Terms) FeeFor(code string) (id.Money, bool) {
	fee, ok := t.MilestoneFees[code]
	return fee, ok
}
