package domain

import dErrors "escrow/pkg/domain-errors"

// Category groups milestones and expenses. Monthly and lifetime caps, ledger
// reporting and due-date tie-breaking are all keyed by category.
//
// Usage: construct via ParseCategory at trust boundaries; direct casting bypasses
// validation.
type Category string

const (
	CategoryLegal            Category = "legal"
	CategoryMedical          Category = "medical"
	CategoryPregnancy        Category = "pregnancy"
	CategoryBaseCompensation Category = "base_compensation"
	CategoryAllowance        Category = "allowance"
	CategoryBonus            Category = "bonus"
	CategoryDelivery         Category = "delivery"

	CategoryLostWages         Category = "lost_wages"
	CategoryChildcare         Category = "childcare"
	CategoryHousekeeping      Category = "housekeeping"
	CategoryTravel            Category = "travel"
	CategoryMaternityClothing Category = "maternity_clothing"
	CategoryMedicalExpense    Category = "medical_expense"
	CategoryDeposit           Category = "deposit"
)

var validCategories = map[Category]bool{
	CategoryLegal:             true,
	CategoryMedical:           true,
	CategoryPregnancy:         true,
	CategoryBaseCompensation:  true,
	CategoryAllowance:         true,
	CategoryBonus:             true,
	CategoryDelivery:          true,
	CategoryLostWages:         true,
	CategoryChildcare:         true,
	CategoryHousekeeping:      true,
	CategoryTravel:            true,
	CategoryMaternityClothing: true,
	CategoryMedicalExpense:    true,
	CategoryDeposit:           true,
}

// ParseCategory constructs a Category from external input.
func ParseCategory(s string) (Category, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "category cannot be empty")
	}
	c := Category(s)
	if !c.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid category")
	}
	return c, nil
}

func (c Category) IsValid() bool { return validCategories[c] }

func (c Category) String() string { return string(c) }

// Role is the part an actor plays on a contract.
type Role string

const (
	RoleIntendedParty   Role = "intended_party"
	RoleFulfillingParty Role = "fulfilling_party"
	RoleAdmin           Role = "admin"
)

// ParseRole constructs a Role from external input (JWT claims, CLI flags).
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid role")
	}
	return r, nil
}

func (r Role) IsValid() bool {
	return r == RoleIntendedParty || r == RoleFulfillingParty || r == RoleAdmin
}

func (r Role) String() string { return string(r) }
