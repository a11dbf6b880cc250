package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
)

func validTerms() Terms {
	return Terms{
		BaseCompensation:     id.Dollars(50000),
		MonthlyInstallment:   id.Dollars(5000),
		InstallmentCount:     9,
		MonthlyAllowance:     id.Dollars(250),
		MinimumEscrowBalance: id.Dollars(10000),
		CategoryCaps: map[id.Category]CategoryCap{
			id.CategoryLostWages: {Monthly: id.Dollars(2000), Lifetime: id.Dollars(10000)},
		},
	}
}

func TestTermsValidate(t *testing.T) {
	require.NoError(t, validTerms().Validate())

	cases := map[string]func(*Terms){
		"negative minimum":            func(t *Terms) { t.MinimumEscrowBalance = -1 },
		"installments exceed base":    func(t *Terms) { t.InstallmentCount = 11 },
		"installments without amount": func(t *Terms) { t.MonthlyInstallment = 0 },
		"monthly above lifetime": func(t *Terms) {
			t.CategoryCaps[id.CategoryTravel] = CategoryCap{Monthly: id.Dollars(5), Lifetime: id.Dollars(1)}
		},
		"bonus without code": func(t *Terms) { t.BonusSchedule = []Bonus{{Amount: id.Dollars(1)}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			terms := validTerms()
			mutate(&terms)
			err := terms.Validate()
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		})
	}
}

func TestContractConfirmation(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	ip, fp := id.PartyID(uuid.New()), id.PartyID(uuid.New())
	c, err := NewContract(id.ContractID(uuid.New()), 1, ip, fp, now, validTerms(), now)
	require.NoError(t, err)

	require.NoError(t, c.CanConfirm(id.RoleIntendedParty))
	assert.False(t, c.ApplyConfirmation(id.RoleIntendedParty, now))
	assert.Equal(t, StatusDraft, c.Status)

	err = c.CanConfirm(id.RoleIntendedParty)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict), "double confirmation")
	assert.True(t, dErrors.HasCode(c.CanConfirm(id.RoleAdmin), dErrors.CodeForbidden))

	require.NoError(t, c.CanConfirm(id.RoleFulfillingParty))
	assert.True(t, c.ApplyConfirmation(id.RoleFulfillingParty, now))
	assert.True(t, c.IsConfirmed())
	assert.True(t, dErrors.HasCode(c.CanConfirm(id.RoleFulfillingParty), dErrors.CodeInvalidState))

	require.NoError(t, c.Supersede())
	assert.Error(t, c.Supersede())
}

func TestNewContract_Invariants(t *testing.T) {
	now := time.Now()
	party := id.PartyID(uuid.New())
	_, err := NewContract(id.ContractID(uuid.New()), 1, party, party, now, validTerms(), now)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))

	_, err = NewContract(id.ContractID(uuid.New()), 0, party, id.PartyID(uuid.New()), now, validTerms(), now)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}
