package calculator

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractmodels "escrow/internal/contract/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
)

func hours(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func cents(s string) id.Money {
	m, err := id.ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func TestLostWages(t *testing.T) {
	tests := []struct {
		name string
		in   Employment
		want id.Money
	}{
		{"hourly", Hourly{Rate: cents("24.00"), HoursMissed: hours("4")}, cents("96.00")},
		{"salaried uses 4.33 weeks per month", Salaried{MonthlySalary: cents("5000"), WeeklyHours: hours("40"), HoursMissed: hours("4")}, cents("115.47")},
		{"half a cent rounds up", Hourly{Rate: cents("10.01"), HoursMissed: hours("0.5")}, cents("5.01")},
		{"fractional hours", Hourly{Rate: cents("18.50"), HoursMissed: hours("7.5")}, cents("138.75")},
		{"self-employed documented rate", SelfEmployed{DocumentedRate: cents("30"), RateDocument: "doc:2025-tax-return", HoursMissed: hours("2.5")}, cents("75.00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LostWages(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "got %s", got)
		})
	}
}

func TestLostWagesHoursBoundary(t *testing.T) {
	got, err := LostWages(Hourly{Rate: cents("10"), HoursMissed: hours("744")})
	require.NoError(t, err)
	assert.Equal(t, cents("7440.00"), got)
}

func TestLostWagesSalariedRoundsOnce(t *testing.T) {
	// Rounding the hourly equivalent first would give 28.87 × 4 = 115.48.
	got, err := LostWages(Salaried{MonthlySalary: cents("5000"), WeeklyHours: hours("40"), HoursMissed: hours("4")})
	require.NoError(t, err)
	assert.Equal(t, "115.47", got.String())
}

func TestLostWagesSalariedUsesFixedWeeksPerMonth(t *testing.T) {
	// 52/12 weeks per month would give 28.85/h and 115.38.
	got, err := LostWages(Salaried{MonthlySalary: cents("4000"), WeeklyHours: hours("40"), HoursMissed: hours("5")})
	require.NoError(t, err)
	assert.Equal(t, "115.47", got.String())
}

func TestLostWagesRejects(t *testing.T) {
	tests := []struct {
		name string
		in   Employment
	}{
		{"no employment", nil},
		{"zero hours", Hourly{Rate: cents("24"), HoursMissed: decimal.Zero}},
		{"negative hours", Hourly{Rate: cents("24"), HoursMissed: hours("-1")}},
		{"zero rate", Hourly{HoursMissed: hours("4")}},
		{"zero weekly hours", Salaried{MonthlySalary: cents("5000"), HoursMissed: hours("4")}},
		{"weekly hours past a week", Salaried{MonthlySalary: cents("5000"), WeeklyHours: hours("169"), HoursMissed: hours("4")}},
		{"self-employed without document", SelfEmployed{DocumentedRate: cents("30"), HoursMissed: hours("2")}},
		{"self-employed without rate", SelfEmployed{RateDocument: "doc:invoice", HoursMissed: hours("2")}},
		{"rounds to zero", Hourly{Rate: cents("0.01"), HoursMissed: hours("0.1")}},
		{"hours past a month", Hourly{Rate: cents("24"), HoursMissed: hours("744.01")}},
		{"huge hours", Hourly{Rate: cents("1"), HoursMissed: hours("18446744073709551616")}},
		{"amount past the money bound", SelfEmployed{DocumentedRate: id.MaxMoney, RateDocument: "doc:invoice", HoursMissed: hours("2")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LostWages(tt.in)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation), "got %v", err)
		})
	}
}

func TestInputEmployment(t *testing.T) {
	e, err := Input{Type: KindSalaried, MonthlySalary: cents("5000"), WeeklyHours: hours("40"), HoursMissed: hours("4")}.Employment()
	require.NoError(t, err)
	assert.Equal(t, KindSalaried, e.Kind())

	e, err = Input{Type: KindSelfEmployed, Rate: cents("30"), RateDocument: "doc:invoice", HoursMissed: hours("1")}.Employment()
	require.NoError(t, err)
	assert.Equal(t, SelfEmployed{DocumentedRate: cents("30"), RateDocument: "doc:invoice", HoursMissed: hours("1")}, e)

	_, err = Input{Type: "commission"}.Employment()
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	_, err = Input{}.Employment()
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestCheckCap(t *testing.T) {
	lostWages := contractmodels.CategoryCap{Monthly: cents("1400")}

	t.Run("rejects a request past the monthly cap", func(t *testing.T) {
		err := CheckCap(id.CategoryLostWages, lostWages, Usage{ThisMonth: cents("1350"), Lifetime: cents("1350")}, cents("100"))
		var capErr *id.CapExceededError
		require.True(t, errors.As(err, &capErr))
		assert.Equal(t, id.CapExceededError{
			Category:    id.CategoryLostWages,
			Period:      "monthly",
			Requested:   cents("100"),
			AlreadyUsed: cents("1350"),
			Cap:         cents("1400"),
		}, *capErr)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeCapExceeded))
	})

	t.Run("reaching the cap exactly is allowed", func(t *testing.T) {
		assert.NoError(t, CheckCap(id.CategoryLostWages, lostWages, Usage{ThisMonth: cents("1350")}, cents("50")))
	})

	t.Run("lifetime cap", func(t *testing.T) {
		c := contractmodels.CategoryCap{Monthly: cents("1400"), Lifetime: cents("2000")}
		err := CheckCap(id.CategoryLostWages, c, Usage{ThisMonth: 0, Lifetime: cents("1950")}, cents("100"))
		var capErr *id.CapExceededError
		require.True(t, errors.As(err, &capErr))
		assert.Equal(t, "lifetime", capErr.Period)
		assert.Equal(t, cents("1950"), capErr.AlreadyUsed)
	})

	t.Run("uncapped category", func(t *testing.T) {
		assert.NoError(t, CheckCap(id.CategoryTravel, contractmodels.CategoryCap{}, Usage{ThisMonth: cents("99999")}, cents("500")))
	})
}

func TestAllowanceFor(t *testing.T) {
	a := AllowanceFor(id.CategoryLostWages,
		contractmodels.CategoryCap{Monthly: cents("1400"), Lifetime: cents("2000")},
		Usage{ThisMonth: cents("1350"), Lifetime: cents("2100")})

	require.NotNil(t, a.RemainingMonthly)
	require.NotNil(t, a.RemainingLifetime)
	assert.Equal(t, cents("50"), *a.RemainingMonthly)
	assert.Zero(t, *a.RemainingLifetime, "overspent caps report nothing left, never negative")

	uncapped := AllowanceFor(id.CategoryTravel, contractmodels.CategoryCap{}, Usage{})
	assert.Nil(t, uncapped.RemainingMonthly)
	assert.Nil(t, uncapped.RemainingLifetime)
}
