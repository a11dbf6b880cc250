package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "escrow/pkg/domain-errors"
)

func TestMoneyFromDecimal_RoundsHalfUp(t *testing.T) {
	cases := map[string]Money{
		"115.465":   11547,
		"115.4649":  11546,
		"0.005":     1,
		"0.004":     0,
		"96":        9600,
		"19999.995": 2000000,
	}
	for in, want := range cases {
		got, err := MoneyFromDecimal(decimal.RequireFromString(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestMoneyBounds(t *testing.T) {
	tests := []struct {
		in   string
		want Money
		ok   bool
	}{
		{"1000000000000.00", MaxMoney, true},
		{"-1000000000000.00", -MaxMoney, true},
		{"1000000000000.01", 0, false},
		{"-1000000000000.01", 0, false},
		{"92233720368547758.08", 0, false},
		{"184467440737095517.16", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMoney(tt.in)
			if !tt.ok {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("product past the bound", func(t *testing.T) {
		d := decimal.RequireFromString("184467440737.09552").Mul(decimal.NewFromInt(1_000_000))
		_, err := MoneyFromDecimal(d)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("json number past the bound", func(t *testing.T) {
		var m Money
		require.Error(t, json.Unmarshal([]byte(`184467440737095517.16`), &m))
	})
}

func TestParseMoney(t *testing.T) {
	m, err := ParseMoney("20000.00")
	require.NoError(t, err)
	assert.Equal(t, Dollars(20000), m)

	m, err = ParseMoney("12.50")
	require.NoError(t, err)
	assert.Equal(t, Money(1250), m)

	for _, bad := range []string{"", "abc", "1.234"} {
		_, err := ParseMoney(bad)
		require.Error(t, err, bad)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	}
}

func TestMoneyJSON(t *testing.T) {
	raw, err := json.Marshal(Money(11547))
	require.NoError(t, err)
	assert.JSONEq(t, `"115.47"`, string(raw))

	var fromString, fromNumber Money
	require.NoError(t, json.Unmarshal([]byte(`"96.00"`), &fromString))
	require.NoError(t, json.Unmarshal([]byte(`96`), &fromNumber))
	assert.Equal(t, Money(9600), fromString)
	assert.Equal(t, fromString, fromNumber)
}
