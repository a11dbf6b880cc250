package domain

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	dErrors "escrow/pkg/domain-errors"
)

// Money is an amount in US cents. All stored and compared amounts use Money; fractional
// arithmetic happens in decimal and is rounded once, half-up, via MoneyFromDecimal.
type Money int64

// MaxMoney is the largest amount, in either sign, any single figure may hold:
// one trillion dollars. Sums of bounded figures stay far inside int64 cents.
const MaxMoney Money = 100_000_000_000_000

var maxCents = decimal.NewFromInt(int64(MaxMoney))

// Dollars builds a Money from whole dollars.
func Dollars(d int64) Money { return Money(d * 100) }

// MoneyFromDecimal rounds a dollar amount to cents, half-up. Amounts beyond
// MaxMoney are rejected instead of wrapping.
func MoneyFromDecimal(d decimal.Decimal) (Money, error) {
	c := d.Shift(2).Round(0)
	if c.Abs().GreaterThan(maxCents) {
		return 0, dErrors.Newf(dErrors.CodeInvalidInput, "amount exceeds %s", MaxMoney)
	}
	return Money(c.IntPart()), nil
}

// ParseMoney parses a dollar amount such as "115.47". More than two decimal places
// is rejected rather than silently rounded.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "invalid amount")
	}
	if d.Exponent() < -2 && !d.Equal(d.Round(2)) {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "amount has more than two decimal places")
	}
	return MoneyFromDecimal(d)
}

// Decimal returns the amount in dollars.
func (m Money) Decimal() decimal.Decimal { return decimal.New(int64(m), -2) }

func (m Money) String() string { return m.Decimal().StringFixed(2) }

func (m Money) IsNegative() bool { return m < 0 }

func (m Money) IsPositive() bool { return m > 0 }

// MarshalJSON encodes money as a fixed two-decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts either a string ("96.00") or a JSON number (96).
func (m *Money) UnmarshalJSON(b []byte) error {
	var raw string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	} else {
		raw = string(b)
	}
	parsed, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// UnmarshalText parses a dollar string; YAML catalogs and env values decode through it.
func (m *Money) UnmarshalText(b []byte) error {
	parsed, err := ParseMoney(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
