package calculator

import (
	"github.com/shopspring/decimal"

	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
)

// Input is the wire form of an employment variant. Only the fields of the
// tagged Type are read.
type Input struct {
	Type          Kind            `json:"type"`
	Rate          id.Money        `json:"rate,omitempty"`
	MonthlySalary id.Money        `json:"monthly_salary,omitempty"`
	WeeklyHours   decimal.Decimal `json:"weekly_hours,omitzero"`
	HoursMissed   decimal.Decimal `json:"hours_missed"`
	RateDocument  string          `json:"rate_document,omitempty"`
}

// Employment resolves the tagged variant.
func (in Input) Employment() (Employment, error) {
	switch in.Type {
	case KindHourly:
		return Hourly{Rate: in.Rate, HoursMissed: in.HoursMissed}, nil
	case KindSalaried:
		return Salaried{MonthlySalary: in.MonthlySalary, WeeklyHours: in.WeeklyHours, HoursMissed: in.HoursMissed}, nil
	case KindSelfEmployed:
		return SelfEmployed{DocumentedRate: in.Rate, RateDocument: in.RateDocument, HoursMissed: in.HoursMissed}, nil
	case "":
		return nil, dErrors.New(dErrors.CodeValidation, "employment type is required")
	default:
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown employment type %q", in.Type)
	}
}
