package models

import (
	"time"

	id "escrow/pkg/domain"
)

// Level is the threshold state of an escrow account.
type Level string

const (
	LevelHealthy  Level = "HEALTHY"
	LevelLow      Level = "LOW"
	LevelCritical Level = "CRITICAL"
)

// Severity orders levels; an account that has never alerted has severity 0.
func (l Level) Severity() int {
	switch l {
	case LevelLow:
		return 1
	case LevelCritical:
		return 2
	default:
		return 0
	}
}

func (l Level) IsValid() bool {
	return l == LevelHealthy || l == LevelLow || l == LevelCritical
}

// Classify maps a balance onto the contract's thresholds:
//
//	HEALTHY  balance > minimum + buffer
//	LOW      minimum < balance <= minimum + buffer
//	CRITICAL balance <= minimum
func Classify(balance, minimum, buffer id.Money) Level {
	switch {
	case balance <= minimum:
		return LevelCritical
	case balance <= minimum+buffer:
		return LevelLow
	default:
		return LevelHealthy
	}
}

// Status is the monitor's view of one account.
type Status struct {
	ContractID    id.ContractID `json:"contract_id"`
	Balance       id.Money      `json:"balance"`
	Minimum       id.Money      `json:"minimum_balance"`
	WarningBuffer id.Money      `json:"warning_buffer"`
	Level         Level         `json:"level"`
	LastAlerted   Level         `json:"last_alerted,omitempty"`
	Head          int64         `json:"ledger_head"`
	CheckedAt     time.Time     `json:"checked_at"`
}

// CachedBalance is a fold result pinned to the ledger head it was computed at.
// It is only valid while the account head is unchanged.
type CachedBalance struct {
	Balance id.Money `json:"balance"`
	Head    int64    `json:"head"`
}
