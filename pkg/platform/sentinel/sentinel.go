package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally wrapped)
// and services translate them into domain errors:
//   - ErrNotFound: row or key does not exist
//   - ErrConflict: uniqueness violated (idempotency key, open approval per subject)
//   - ErrExpired: proposal or cached snapshot past its lifetime
//   - ErrAlreadyUsed: two-phase proposal already committed
//   - ErrInvalidState: stored entity is not in the state the write expects
//   - ErrUnavailable: backing service temporarily unavailable
//
// For validation errors use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
