// Package models holds the rate limit policy and check result types.
package models

import (
	"net/http"
	"time"
)

// Class groups endpoints that share a limit.
type Class string

const (
	ClassRead  Class = "read"
	ClassWrite Class = "write"
)

// ClassOf maps a request method to its class. Anything that can change state
// is a write.
func ClassOf(method string) Class {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ClassRead
	}
	return ClassWrite
}

// Policy allows Limit requests per Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicies are generous for reads and tighter for submissions and
// decisions.
var DefaultPolicies = map[Class]Policy{
	ClassRead:  {Limit: 300, Window: time.Minute},
	ClassWrite: {Limit: 60, Window: time.Minute},
}

// Result is the outcome of one check.
type Result struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// ExceededResponse is the 429 body.
type ExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}
