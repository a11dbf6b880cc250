// Package verifier calls the external evidence verification service. Every
// failure, after retries, surfaces as a VerificationUnavailableError so the
// caller can route the request to human review.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"escrow/internal/approval/models"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/circuit"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 200 * time.Millisecond
	defaultTimeout  = 5 * time.Second
	maxBodyBytes    = 1 << 20
)

// Request is what the verifier sees: opaque document references and the clause
// they are checked against.
type Request struct {
	ApprovalID id.ApprovalID `json:"approval_id"`
	ContractID id.ContractID `json:"contract_id"`
	Category   id.Category   `json:"category"`
	ClauseRef  string        `json:"clause_ref"`
	Evidence   []string      `json:"evidence"`
	Amount     id.Money      `json:"amount"`
}

type response struct {
	Status models.VerificationStatus `json:"status"`
	Notes  string                    `json:"notes"`
}

// Client is an HTTP verifier client with bounded retries and a circuit breaker.
type Client struct {
	endpoint string
	http     *http.Client
	attempts int
	backoff  time.Duration
	timeout  time.Duration
	breaker  *circuit.Breaker
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(v *Client) {
		v.http = c
	}
}

// WithAttempts sets the total number of calls per verification, retries included.
func WithAttempts(n int) Option {
	return func(v *Client) {
		if n > 0 {
			v.attempts = n
		}
	}
}

// WithBackoff sets the delay before the first retry; it doubles per retry.
func WithBackoff(d time.Duration) Option {
	return func(v *Client) {
		if d >= 0 {
			v.backoff = d
		}
	}
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(v *Client) {
		if d > 0 {
			v.timeout = d
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(v *Client) {
		v.breaker = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(v *Client) {
		v.logger = logger
	}
}

// New builds a client for endpoint. An empty endpoint yields a client that
// always reports the verifier unavailable.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{},
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		timeout:  defaultTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Verify asks the verifier for a verdict on req.
func (c *Client) Verify(ctx context.Context, req Request) (models.Verification, error) {
	if c.endpoint == "" {
		return models.Verification{}, &id.VerificationUnavailableError{
			Cause: newError(ErrorNotConfigured, "no verifier endpoint configured", nil),
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return models.Verification{}, fmt.Errorf("marshal verification request: %w", err)
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return models.Verification{}, &id.VerificationUnavailableError{Attempts: attempts, Cause: ctx.Err()}
			}
		}
		if c.breaker != nil && !c.breaker.Allow() {
			lastErr = newError(ErrorCircuitOpen, "verifier circuit is open", nil)
			break
		}
		attempts++
		v, err := c.call(ctx, body)
		if err == nil {
			c.recordSuccess()
			v.Attempts = attempts
			return v, nil
		}
		lastErr = err
		c.recordFailure()
		c.logger.WarnContext(ctx, "verifier call failed",
			"approval_id", req.ApprovalID,
			"attempt", attempts,
			"category", CategoryOf(err),
			"error", err,
		)
		if !IsRetryable(err) {
			break
		}
	}
	return models.Verification{}, &id.VerificationUnavailableError{Attempts: attempts, Cause: lastErr}
}

func (c *Client) call(ctx context.Context, body []byte) (models.Verification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.Verification{}, newError(ErrorBadData, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.Verification{}, newError(ErrorTimeout, "verifier did not answer in time", err)
		}
		return models.Verification{}, newError(ErrorOutage, "verifier unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.Verification{}, newError(ErrorOutage, "read verifier response", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.Verification{}, newError(ErrorRateLimited, "verifier rate limited", nil)
	case resp.StatusCode >= 500:
		return models.Verification{}, newError(ErrorOutage, fmt.Sprintf("verifier returned %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return models.Verification{}, newError(ErrorRejected, fmt.Sprintf("verifier returned %d: %s", resp.StatusCode, raw), nil)
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.Verification{}, newError(ErrorBadData, "decode verifier response", err)
	}
	switch out.Status {
	case models.VerificationVerified, models.VerificationReviewNeeded, models.VerificationFlagged:
	default:
		return models.Verification{}, newError(ErrorBadData, fmt.Sprintf("unknown verdict %q", out.Status), nil)
	}
	return models.Verification{Status: out.Status, Notes: out.Notes, CheckedAt: c.now().UTC()}, nil
}

func (c *Client) recordSuccess() {
	if c.breaker == nil {
		return
	}
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.logger.Info("verifier circuit closed", "breaker", c.breaker.Name())
	}
}

func (c *Client) recordFailure() {
	if c.breaker == nil {
		return
	}
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.Warn("verifier circuit opened", "breaker", c.breaker.Name())
	}
}
