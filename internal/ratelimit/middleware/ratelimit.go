// Package middleware limits how fast one actor can call the API. Limits are
// kept per party and endpoint class; a store failure lets the request through.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	ratelimitmetrics "escrow/internal/ratelimit/metrics"
	"escrow/internal/ratelimit/models"
	"escrow/pkg/platform/httputil"
	"escrow/pkg/platform/middleware/request"
	"escrow/pkg/requestcontext"
)

type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error)
}

type Middleware struct {
	store    Store
	policies map[models.Class]models.Policy
	logger   *slog.Logger
	metrics  *ratelimitmetrics.Metrics
	disabled bool
}

type Option func(*Middleware)

// WithDisabled turns limiting off, for local runs and load tests.
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

func WithPolicy(class models.Class, p models.Policy) Option {
	return func(m *Middleware) {
		if p.Limit > 0 && p.Window > 0 {
			m.policies[class] = p
		}
	}
}

func WithMetrics(metrics *ratelimitmetrics.Metrics) Option {
	return func(m *Middleware) {
		m.metrics = metrics
	}
}

func New(store Store, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		store:    store,
		policies: make(map[models.Class]models.Policy, len(models.DefaultPolicies)),
		logger:   logger,
	}
	for class, p := range models.DefaultPolicies {
		m.policies[class] = p
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

// PerActor limits authenticated requests by party and class. It must run
// after the actor middleware.
func (m *Middleware) PerActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled || !requestcontext.HasActor(r.Context()) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		class := models.ClassOf(r.Method)
		policy := m.policies[class]
		key := requestcontext.ActorID(ctx).String() + ":" + string(class)

		result, err := m.store.Allow(ctx, key, policy.Limit, policy.Window)
		if err != nil {
			m.metrics.IncrementStoreError()
			m.logger.ErrorContext(ctx, "rate limit check failed",
				"error", err,
				"request_id", request.GetRequestID(ctx),
			)
			next.ServeHTTP(w, r)
			return
		}

		addHeaders(w, result)
		if !result.Allowed {
			m.metrics.IncrementRejection(string(class))
			m.logger.WarnContext(ctx, "rate limit exceeded",
				"actor_id", requestcontext.ActorID(ctx),
				"class", class,
				"request_id", request.GetRequestID(ctx),
			)
			writeExceeded(w, result)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func addHeaders(w http.ResponseWriter, result *models.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func writeExceeded(w http.ResponseWriter, result *models.Result) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.ExceededResponse{
		Error:      "rate_limit_exceeded",
		Message:    "Too many requests. Please try again later.",
		RetryAfter: result.RetryAfter,
	})
}
