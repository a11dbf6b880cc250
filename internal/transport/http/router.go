// Package httptransport assembles the public HTTP surface. Module handlers own
// their routes; this package adds the shared middleware, health and metrics.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrow/internal/platform/metrics"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/httputil"
	authmw "escrow/pkg/platform/middleware/auth"
	"escrow/pkg/platform/middleware/request"
	"escrow/pkg/platform/middleware/requesttime"
)

// Registrar is implemented by every module handler.
type Registrar interface {
	Register(r chi.Router)
}

// HealthCheck probes one backing service.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Logger   *slog.Logger
	Tokens   authmw.TokenValidator
	Metrics  *metrics.Metrics
	Checks   map[string]HealthCheck
	Handlers []Registrar

	// RateLimit runs after authentication so limits apply per actor.
	RateLimit func(http.Handler) http.Handler
}

const healthTimeout = 2 * time.Second

// NewRouter wires every endpoint. Module routes require a bearer token naming
// the acting party; /healthz and /metrics are open.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(requesttime.Middleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}

	r.Get("/healthz", health(deps.Checks))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(api chi.Router) {
		api.Use(authmw.RequireActor(deps.Tokens, deps.Logger))
		if deps.RateLimit != nil {
			api.Use(deps.RateLimit)
		}
		for _, h := range deps.Handlers {
			h.Register(api)
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "route not found"))
	})
	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Failed map[string]string `json:"failed,omitempty"`
}

func health(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				if resp.Failed == nil {
					resp.Failed = make(map[string]string)
				}
				resp.Failed[name] = err.Error()
			}
		}
		if resp.Failed != nil {
			resp.Status = "degraded"
			httputil.WriteJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}
