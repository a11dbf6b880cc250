package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	id "escrow/pkg/domain"
	request "escrow/pkg/platform/middleware/request"
	"escrow/pkg/requestcontext"
)

// TokenValidator validates a bearer token and returns the actor it names.
type TokenValidator interface {
	ValidateToken(tokenString string) (*ActorClaims, error)
}

// ActorClaims is what the middleware needs from a validated token.
type ActorClaims struct {
	PartyID string
	Role    string
}

// writeJSONError writes a JSON error response with the given status code and error details.
func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// RequireActor rejects requests without a valid bearer token and stores the actor's
// party ID and role in the request context.
func RequireActor(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", request.GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", request.GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			partyID, err := id.ParsePartyID(claims.PartyID)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid token subject")
				return
			}
			role, err := id.ParseRole(claims.Role)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid token role")
				return
			}

			next.ServeHTTP(w, r.WithContext(requestcontext.WithActor(ctx, partyID, role)))
		})
	}
}

// RequireRole allows the request through only when the actor holds one of roles.
// Must run after RequireActor.
func RequireRole(logger *slog.Logger, roles ...id.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !slices.Contains(roles, requestcontext.ActorRole(ctx)) {
				logger.WarnContext(ctx, "forbidden - role not permitted",
					"role", requestcontext.ActorRole(ctx),
					"request_id", request.GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusForbidden, "forbidden", "Role not permitted for this operation")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
