// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// Middleware sets the values, services read them. Keeping this package free of net/http
// lets the scheduler, CLI and tests inject the same values directly:
//
//	ctx = requestcontext.WithActor(ctx, partyID, id.RoleAdmin)
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"time"

	id "escrow/pkg/domain"
)

type (
	actorIDKey     struct{}
	actorRoleKey   struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyActorID     = actorIDKey{}
	ContextKeyActorRole   = actorRoleKey{}
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// -----------------------------------------------------------------------------
// Actor
// -----------------------------------------------------------------------------

// ActorID retrieves the acting party. Returns the zero value when unauthenticated
// (scheduler, CLI).
func ActorID(ctx context.Context) id.PartyID {
	if v, ok := ctx.Value(ContextKeyActorID).(id.PartyID); ok {
		return v
	}
	return id.PartyID{}
}

// ActorRole retrieves the acting party's role, or "" when unset.
func ActorRole(ctx context.Context) id.Role {
	if v, ok := ctx.Value(ContextKeyActorRole).(id.Role); ok {
		return v
	}
	return ""
}

// HasActor reports whether an authenticated actor is present.
func HasActor(ctx context.Context) bool {
	return !ActorID(ctx).IsNil()
}

// WithActor injects the acting party and role.
func WithActor(ctx context.Context, actor id.PartyID, role id.Role) context.Context {
	ctx = context.WithValue(ctx, ContextKeyActorID, actor)
	return context.WithValue(ctx, ContextKeyActorRole, role)
}

// -----------------------------------------------------------------------------
// Request metadata
// -----------------------------------------------------------------------------

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// -----------------------------------------------------------------------------
// Request time
// -----------------------------------------------------------------------------

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (scheduler ticks, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context. The scheduler uses it so that a
// whole batch of due milestones is evaluated against one instant.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
