package testutil

import (
	"net/http"

	id "escrow/pkg/domain"
	"escrow/pkg/requestcontext"
)

// WithActor adds an actor to the request context, as the auth middleware would.
func WithActor(req *http.Request, actor id.PartyID, role id.Role) *http.Request {
	return req.WithContext(requestcontext.WithActor(req.Context(), actor, role))
}

// WithRequestID adds a request ID to the request context.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}
