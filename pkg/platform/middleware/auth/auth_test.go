package auth

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	id "escrow/pkg/domain"
	"escrow/pkg/requestcontext"
)

type stubValidator struct {
	claims *ActorClaims
	err    error
}

func (s stubValidator) ValidateToken(string) (*ActorClaims, error) { return s.claims, s.err }

func TestRequireActor(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	party := uuid.New()

	var seenActor id.PartyID
	var seenRole id.Role
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenActor = requestcontext.ActorID(r.Context())
		seenRole = requestcontext.ActorRole(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("valid token populates actor", func(t *testing.T) {
		mw := RequireActor(stubValidator{claims: &ActorClaims{PartyID: party.String(), Role: "intended_party"}}, logger)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer abc")
		rr := httptest.NewRecorder()
		mw(next).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, id.PartyID(party), seenActor)
		assert.Equal(t, id.RoleIntendedParty, seenRole)
	})

	t.Run("missing header is unauthorized", func(t *testing.T) {
		mw := RequireActor(stubValidator{}, logger)
		rr := httptest.NewRecorder()
		mw(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("invalid token is unauthorized", func(t *testing.T) {
		mw := RequireActor(stubValidator{err: errors.New("bad signature")}, logger)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer abc")
		rr := httptest.NewRecorder()
		mw(next).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("unknown role is unauthorized", func(t *testing.T) {
		mw := RequireActor(stubValidator{claims: &ActorClaims{PartyID: party.String(), Role: "root"}}, logger)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer abc")
		rr := httptest.NewRecorder()
		mw(next).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestRequireRole(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mw := RequireRole(logger, id.RoleAdmin)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(requestcontext.WithActor(req.Context(), id.PartyID(uuid.New()), id.RoleFulfillingParty))
	rr := httptest.NewRecorder()
	mw(next).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req = req.WithContext(requestcontext.WithActor(req.Context(), id.PartyID(uuid.New()), id.RoleAdmin))
	rr = httptest.NewRecorder()
	mw(next).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
