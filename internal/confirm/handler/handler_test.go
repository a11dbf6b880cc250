package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"escrow/internal/confirm/models"
	"escrow/internal/confirm/service"
	"escrow/internal/confirm/store"
	id "escrow/pkg/domain"
	"escrow/pkg/requestcontext"
	"escrow/pkg/testutil"
)

func newRouter(t *testing.T) (http.Handler, *service.Service) {
	t.Helper()
	svc, err := service.New(store.NewInMemoryStore())
	require.NoError(t, err)
	svc.Register(models.ActionJourneyEnd, func(_ context.Context, p *models.Proposal) (any, error) {
		return map[string]string{"journey": "ended"}, nil
	})
	r := chi.NewRouter()
	New(svc, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(r)
	return r, svc
}

func TestHandleCommit(t *testing.T) {
	router, svc := newRouter(t)
	actor := id.PartyID(uuid.New())
	ctx := requestcontext.WithActor(context.Background(), actor, id.RoleIntendedParty)

	stage := func(t *testing.T) *models.Proposal {
		t.Helper()
		p, err := svc.Propose(ctx, service.ProposeRequest{
			Action:   models.ActionJourneyEnd,
			Subject:  uuid.NewString(),
			Required: []string{"end_journey"},
		})
		require.NoError(t, err)
		return p
	}

	t.Run("commits with echoed confirmations", func(t *testing.T) {
		p := stage(t)
		req := testutil.NewJSONRequest(t, http.MethodPost, ToProposalResponse(p).CommitPath,
			CommitRequest{Confirmations: []string{"end_journey"}})
		rr := testutil.DoRequest(router, testutil.WithActor(req, actor, id.RoleIntendedParty))
		testutil.AssertStatusOK(t, rr)
		res := testutil.UnmarshalResponse[models.Result](t, rr)
		require.Equal(t, models.ActionJourneyEnd, res.Action)
	})

	t.Run("empty confirmations are a bad request", func(t *testing.T) {
		p := stage(t)
		req := testutil.NewJSONRequest(t, http.MethodPost, "/confirmations/"+p.ID.String()+"/commit",
			CommitRequest{Confirmations: []string{"  "}})
		rr := testutil.DoRequest(router, testutil.WithActor(req, actor, id.RoleIntendedParty))
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "validation_error")
	})

	t.Run("unknown proposal is not found", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/confirmations/"+uuid.NewString()+"/commit",
			CommitRequest{Confirmations: []string{"end_journey"}})
		rr := testutil.DoRequest(router, testutil.WithActor(req, actor, id.RoleIntendedParty))
		testutil.AssertStatusAndError(t, rr, http.StatusNotFound, "not_found")
	})

	t.Run("malformed proposal id", func(t *testing.T) {
		req := testutil.NewJSONRequest(t, http.MethodPost, "/confirmations/not-a-uuid/commit",
			CommitRequest{Confirmations: []string{"end_journey"}})
		rr := testutil.DoRequest(router, testutil.WithActor(req, actor, id.RoleIntendedParty))
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("response advertises expiry", func(t *testing.T) {
		p := stage(t)
		resp := ToProposalResponse(p)
		require.True(t, resp.ExpiresAt.After(time.Now().Add(-time.Minute)))
		require.Equal(t, []string{"end_journey"}, resp.RequiredConfirmations)
	})
}
