package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"escrow/internal/confirm/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/httputil"
	"escrow/pkg/platform/middleware/request"
)

// Service is the commit half of two-phase commands. Proposals are created by the
// owning module's handler.
type Service interface {
	Commit(ctx context.Context, proposalID id.ProposalID, confirmations []string) (*models.Result, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/confirmations/{proposalID}/commit", h.HandleCommit)
}

// CommitRequest echoes the confirmations returned by the proposal.
type CommitRequest struct {
	Confirmations []string `json:"confirmations"`
}

func (r *CommitRequest) Validate() error {
	cleaned := make([]string, 0, len(r.Confirmations))
	for _, c := range r.Confirmations {
		if c = strings.TrimSpace(c); c != "" {
			cleaned = append(cleaned, c)
		}
	}
	if len(cleaned) == 0 {
		return dErrors.New(dErrors.CodeValidation, "confirmations are required")
	}
	r.Confirmations = cleaned
	return nil
}

// HandleCommit handles POST /confirmations/{proposalID}/commit.
func (h *Handler) HandleCommit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	proposalID, err := id.ParseProposalID(chi.URLParam(r, "proposalID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[CommitRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := h.service.Commit(ctx, proposalID, req.Confirmations)
	if err != nil {
		h.logger.WarnContext(ctx, "commit rejected",
			"request_id", requestID,
			"proposal_id", proposalID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "two-phase command committed",
		"request_id", requestID,
		"proposal_id", proposalID,
		"action", res.Action,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, res)
}

// ProposalResponse is returned by every endpoint that stages a two-phase command.
type ProposalResponse struct {
	ProposalID            id.ProposalID `json:"proposal_id"`
	Action                models.Action `json:"action"`
	Subject               string        `json:"subject"`
	RequiredConfirmations []string      `json:"required_confirmations"`
	ExpiresAt             time.Time     `json:"expires_at"`
	CommitPath            string        `json:"commit_path"`
}

// ToProposalResponse renders a staged proposal for the caller to echo back.
func ToProposalResponse(p *models.Proposal) ProposalResponse {
	return ProposalResponse{
		ProposalID:            p.ID,
		Action:                p.Action,
		Subject:               p.Subject,
		RequiredConfirmations: p.Required,
		ExpiresAt:             p.ExpiresAt,
		CommitPath:            "/confirmations/" + p.ID.String() + "/commit",
	}
}
