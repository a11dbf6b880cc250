package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"escrow/internal/approval/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/httputil"
	"escrow/pkg/platform/middleware/request"
)

type Service interface {
	Get(ctx context.Context, approvalID id.ApprovalID) (*models.Request, error)
	ListByContract(ctx context.Context, contractID id.ContractID) ([]*models.Request, error)
	Decide(ctx context.Context, approvalID id.ApprovalID, outcome id.Outcome, reason string) (*models.Request, error)
	Cancel(ctx context.Context, approvalID id.ApprovalID, reason string) (*models.Request, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/contracts/{contractID}/approvals", h.HandleList)
	r.Get("/approvals/{approvalID}", h.HandleGet)
	r.Post("/approvals/{approvalID}/decision", h.HandleDecide)
	r.Post("/approvals/{approvalID}/cancel", h.HandleCancel)
}

type DecisionRequest struct {
	Outcome id.Outcome `json:"outcome"`
	Reason  string     `json:"reason,omitempty"`
}

func (r *DecisionRequest) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	if !r.Outcome.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "outcome must be approved, denied or needs_info")
	}
	if r.Outcome != id.OutcomeApproved && r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	return nil
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (r *CancelRequest) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	return nil
}

// HandleList handles GET /contracts/{contractID}/approvals.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID, err := id.ParseContractID(chi.URLParam(r, "contractID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out, err := h.service.ListByContract(ctx, contractID)
	if err != nil {
		h.fail(ctx, w, request.GetRequestID(ctx), "list approvals", err)
		return
	}
	if out == nil {
		out = []*models.Request{}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleGet handles GET /approvals/{approvalID}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	approvalID, err := id.ParseApprovalID(chi.URLParam(r, "approvalID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out, err := h.service.Get(ctx, approvalID)
	if err != nil {
		h.fail(ctx, w, request.GetRequestID(ctx), "get approval", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleDecide handles POST /approvals/{approvalID}/decision.
func (h *Handler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	approvalID, err := id.ParseApprovalID(chi.URLParam(r, "approvalID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[DecisionRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	out, err := h.service.Decide(ctx, approvalID, req.Outcome, req.Reason)
	if err != nil {
		h.fail(ctx, w, requestID, "decide approval", err)
		return
	}
	h.logger.InfoContext(ctx, "approval decided",
		"request_id", requestID,
		"approval_id", approvalID,
		"outcome", req.Outcome,
	)
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleCancel handles POST /approvals/{approvalID}/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	approvalID, err := id.ParseApprovalID(chi.URLParam(r, "approvalID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[CancelRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	out, err := h.service.Cancel(ctx, approvalID, req.Reason)
	if err != nil {
		h.fail(ctx, w, requestID, "cancel approval", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, requestID, op string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, op+" failed", "request_id", requestID, "error", err)
	} else {
		h.logger.WarnContext(ctx, op+" rejected", "request_id", requestID, "error", err)
	}
	httputil.WriteError(w, err)
}
