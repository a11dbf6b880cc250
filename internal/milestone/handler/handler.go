package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	confirmmodels "escrow/internal/confirm/models"
	"escrow/internal/milestone/catalog"
	"escrow/internal/milestone/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/httputil"
	"escrow/pkg/platform/middleware/request"
)

type Service interface {
	Definitions() []catalog.Definition
	Get(ctx context.Context, milestoneID id.MilestoneID) (*models.Instance, error)
	List(ctx context.Context, contractID id.ContractID) ([]*models.Instance, error)
	SubmitEvidence(ctx context.Context, milestoneID id.MilestoneID, documents []string, notes string) (*models.Instance, error)
	Trigger(ctx context.Context, milestoneID id.MilestoneID) (*models.Instance, error)
	ProposeFlag(ctx context.Context, milestoneID id.MilestoneID, reason string) (*confirmmodels.Proposal, error)
	ClearHold(ctx context.Context, milestoneID id.MilestoneID) (*models.Instance, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/catalog/milestones", h.HandleCatalog)
	r.Get("/contracts/{contractID}/milestones", h.HandleList)
	r.Get("/milestones/{milestoneID}", h.HandleGet)
	r.Post("/milestones/{milestoneID}/evidence", h.HandleSubmitEvidence)
	r.Post("/milestones/{milestoneID}/trigger", h.HandleTrigger)
	r.Post("/milestones/{milestoneID}/flag", h.HandleFlag)
	r.Delete("/milestones/{milestoneID}/hold", h.HandleClearHold)
}

type EvidenceRequest struct {
	Documents []string `json:"documents"`
	Notes     string   `json:"notes,omitempty"`
}

func (r *EvidenceRequest) Validate() error {
	r.Notes = strings.TrimSpace(r.Notes)
	if len(r.Documents) == 0 {
		return dErrors.New(dErrors.CodeValidation, "documents are required")
	}
	return nil
}

type FlagRequest struct {
	Reason string `json:"reason"`
}

func (r *FlagRequest) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	return nil
}

// HandleCatalog handles GET /catalog/milestones.
func (h *Handler) HandleCatalog(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.service.Definitions())
}

// HandleList handles GET /contracts/{contractID}/milestones.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID, err := id.ParseContractID(chi.URLParam(r, "contractID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	instances, err := h.service.List(ctx, contractID)
	if err != nil {
		h.fail(ctx, w, request.GetRequestID(ctx), "list milestones", err)
		return
	}
	if instances == nil {
		instances = []*models.Instance{}
	}
	httputil.WriteJSON(w, http.StatusOK, instances)
}

// HandleGet handles GET /milestones/{milestoneID}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	h.withMilestone(w, r, "get milestone", http.StatusOK, h.service.Get)
}

// HandleSubmitEvidence handles POST /milestones/{milestoneID}/evidence.
func (h *Handler) HandleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	milestoneID, err := id.ParseMilestoneID(chi.URLParam(r, "milestoneID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[EvidenceRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	m, err := h.service.SubmitEvidence(ctx, milestoneID, req.Documents, req.Notes)
	if err != nil {
		h.fail(ctx, w, requestID, "submit evidence", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, m)
}

// HandleTrigger handles POST /milestones/{milestoneID}/trigger.
func (h *Handler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	h.withMilestone(w, r, "trigger milestone", http.StatusAccepted, h.service.Trigger)
}

// HandleFlag handles POST /milestones/{milestoneID}/flag. The response is a
// proposal; the hold applies once it is committed.
func (h *Handler) HandleFlag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	milestoneID, err := id.ParseMilestoneID(chi.URLParam(r, "milestoneID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[FlagRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	p, err := h.service.ProposeFlag(ctx, milestoneID, req.Reason)
	if err != nil {
		h.fail(ctx, w, requestID, "flag milestone", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, p)
}

// HandleClearHold handles DELETE /milestones/{milestoneID}/hold.
func (h *Handler) HandleClearHold(w http.ResponseWriter, r *http.Request) {
	h.withMilestone(w, r, "clear hold", http.StatusOK, h.service.ClearHold)
}

func (h *Handler) withMilestone(w http.ResponseWriter, r *http.Request, op string, status int,
	fn func(context.Context, id.MilestoneID) (*models.Instance, error),
) {
	ctx := r.Context()
	milestoneID, err := id.ParseMilestoneID(chi.URLParam(r, "milestoneID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	m, err := fn(ctx, milestoneID)
	if err != nil {
		h.fail(ctx, w, request.GetRequestID(ctx), op, err)
		return
	}
	httputil.WriteJSON(w, status, m)
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, requestID, op string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, op+" failed", "request_id", requestID, "error", err)
	} else {
		h.logger.WarnContext(ctx, op+" rejected", "request_id", requestID, "error", err)
	}
	httputil.WriteError(w, err)
}
