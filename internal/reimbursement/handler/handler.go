package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"escrow/internal/reimbursement/calculator"
	"escrow/internal/reimbursement/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/httputil"
	"escrow/pkg/platform/middleware/request"
)

type Service interface {
	Quote(ctx context.Context, claim models.Claim) (*models.Quote, error)
	Submit(ctx context.Context, claim models.Claim) (*models.Request, error)
	Resubmit(ctx context.Context, reimbursementID id.ReimbursementID, documents []string, notes string) (*models.Request, error)
	Get(ctx context.Context, reimbursementID id.ReimbursementID) (*models.Request, error)
	ListByContract(ctx context.Context, contractID id.ContractID) ([]*models.Request, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/contracts/{contractID}/reimbursements/quote", h.HandleQuote)
	r.Post("/contracts/{contractID}/reimbursements", h.HandleSubmit)
	r.Get("/contracts/{contractID}/reimbursements", h.HandleList)
	r.Get("/reimbursements/{reimbursementID}", h.HandleGet)
	r.Post("/reimbursements/{reimbursementID}/evidence", h.HandleResubmit)
}

// ClaimRequest is the body of quote and submit calls. Lost wages carry
// employment details; every other category carries an amount.
type ClaimRequest struct {
	Category   string            `json:"category"`
	Employment *calculator.Input `json:"employment,omitempty"`
	Amount     id.Money          `json:"amount,omitempty"`
	Evidence   []string          `json:"evidence,omitempty"`
	Notes      string            `json:"notes,omitempty"`

	category id.Category
}

func (r *ClaimRequest) Validate() error {
	cat, err := id.ParseCategory(strings.TrimSpace(r.Category))
	if err != nil {
		return err
	}
	r.category = cat
	r.Notes = strings.TrimSpace(r.Notes)
	return nil
}

func (r *ClaimRequest) claim(contractID id.ContractID) models.Claim {
	return models.Claim{
		ContractID: contractID,
		Category:   r.category,
		Employment: r.Employment,
		Amount:     r.Amount,
		Evidence:   r.Evidence,
		Notes:      r.Notes,
	}
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

// HandleQuote handles POST /contracts/{contractID}/reimbursements/quote.
func (h *Handler) HandleQuote(w http.ResponseWriter, r *http.Request) {
	h.withClaim(w, r, "quote reimbursement", http.StatusOK, func(ctx context.Context, c models.Claim) (any, error) {
		return h.service.Quote(ctx, c)
	})
}

// HandleSubmit handles POST /contracts/{contractID}/reimbursements.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	h.withClaim(w, r, "submit reimbursement", http.StatusAccepted, func(ctx context.Context, c models.Claim) (any, error) {
		return h.service.Submit(ctx, c)
	})
}

// HandleList handles GET /contracts/{contractID}/reimbursements.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID, err := id.ParseContractID(chi.URLParam(r, "contractID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out, err := h.service.ListByContract(ctx, contractID)
	if err != nil {
		h.fail(ctx, w, request.GetRequestID(ctx), "list reimbursements", err)
		return
	}
	if out == nil {
		out = []*models.Request{}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleGet handles GET /reimbursements/{reimbursementID}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reimbursementID, err := id.ParseReimbursementID(chi.URLParam(r, "reimbursementID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out, err := h.service.Get(ctx, reimbursementID)
	if err != nil {
		h.fail(ctx, w, request.GetRequestID(ctx), "get reimbursement", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleResubmit handles POST /reimbursements/{reimbursementID}/evidence.
func (h *Handler) HandleResubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	reimbursementID, err := id.ParseReimbursementID(chi.URLParam(r, "reimbursementID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[EvidenceRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	out, err := h.service.Resubmit(ctx, reimbursementID, req.Documents, req.Notes)
	if err != nil {
		h.fail(ctx, w, requestID, "resubmit reimbursement", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, out)
}

func (h *Handler) withClaim(w http.ResponseWriter, r *http.Request, op string, status int,
	fn func(context.Context, models.Claim) (any, error),
) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	contractID, err := id.ParseContractID(chi.URLParam(r, "contractID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[ClaimRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	out, err := fn(ctx, req.claim(contractID))
	if err != nil {
		h.fail(ctx, w, requestID, op, err)
		return
	}
	httputil.WriteJSON(w, status, out)
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, requestID, op string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, op+" failed", "request_id", requestID, "error", err)
	} else {
		h.logger.WarnContext(ctx, op+" rejected", "request_id", requestID, "error", err)
	}
	httputil.WriteError(w, err)
}
