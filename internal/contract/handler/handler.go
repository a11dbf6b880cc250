package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	confirmhandler "escrow/internal/confirm/handler"
	confirmmodels "escrow/internal/confirm/models"
	"escrow/internal/contract/models"
	"escrow/internal/contract/service"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/httputil"
	"escrow/pkg/platform/middleware/request"
)

// Service defines the contract operations exposed over HTTP.
type Service interface {
	Register(ctx context.Context, req service.RegisterRequest) (*models.Contract, error)
	Confirm(ctx context.Context, contractID id.ContractID, version int) (*models.Contract, error)
	Override(ctx context.Context, contractID id.ContractID, terms models.Terms, reason string) (*models.Contract, error)
	Get(ctx context.Context, contractID id.ContractID) (*models.Contract, error)
	ListVersions(ctx context.Context, contractID id.ContractID) ([]*models.Contract, error)
	Journey(ctx context.Context, contractID id.ContractID) (*models.Journey, error)
	ProposeJourneyEnd(ctx context.Context, contractID id.ContractID, reason string) (*confirmmodels.Proposal, error)
	SetJourneyHold(ctx context.Context, contractID id.ContractID, hold bool, reason string) (*models.Journey, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/contracts", h.HandleRegister)
	r.Get("/contracts/{contractID}", h.HandleGet)
	r.Get("/contracts/{contractID}/versions", h.HandleListVersions)
	r.Post("/contracts/{contractID}/versions/{version}/confirm", h.HandleConfirm)
	r.Post("/contracts/{contractID}/override", h.HandleOverride)
	r.Get("/contracts/{contractID}/journey", h.HandleJourney)
	r.Post("/contracts/{contractID}/journey-end", h.HandleProposeJourneyEnd)
	r.Put("/contracts/{contractID}/journey-hold", h.HandleJourneyHold)
}

// RegisterRequest is the extraction output for one contract version.
type RegisterRequest struct {
	ContractID      string       `json:"contract_id,omitempty"`
	IntendedParty   string       `json:"intended_party"`
	FulfillingParty string       `json:"fulfilling_party"`
	StartDate       string       `json:"start_date"`
	Terms           models.Terms `json:"terms"`

	contractID id.ContractID
	intended   id.PartyID
	fulfilling id.PartyID
	startDate  time.Time
}

func (r *RegisterRequest) Validate() error {
	var err error
	if r.ContractID != "" {
		if r.contractID, err = id.ParseContractID(r.ContractID); err != nil {
			return err
		}
	}
	if r.intended, err = id.ParsePartyID(r.IntendedParty); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "intended_party must be a party ID")
	}
	if r.fulfilling, err = id.ParsePartyID(r.FulfillingParty); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "fulfilling_party must be a party ID")
	}
	if r.startDate, err = time.Parse(time.DateOnly, strings.TrimSpace(r.StartDate)); err != nil {
		return dErrors.New(dErrors.CodeValidation, "start_date must be YYYY-MM-DD")
	}
	return r.Terms.Validate()
}

type OverrideRequest struct {
	Terms  models.Terms `json:"terms"`
	Reason string       `json:"reason"`
}

func (r *OverrideRequest) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	return r.Terms.Validate()
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

func (r *ReasonRequest) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	return nil
}

type HoldRequest struct {
	Hold   bool   `json:"hold"`
	Reason string `json:"reason"`
}

func (r *HoldRequest) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Hold && r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "a hold needs a reason")
	}
	return nil
}

// HandleRegister handles POST /contracts.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[RegisterRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	c, err := h.service.Register(ctx, service.RegisterRequest{
		ContractID:      req.contractID,
		IntendedParty:   req.intended,
		FulfillingParty: req.fulfilling,
		StartDate:       req.startDate,
		Terms:           req.Terms,
	})
	if err != nil {
		h.fail(ctx, w, requestID, "register contract", err)
		return
	}
	h.logger.InfoContext(ctx, "contract version registered",
		"request_id", requestID,
		"contract_id", c.ID,
		"version", c.Version,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusCreated, c)
}

// HandleGet handles GET /contracts/{contractID}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID, ok := h.contractID(w, r)
	if !ok {
		return
	}
	c, err := h.service.Get(ctx, contractID)
	if err != nil {
		h.fail(ctx, w, request.GetRequestID(ctx), "get contract", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

// HandleListVersions handles GET /contracts/{contractID}/versions.
func (h *Handler) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID, ok := h.contractID(w, r)
	if !ok {
		return
	}
	versions, err := h.service.ListVersions(ctx, contractID)
	if err != nil {
		h.fail(ctx, w, request.GetRequestID(ctx), "list contract versions", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// HandleConfirm handles POST /contracts/{contractID}/versions/{version}/confirm.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	contractID, ok := h.contractID(w, r)
	if !ok {
		return
	}
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "version must be a positive integer"))
		return
	}
	c, err := h.service.Confirm(ctx, contractID, version)
	if err != nil {
		h.fail(ctx, w, requestID, "confirm contract", err)
		return
	}
	h.logger.InfoContext(ctx, "contract confirmation recorded",
		"request_id", requestID,
		"contract_id", contractID,
		"version", version,
		"status", c.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, c)
}

// HandleOverride handles POST /contracts/{contractID}/override.
func (h *Handler) HandleOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	contractID, ok := h.contractID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[OverrideRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	c, err := h.service.Override(ctx, contractID, req.Terms, req.Reason)
	if err != nil {
		h.fail(ctx, w, requestID, "override contract", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, c)
}

// HandleJourney handles GET /contracts/{contractID}/journey.
func (h *Handler) HandleJourney(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID, ok := h.contractID(w, r)
	if !ok {
		return
	}
	j, err := h.service.Journey(ctx, contractID)
	if err != nil {
		h.fail(ctx, w, request.GetRequestID(ctx), "get journey", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, j)
}

// HandleProposeJourneyEnd handles POST /contracts/{contractID}/journey-end. The
// response lists the confirmations to echo to the commit endpoint.
func (h *Handler) HandleProposeJourneyEnd(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	contractID, ok := h.contractID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[ReasonRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	p, err := h.service.ProposeJourneyEnd(ctx, contractID, req.Reason)
	if err != nil {
		h.fail(ctx, w, requestID, "propose journey end", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, confirmhandler.ToProposalResponse(p))
}

// HandleJourneyHold handles PUT /contracts/{contractID}/journey-hold.
func (h *Handler) HandleJourneyHold(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	contractID, ok := h.contractID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[HoldRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	j, err := h.service.SetJourneyHold(ctx, contractID, req.Hold, req.Reason)
	if err != nil {
		h.fail(ctx, w, requestID, "set journey hold", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, j)
}

func (h *Handler) contractID(w http.ResponseWriter, r *http.Request) (id.ContractID, bool) {
	contractID, err := id.ParseContractID(chi.URLParam(r, "contractID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.ContractID{}, false
	}
	return contractID, true
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, requestID, op string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, op+" failed",
			"request_id", requestID,
			"error", err,
		)
	} else {
		h.logger.WarnContext(ctx, op+" rejected",
			"request_id", requestID,
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}
