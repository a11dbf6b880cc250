package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrow/internal/escrow/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/httputil"
	"escrow/pkg/platform/middleware/request"
)

type Monitor interface {
	Status(ctx context.Context, contractID id.ContractID) (*models.Status, error)
}

type Handler struct {
	monitor Monitor
	logger  *slog.Logger
}

func New(monitor Monitor, logger *slog.Logger) *Handler {
	return &Handler{monitor: monitor, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/contracts/{contractID}/escrow", h.HandleStatus)
}

// HandleStatus handles GET /contracts/{contractID}/escrow.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contractID, err := id.ParseContractID(chi.URLParam(r, "contractID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	st, err := h.monitor.Status(ctx, contractID)
	if err != nil {
		if dErrors.CodeOf(err) == dErrors.CodeInternal {
			h.logger.ErrorContext(ctx, "escrow status failed",
				"request_id", request.GetRequestID(ctx),
				"contract_id", contractID,
				"error", err,
			)
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}
