package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"escrow/internal/ledger/models"
	"escrow/internal/ledger/service"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/httputil"
	"escrow/pkg/platform/middleware/request"
)

type Service interface {
	Deposit(ctx context.Context, req service.DepositRequest) (*models.Payment, error)
	History(ctx context.Context, contractID id.ContractID) ([]*models.Payment, error)
	Balance(ctx context.Context, contractID id.ContractID) (models.Snapshot, error)
	GetPayment(ctx context.Context, paymentID id.PaymentID) (*models.Payment, error)
	MarkPaid(ctx context.Context, paymentID id.PaymentID) (*models.Payment, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/contracts/{contractID}/deposits", h.HandleDeposit)
	r.Get("/contracts/{contractID}/payments", h.HandleHistory)
	r.Get("/payments/{paymentID}", h.HandleGetPayment)
	r.Post("/payments/{paymentID}/paid", h.HandleMarkPaid)
}

type DepositRequest struct {
	Amount    id.Money `json:"amount"`
	Reference string   `json:"reference,omitempty"`
}

func (r *DepositRequest) Validate() error {
	r.Reference = strings.TrimSpace(r.Reference)
	if !r.Amount.IsPositive() {
		return dErrors.New(dErrors.CodeValidation, "amount must be positive")
	}
	return nil
}

type HistoryResponse struct {
	Balance  models.Snapshot   `json:"balance"`
	Payments []*models.Payment `json:"payments"`
}

// HandleDeposit handles POST /contracts/{contractID}/deposits.
func (h *Handler) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	contractID, err := id.ParseContractID(chi.URLParam(r, "contractID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[DepositRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	p, err := h.service.Deposit(ctx, service.DepositRequest{
		ContractID: contractID,
		Amount:     req.Amount,
		Reference:  req.Reference,
	})
	if err != nil {
		h.fail(ctx, w, requestID, "deposit", err)
		return
	}
	h.logger.InfoContext(ctx, "deposit accepted",
		"request_id", requestID,
		"contract_id", contractID,
		"payment_id", p.ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusCreated, p)
}

// HandleHistory handles GET /contracts/{contractID}/payments.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	contractID, err := id.ParseContractID(chi.URLParam(r, "contractID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	payments, err := h.service.History(ctx, contractID)
	if err != nil {
		h.fail(ctx, w, requestID, "list payments", err)
		return
	}
	balance, err := h.service.Balance(ctx, contractID)
	if err != nil {
		h.fail(ctx, w, requestID, "read balance", err)
		return
	}
	if payments == nil {
		payments = []*models.Payment{}
	}
	httputil.WriteJSON(w, http.StatusOK, HistoryResponse{Balance: balance, Payments: payments})
}

// HandleGetPayment handles GET /payments/{paymentID}.
func (h *Handler) HandleGetPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	paymentID, err := id.ParsePaymentID(chi.URLParam(r, "paymentID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	p, err := h.service.GetPayment(ctx, paymentID)
	if err != nil {
		h.fail(ctx, w, request.GetRequestID(ctx), "get payment", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

// HandleMarkPaid handles POST /payments/{paymentID}/paid, the settlement
// confirmation from the payment rail.
func (h *Handler) HandleMarkPaid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	paymentID, err := id.ParsePaymentID(chi.URLParam(r, "paymentID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	p, err := h.service.MarkPaid(ctx, paymentID)
	if err != nil {
		h.fail(ctx, w, requestID, "mark payment paid", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, requestID, op string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, op+" failed", "request_id", requestID, "error", err)
	} else {
		h.logger.WarnContext(ctx, op+" rejected", "request_id", requestID, "error", err)
	}
	httputil.WriteError(w, err)
}
