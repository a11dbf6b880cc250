package notify

import (
	"context"
	"fmt"
	"log/slog"

	"escrow/internal/ledger/models"
	"escrow/pkg/requestcontext"
)

// PaymentObserver turns committed disbursements into PaymentCompleted events.
// It is registered as a ledger observer; sink failures are logged, not returned,
// because the payment has already committed.
type PaymentObserver struct {
	sink   Sink
	logger *slog.Logger
}

func NewPaymentObserver(sink Sink, logger *slog.Logger) *PaymentObserver {
	return &PaymentObserver{sink: sink, logger: logger}
}

func (o *PaymentObserver) PaymentRecorded(ctx context.Context, p *models.Payment) {
	if !p.Type.IsDisbursement() {
		return
	}
	e := NewEvent(PaymentCompleted, p.ContractID, "payment:"+p.ID.String(),
		fmt.Sprintf("%s payment of %s for %s approved", p.Type, p.Amount, p.Category),
		requestcontext.Now(ctx)).WithAmount(p.Amount)
	if err := o.sink.Notify(ctx, e); err != nil {
		o.logger.WarnContext(ctx, "payment notification failed",
			"contract_id", p.ContractID,
			"payment_id", p.ID,
			"error", err,
		)
	}
}
