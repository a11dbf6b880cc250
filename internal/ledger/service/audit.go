package service

import (
	"context"

	"escrow/internal/ledger/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/audit"
	"escrow/pkg/requestcontext"
)

// emitCompliance records a money movement. It runs inside the append's
// transaction, so a failed write undoes the payment.
func (s *Service) emitCompliance(ctx context.Context, action audit.AuditEvent, p *models.Payment, decision string) error {
	if s.compliance == nil {
		return nil
	}
	err := s.compliance.Emit(ctx, audit.ComplianceEvent{
		Timestamp:  requestcontext.Now(ctx),
		ContractID: p.ContractID,
		Subject:    "payment:" + p.ID.String(),
		Action:     action,
		Decision:   decision,
		Amount:     p.Amount,
		RequestID:  requestcontext.RequestID(ctx),
		ActorID:    requestcontext.ActorID(ctx).String(),
		ActorRole:  string(requestcontext.ActorRole(ctx)),
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
	}
	return nil
}

func (s *Service) emit(ctx context.Context, action audit.AuditEvent, contractID id.ContractID, reason string) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.Emit(ctx, audit.Event{
		Category:   action.Category(),
		Timestamp:  requestcontext.Now(ctx),
		ContractID: contractID,
		Subject:    "ledger:" + contractID.String(),
		Action:     string(action),
		Reason:     reason,
		RequestID:  requestcontext.RequestID(ctx),
		ActorID:    requestcontext.ActorID(ctx).String(),
		ActorRole:  string(requestcontext.ActorRole(ctx)),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit emit failed",
			"action", action,
			"contract_id", contractID,
			"error", err,
		)
	}
}
