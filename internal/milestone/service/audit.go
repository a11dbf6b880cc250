package service

import (
	"context"

	"escrow/internal/milestone/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/audit"
	"escrow/pkg/requestcontext"
)

// emitCompliance records a terminal milestone decision inside the transition's
// transaction.
func (s *Service) emitCompliance(ctx context.Context, action audit.AuditEvent, m *models.Instance, decision string, amount id.Money) error {
	if s.compliance == nil {
		return nil
	}
	err := s.compliance.Emit(ctx, audit.ComplianceEvent{
		Timestamp:  requestcontext.Now(ctx),
		ContractID: m.ContractID,
		Subject:    subject(m.ID),
		Action:     action,
		Decision:   decision,
		Amount:     amount,
		RequestID:  requestcontext.RequestID(ctx),
		ActorID:    requestcontext.ActorID(ctx).String(),
		ActorRole:  string(requestcontext.ActorRole(ctx)),
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
	}
	return nil
}

func (s *Service) emit(ctx context.Context, action audit.AuditEvent, contractID id.ContractID, subject, reason string) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.Emit(ctx, audit.Event{
		Category:   action.Category(),
		Timestamp:  requestcontext.Now(ctx),
		ContractID: contractID,
		Subject:    subject,
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
