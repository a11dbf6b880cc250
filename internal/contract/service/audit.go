package service

import (
	"context"

	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/audit"
	"escrow/pkg/requestcontext"
)

// emitCompliance writes a fail-closed audit event. The caller's operation fails
// when the event cannot be persisted.
func (s *Service) emitCompliance(ctx context.Context, action audit.AuditEvent, contractID id.ContractID, subject, decision string) error {
	if s.compliance == nil {
		return nil
	}
	err := s.compliance.Emit(ctx, audit.ComplianceEvent{
		Timestamp:  requestcontext.Now(ctx),
		ContractID: contractID,
		Subject:    subject,
		Action:     action,
		Decision:   decision,
		RequestID:  requestcontext.RequestID(ctx),
		ActorID:    requestcontext.ActorID(ctx).String(),
		ActorRole:  string(requestcontext.ActorRole(ctx)),
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
	}
	return nil
}

// emit is best effort; failures are logged and never fail the operation.
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
