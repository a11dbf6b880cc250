package service

import (
	"context"
	"strings"

	"escrow/internal/approval/models"
	ledgermodels "escrow/internal/ledger/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/audit"
	"escrow/pkg/requestcontext"
)

// Decide records a human decision on a request awaiting approval. Only the
// contract's intended party or an admin may decide.
func (s *Service) Decide(ctx context.Context, approvalID id.ApprovalID, outcome id.Outcome, reason string) (*models.Request, error) {
	if !outcome.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown outcome %q", outcome)
	}
	reason = strings.TrimSpace(reason)
	if outcome != id.OutcomeApproved && reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "a reason is required to deny or request information")
	}
	r, err := s.find(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	c, err := s.contracts.Get(ctx, r.ContractID)
	if err != nil {
		return nil, err
	}
	actor := requestcontext.ActorID(ctx)
	if requestcontext.ActorRole(ctx) != id.RoleAdmin && actor != c.IntendedParty {
		return nil, dErrors.New(dErrors.CodeForbidden, "only the intended party may decide")
	}
	return s.decide(ctx, approvalID, id.Decision{
		ApprovalID: approvalID,
		Outcome:    outcome,
		Reason:     reason,
		DecidedBy:  actor,
		DecidedAt:  requestcontext.Now(ctx),
	}, models.StageFor(outcome), audit.EventApprovalDecided)
}

// Cancel withdraws a request awaiting approval. The request closes as
// CANCELLED and its subject goes back to needs-info, so the owner can submit
// corrected evidence. Nothing is paid or denied.
func (s *Service) Cancel(ctx context.Context, approvalID id.ApprovalID, reason string) (*models.Request, error) {
	r, err := s.find(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	c, err := s.contracts.Get(ctx, r.ContractID)
	if err != nil {
		return nil, err
	}
	actor := requestcontext.ActorID(ctx)
	if requestcontext.ActorRole(ctx) != id.RoleAdmin {
		if _, ok := c.RoleOf(actor); !ok {
			return nil, dErrors.New(dErrors.CodeForbidden, "not a party to this contract")
		}
	}
	note := "cancelled"
	if reason = strings.TrimSpace(reason); reason != "" {
		note += ": " + reason
	}
	return s.decide(ctx, approvalID, id.Decision{
		ApprovalID: approvalID,
		Outcome:    id.OutcomeNeedsInfo,
		Reason:     note,
		DecidedBy:  actor,
		DecidedAt:  requestcontext.Now(ctx),
	}, models.StageCancelled, audit.EventApprovalCancelled)
}

// decide applies d to the subject and closes the request at stage in one
// transaction. Payments created by the subject are announced after commit.
func (s *Service) decide(ctx context.Context, approvalID id.ApprovalID, d id.Decision, stage models.Stage, action audit.AuditEvent) (*models.Request, error) {
	unlock := s.lock(approvalID)
	defer unlock()

	var (
		out     *models.Request
		payment *ledgermodels.Payment
		created bool
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		r, err := s.find(ctx, approvalID)
		if err != nil {
			return err
		}
		if err := checkDecidable(r, d, stage); err != nil {
			return err
		}
		h, err := s.handler(r.SubjectKind)
		if err != nil {
			return err
		}
		payment, created, err = h.ApplyDecision(ctx, r, d)
		if err != nil {
			return err
		}
		out, err = s.store.Execute(ctx, approvalID,
			func(r *models.Request) error { return checkDecidable(r, d, stage) },
			func(r *models.Request) {
				_ = r.Advance(stage, d.DecidedAt, d.Reason)
				decision := d
				r.Decision = &decision
				if payment != nil {
					pid := payment.ID
					r.PaymentID = &pid
				}
			})
		if err != nil {
			return wrapStoreErr(err)
		}
		return s.emitCompliance(ctx, action, out, string(d.Outcome))
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementDecision(string(d.Outcome), d.Automatic)
	s.logger.InfoContext(ctx, "approval decided",
		"approval_id", approvalID,
		"subject", out.Subject(),
		"stage", stage,
		"outcome", d.Outcome,
		"automatic", d.Automatic,
	)
	if created && payment != nil && s.payments != nil {
		s.payments.NotifyCommitted(ctx, payment)
	}
	return out, nil
}

// checkDecidable rejects decisions on closed requests and human decisions
// before the request reaches AWAITING_APPROVAL. A closed approval of a
// milestone reports the milestone as already completed.
func checkDecidable(r *models.Request, d id.Decision, stage models.Stage) error {
	if !r.IsOpen() {
		if r.SubjectKind == models.SubjectMilestone && r.Decision != nil && r.Decision.Outcome == id.OutcomeApproved {
			var paymentID id.PaymentID
			if r.PaymentID != nil {
				paymentID = *r.PaymentID
			}
			return &id.AlreadyCompletedError{MilestoneID: r.MilestoneID(), PaymentID: paymentID}
		}
		return &id.InvalidStateError{Entity: "approval request", From: string(r.Stage), Action: "decide"}
	}
	if !d.Automatic && r.Stage != models.StageAwaitingApproval {
		return &id.InvalidStateError{Entity: "approval request", From: string(r.Stage), Action: "decide"}
	}
	if !r.Stage.CanTransitionTo(stage) {
		return &id.InvalidStateError{Entity: "approval request", From: string(r.Stage), Action: "move to " + string(stage)}
	}
	return nil
}

func (s *Service) emitCompliance(ctx context.Context, action audit.AuditEvent, r *models.Request, decision string) error {
	if s.compliance == nil {
		return nil
	}
	err := s.compliance.Emit(ctx, audit.ComplianceEvent{
		Timestamp:  requestcontext.Now(ctx),
		ContractID: r.ContractID,
		Subject:    r.Subject(),
		Action:     action,
		Decision:   decision,
		Amount:     r.Amount,
		RequestID:  requestcontext.RequestID(ctx),
		ActorID:    requestcontext.ActorID(ctx).String(),
		ActorRole:  string(requestcontext.ActorRole(ctx)),
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
	}
	return nil
}

func (s *Service) emit(ctx context.Context, action audit.AuditEvent, r *models.Request, reason string) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.Emit(ctx, audit.Event{
		Category:   action.Category(),
		Timestamp:  requestcontext.Now(ctx),
		ContractID: r.ContractID,
		Subject:    r.Subject(),
		Action:     string(action),
		Reason:     reason,
		RequestID:  requestcontext.RequestID(ctx),
		ActorID:    requestcontext.ActorID(ctx).String(),
		ActorRole:  string(requestcontext.ActorRole(ctx)),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit emit failed",
			"action", action,
			"approval_id", r.ID,
			"error", err,
		)
	}
}
