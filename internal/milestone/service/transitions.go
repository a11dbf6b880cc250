package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	approvalmodels "escrow/internal/approval/models"
	ledgermodels "escrow/internal/ledger/models"
	ledgersvc "escrow/internal/ledger/service"
	"escrow/internal/milestone/catalog"
	"escrow/internal/milestone/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/audit"
	"escrow/pkg/platform/strings"
	"escrow/pkg/requestcontext"
)

// errAlreadyApplied marks a decision the instance already carries.
var errAlreadyApplied = errors.New("decision already applied")

// SubmitEvidence records evidence for a pending or needs-info instance, moves
// it to in progress and opens an approval request for it. The pipeline runs
// after the transition commits; the returned instance reflects its outcome.
func (s *Service) SubmitEvidence(ctx context.Context, milestoneID id.MilestoneID, documents []string, notes string) (*models.Instance, error) {
	if s.approvals == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "approval engine is not configured")
	}
	documents = strings.DedupeAndTrim(documents)
	if len(documents) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one evidence document is required")
	}
	current, err := s.find(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	c, err := s.contracts.Get(ctx, current.ContractID)
	if err != nil {
		return nil, err
	}
	if requestcontext.ActorRole(ctx) != id.RoleAdmin && requestcontext.ActorID(ctx) != c.FulfillingParty {
		return nil, dErrors.New(dErrors.CodeForbidden, "only the fulfilling party or an admin may submit evidence")
	}
	def, _ := s.catalog.Lookup(current.DefinitionCode)
	if current.Status == models.StatusPending && len(documents) < len(def.RequiredEvidence) {
		return nil, dErrors.Newf(dErrors.CodeValidation, "%d evidence documents required", len(def.RequiredEvidence)).
			WithDetail("required", def.RequiredEvidence)
	}

	approvalID := id.ApprovalID(uuid.New())
	now := requestcontext.Now(ctx)
	var updated *models.Instance
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.store.Execute(ctx, milestoneID,
			func(m *models.Instance) error {
				if !m.Status.AcceptsEvidence() {
					return &id.InvalidStateError{Entity: "milestone", From: string(m.Status), Action: "submit evidence for"}
				}
				return nil
			},
			func(m *models.Instance) {
				m.Status = models.StatusInProgress
				m.Evidence = strings.DedupeAndTrim(append(m.Evidence, documents...))
				m.Notes = notes
				m.OpenApprovalID = &approvalID
				m.UpdatedAt = now
			})
		if err != nil {
			return wrapStoreErr(err)
		}
		_, err = s.approvals.Open(ctx, approvalmodels.OpenRequest{
			ID:          approvalID,
			SubjectKind: approvalmodels.SubjectMilestone,
			SubjectID:   uuid.UUID(milestoneID),
			ContractID:  updated.ContractID,
			Pipeline:    approvalmodels.PipelineTriggered,
			Category:    updated.Category,
			Amount:      updated.Amount,
			Evidence:    updated.Evidence,
			ClauseRef:   def.ClauseRef,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementTransition(string(models.StatusInProgress))
	s.emit(ctx, audit.EventEvidenceSubmitted, updated.ContractID, subject(milestoneID), "")
	s.logger.InfoContext(ctx, "evidence submitted",
		"request_id", requestcontext.RequestID(ctx),
		"milestone_id", milestoneID,
		"approval_id", approvalID,
		"documents", len(documents),
	)
	return s.process(ctx, milestoneID, approvalID, updated)
}

// Trigger starts the scheduled pipeline for a due instance. Admins may trigger
// an instance before its due date.
func (s *Service) Trigger(ctx context.Context, milestoneID id.MilestoneID) (*models.Instance, error) {
	return s.trigger(ctx, milestoneID, requestcontext.Now(ctx))
}

func (s *Service) trigger(ctx context.Context, milestoneID id.MilestoneID, asOf time.Time) (*models.Instance, error) {
	if s.approvals == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "approval engine is not configured")
	}
	early := requestcontext.ActorRole(ctx) == id.RoleAdmin
	approvalID := id.ApprovalID(uuid.New())
	now := requestcontext.Now(ctx)
	var updated *models.Instance
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.store.Execute(ctx, milestoneID,
			func(m *models.Instance) error {
				if m.Trigger != catalog.TriggerScheduled {
					return dErrors.New(dErrors.CodeValidation, "only scheduled milestones are triggered by date")
				}
				if m.Status != models.StatusPending {
					return &id.InvalidStateError{Entity: "milestone", From: string(m.Status), Action: "trigger"}
				}
				if !early && !m.IsDue(asOf) {
					return &id.InvalidStateError{Entity: "milestone", From: "not_due", Action: "trigger"}
				}
				return nil
			},
			func(m *models.Instance) {
				m.Status = models.StatusInProgress
				m.OpenApprovalID = &approvalID
				m.UpdatedAt = now
			})
		if err != nil {
			return wrapStoreErr(err)
		}
		def, _ := s.catalog.Lookup(updated.DefinitionCode)
		_, err = s.approvals.Open(ctx, approvalmodels.OpenRequest{
			ID:          approvalID,
			SubjectKind: approvalmodels.SubjectMilestone,
			SubjectID:   uuid.UUID(milestoneID),
			ContractID:  updated.ContractID,
			Pipeline:    approvalmodels.PipelineScheduled,
			Category:    updated.Category,
			Amount:      updated.Amount,
			ClauseRef:   def.ClauseRef,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementTransition(string(models.StatusInProgress))
	return s.process(ctx, milestoneID, approvalID, updated)
}

// process runs the approval pipeline after the opening transition committed. A
// pipeline failure leaves the request open and is logged; the instance is
// returned as stored.
func (s *Service) process(ctx context.Context, milestoneID id.MilestoneID, approvalID id.ApprovalID, fallback *models.Instance) (*models.Instance, error) {
	if _, err := s.approvals.Process(ctx, approvalID); err != nil {
		s.logger.ErrorContext(ctx, "approval pipeline failed",
			"milestone_id", milestoneID,
			"approval_id", approvalID,
			"error", err,
		)
		return fallback, nil
	}
	m, err := s.find(ctx, milestoneID)
	if err != nil {
		return fallback, nil
	}
	return m, nil
}

// RunDue triggers every scheduled instance due at asOf, in processing order.
// Failures are logged per instance and do not stop the pass.
func (s *Service) RunDue(ctx context.Context, asOf time.Time) (int, error) {
	due, err := s.DuePending(ctx, asOf)
	if err != nil {
		return 0, err
	}
	triggered := 0
	for _, m := range due {
		if err := ctx.Err(); err != nil {
			return triggered, err
		}
		if _, err := s.trigger(ctx, m.ID, asOf); err != nil {
			s.metrics.IncrementDueRun("error")
			s.logger.ErrorContext(ctx, "scheduled milestone trigger failed",
				"milestone_id", m.ID,
				"contract_id", m.ContractID,
				"error", err,
			)
			continue
		}
		s.metrics.IncrementDueRun("triggered")
		triggered++
	}
	return triggered, nil
}

// Complete applies an approved decision: it appends the milestone payment and
// marks the instance completed. Applying the same decision again returns the
// completed instance without a second payment; any other decision on a
// completed instance fails with AlreadyCompletedError.
func (s *Service) Complete(ctx context.Context, milestoneID id.MilestoneID, d id.Decision) (*models.Instance, error) {
	var (
		m       *models.Instance
		p       *ledgermodels.Payment
		created bool
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		m, p, created, err = s.complete(ctx, milestoneID, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.ledger.NotifyCommitted(ctx, p)
	}
	return m, nil
}

func (s *Service) complete(ctx context.Context, milestoneID id.MilestoneID, d id.Decision) (*models.Instance, *ledgermodels.Payment, bool, error) {
	if d.Outcome != id.OutcomeApproved {
		return nil, nil, false, dErrors.New(dErrors.CodeValidation, "completion requires an approved decision")
	}
	if d.ApprovalID.IsNil() {
		return nil, nil, false, dErrors.New(dErrors.CodeValidation, "decision has no approval reference")
	}
	current, err := s.find(ctx, milestoneID)
	if err != nil {
		return nil, nil, false, err
	}
	c, err := s.contracts.Get(ctx, current.ContractID)
	if err != nil {
		return nil, nil, false, err
	}

	var (
		p       *ledgermodels.Payment
		created bool
	)
	now := requestcontext.Now(ctx)
	updated, err := s.store.Execute(ctx, milestoneID,
		func(m *models.Instance) error {
			if err := checkDecidable(m, d, models.StatusCompleted); err != nil {
				return err
			}
			// The payment is appended under the instance lock so no other
			// writer can move the instance between the two.
			var err error
			p, created, err = s.ledger.Disburse(ctx, ledgersvc.DisburseRequest{
				ContractID:     m.ContractID,
				Type:           ledgermodels.TypeMilestone,
				Category:       m.Category,
				Amount:         m.Amount,
				Payer:          c.IntendedParty,
				Payee:          c.FulfillingParty,
				MilestoneID:    &m.ID,
				IdempotencyKey: "milestone:" + m.ID.String(),
			})
			return err
		},
		func(m *models.Instance) {
			m.Status = models.StatusCompleted
			m.CompletedAt = &now
			m.PaymentID = &p.ID
			m.DecisionID = d.ApprovalID.String()
			m.CompletionNotes = d.Reason
			m.OpenApprovalID = nil
			m.UpdatedAt = now
		})
	if errors.Is(err, errAlreadyApplied) {
		again, err := s.find(ctx, milestoneID)
		return again, p, created, err
	}
	if err != nil {
		return nil, nil, false, wrapStoreErr(err)
	}
	if err := s.emitCompliance(ctx, audit.EventMilestoneCompleted, updated, string(d.Outcome), updated.Amount); err != nil {
		return nil, nil, false, err
	}
	s.metrics.IncrementTransition(string(models.StatusCompleted))
	s.logger.InfoContext(ctx, "milestone completed",
		"request_id", requestcontext.RequestID(ctx),
		"milestone_id", updated.ID,
		"contract_id", updated.ContractID,
		"payment_id", p.ID,
		"amount", updated.Amount.String(),
		"automatic", d.Automatic,
	)
	return updated, p, created, nil
}

// Deny closes an in-progress instance without payment.
func (s *Service) Deny(ctx context.Context, milestoneID id.MilestoneID, d id.Decision) (*models.Instance, error) {
	if d.Outcome != id.OutcomeDenied {
		return nil, dErrors.New(dErrors.CodeValidation, "denial requires a denied decision")
	}
	return s.closeInTx(ctx, milestoneID, d)
}

// RequestInfo sends an in-progress instance back for more evidence.
func (s *Service) RequestInfo(ctx context.Context, milestoneID id.MilestoneID, d id.Decision) (*models.Instance, error) {
	if d.Outcome != id.OutcomeNeedsInfo {
		return nil, dErrors.New(dErrors.CodeValidation, "an information request requires a needs-info decision")
	}
	return s.closeInTx(ctx, milestoneID, d)
}

func (s *Service) closeInTx(ctx context.Context, milestoneID id.MilestoneID, d id.Decision) (*models.Instance, error) {
	var m *models.Instance
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		m, err = s.close(ctx, milestoneID, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// close applies a denied or needs-info decision.
func (s *Service) close(ctx context.Context, milestoneID id.MilestoneID, d id.Decision) (*models.Instance, error) {
	target := models.StatusDenied
	switch d.Outcome {
	case id.OutcomeDenied:
	case id.OutcomeNeedsInfo:
		target = models.StatusNeedsInfo
	default:
		return nil, dErrors.New(dErrors.CodeValidation, "expected a denied or needs-info decision")
	}
	now := requestcontext.Now(ctx)
	updated, err := s.store.Execute(ctx, milestoneID,
		func(m *models.Instance) error { return checkDecidable(m, d, target) },
		func(m *models.Instance) {
			m.Status = target
			m.OpenApprovalID = nil
			m.UpdatedAt = now
			if target == models.StatusDenied {
				m.DenialReason = d.Reason
				m.DecisionID = d.ApprovalID.String()
			}
		})
	if errors.Is(err, errAlreadyApplied) {
		return s.find(ctx, milestoneID)
	}
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	s.metrics.IncrementTransition(string(target))
	if target == models.StatusDenied {
		if err := s.emitCompliance(ctx, audit.EventMilestoneDenied, updated, string(d.Outcome), 0); err != nil {
			return nil, err
		}
	} else {
		s.emit(ctx, audit.EventMilestoneInfoRequested, updated.ContractID, subject(milestoneID), d.Reason)
	}
	return updated, nil
}

// ApplyDecision folds a closed approval request into its milestone. It joins
// the caller's transaction and leaves observer notification to the caller.
func (s *Service) ApplyDecision(ctx context.Context, req *approvalmodels.Request, d id.Decision) (*ledgermodels.Payment, bool, error) {
	if req.SubjectKind != approvalmodels.SubjectMilestone {
		return nil, false, dErrors.Newf(dErrors.CodeInternal, "milestone tracker cannot decide %s requests", req.SubjectKind)
	}
	if d.Outcome == id.OutcomeApproved {
		m, p, created, err := s.complete(ctx, req.MilestoneID(), d)
		if err != nil {
			return nil, false, err
		}
		if p == nil && m.PaymentID != nil {
			// Already applied: report the existing payment by reference.
			p = &ledgermodels.Payment{ID: *m.PaymentID, ContractID: m.ContractID}
		}
		return p, created, nil
	}
	_, err := s.close(ctx, req.MilestoneID(), d)
	return nil, false, err
}

// checkDecidable validates that decision d may move m to target. It returns
// errAlreadyApplied when m already carries d.
func checkDecidable(m *models.Instance, d id.Decision, target models.Status) error {
	if m.Status.IsTerminal() {
		if m.DecisionID == d.ApprovalID.String() && m.Status == target {
			return errAlreadyApplied
		}
		if m.Status == models.StatusCompleted {
			var paymentID id.PaymentID
			if m.PaymentID != nil {
				paymentID = *m.PaymentID
			}
			return &id.AlreadyCompletedError{MilestoneID: m.ID, PaymentID: paymentID}
		}
	}
	if target == models.StatusCompleted && m.Hold != nil {
		return &id.InvalidStateError{Entity: "milestone", From: "on_hold", Action: "complete"}
	}
	if !m.Status.CanTransitionTo(target) {
		return &id.InvalidStateError{Entity: "milestone", From: string(m.Status), Action: "move to " + string(target)}
	}
	if m.OpenApprovalID != nil && *m.OpenApprovalID != d.ApprovalID {
		return dErrors.New(dErrors.CodeConflict, "decision does not belong to the open approval request")
	}
	return nil
}

func subject(milestoneID id.MilestoneID) string {
	return "milestone:" + milestoneID.String()
}
