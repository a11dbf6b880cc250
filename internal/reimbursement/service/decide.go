package service

import (
	"context"
	"errors"

	approvalmodels "escrow/internal/approval/models"
	ledgermodels "escrow/internal/ledger/models"
	ledgersvc "escrow/internal/ledger/service"
	"escrow/internal/reimbursement/calculator"
	"escrow/internal/reimbursement/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/audit"
	"escrow/pkg/requestcontext"
)

// errAlreadyApplied marks a decision the claim already carries.
var errAlreadyApplied = errors.New("decision already applied")

// ApplyDecision folds a closed approval request into its claim. Approval
// appends the reimbursement payment with the caps re-checked under the account
// lock. It joins the caller's transaction and leaves observer notification to
// the caller.
func (s *Service) ApplyDecision(ctx context.Context, req *approvalmodels.Request, d id.Decision) (*ledgermodels.Payment, bool, error) {
	if req.SubjectKind != approvalmodels.SubjectReimbursement {
		return nil, false, dErrors.Newf(dErrors.CodeInternal, "reimbursement service cannot decide %s requests", req.SubjectKind)
	}
	target, err := targetFor(d.Outcome)
	if err != nil {
		return nil, false, err
	}
	reimbursementID := req.ReimbursementID()
	if target != models.StatusApproved {
		_, err := s.close(ctx, reimbursementID, d, target)
		return nil, false, err
	}

	current, err := s.find(ctx, reimbursementID)
	if err != nil {
		return nil, false, err
	}
	c, err := s.contracts.Get(ctx, current.ContractID)
	if err != nil {
		return nil, false, err
	}
	limit, capped := c.Terms.CapFor(current.Category)
	now := requestcontext.Now(ctx)

	var (
		p       *ledgermodels.Payment
		created bool
	)
	updated, err := s.store.Execute(ctx, reimbursementID,
		func(r *models.Request) error {
			if err := checkDecidable(r, d, models.StatusApproved); err != nil {
				return err
			}
			disburse := ledgersvc.DisburseRequest{
				ContractID:      r.ContractID,
				Type:            ledgermodels.TypeReimbursement,
				Category:        r.Category,
				Amount:          r.Amount,
				Payer:           c.IntendedParty,
				Payee:           c.FulfillingParty,
				ReimbursementID: &r.ID,
				IdempotencyKey:  "reimbursement:" + r.ID.String(),
			}
			if capped {
				disburse.Guard = func(a *ledgermodels.Account) error {
					return calculator.CheckCap(r.Category, limit, usage(a, r.Category, now), r.Amount)
				}
			}
			var err error
			p, created, err = s.ledger.Disburse(ctx, disburse)
			return err
		},
		func(r *models.Request) {
			r.Status = models.StatusApproved
			r.PaymentID = &p.ID
			r.DecisionID = d.ApprovalID.String()
			r.UpdatedAt = now
		})
	if errors.Is(err, errAlreadyApplied) {
		again, err := s.find(ctx, reimbursementID)
		if err != nil {
			return nil, false, err
		}
		if again.PaymentID == nil {
			return nil, false, nil
		}
		return &ledgermodels.Payment{ID: *again.PaymentID, ContractID: again.ContractID}, false, nil
	}
	if err != nil {
		s.recordCapReject(err)
		return nil, false, wrapStoreErr(err)
	}
	if err := s.emitCompliance(ctx, audit.EventReimbursementApproved, updated, string(d.Outcome), updated.Amount); err != nil {
		return nil, false, err
	}
	s.metrics.IncrementTransition(string(models.StatusApproved))
	s.logger.InfoContext(ctx, "reimbursement approved",
		"request_id", requestcontext.RequestID(ctx),
		"reimbursement_id", updated.ID,
		"contract_id", updated.ContractID,
		"payment_id", p.ID,
		"amount", updated.Amount.String(),
		"automatic", d.Automatic,
	)
	return p, created, nil
}

// close applies a denied or needs-info decision.
func (s *Service) close(ctx context.Context, reimbursementID id.ReimbursementID, d id.Decision, target models.Status) (*models.Request, error) {
	now := requestcontext.Now(ctx)
	updated, err := s.store.Execute(ctx, reimbursementID,
		func(r *models.Request) error { return checkDecidable(r, d, target) },
		func(r *models.Request) {
			r.Status = target
			r.UpdatedAt = now
			if target == models.StatusDenied {
				r.DenialReason = d.Reason
				r.DecisionID = d.ApprovalID.String()
			}
		})
	if errors.Is(err, errAlreadyApplied) {
		return s.find(ctx, reimbursementID)
	}
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	s.metrics.IncrementTransition(string(target))
	if target == models.StatusDenied {
		if err := s.emitCompliance(ctx, audit.EventReimbursementDenied, updated, string(d.Outcome), 0); err != nil {
			return nil, err
		}
	} else {
		s.emit(ctx, audit.EventReimbursementInfoRequested, updated, d.Reason)
	}
	return updated, nil
}

func targetFor(outcome id.Outcome) (models.Status, error) {
	switch outcome {
	case id.OutcomeApproved:
		return models.StatusApproved, nil
	case id.OutcomeDenied:
		return models.StatusDenied, nil
	case id.OutcomeNeedsInfo:
		return models.StatusNeedsInfo, nil
	}
	return "", dErrors.Newf(dErrors.CodeValidation, "unknown outcome %q", outcome)
}

// checkDecidable validates that decision d may move r to target. It returns
// errAlreadyApplied when r already carries d.
func checkDecidable(r *models.Request, d id.Decision, target models.Status) error {
	if r.Status.IsTerminal() && r.DecisionID == d.ApprovalID.String() && r.Status == target {
		return errAlreadyApplied
	}
	if !r.Status.CanTransitionTo(target) {
		return &id.InvalidStateError{Entity: "reimbursement", From: string(r.Status), Action: "move to " + string(target)}
	}
	if r.ApprovalID != nil && *r.ApprovalID != d.ApprovalID {
		return dErrors.New(dErrors.CodeConflict, "decision does not belong to the open approval request")
	}
	return nil
}
