package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrow/internal/approval/models"
	"escrow/internal/approval/verifier"
	"escrow/internal/notify"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/audit"
	"escrow/pkg/platform/sentinel"
	"escrow/pkg/requestcontext"
)

// Open starts a pipeline for a subject. A subject has at most one open request.
func (s *Service) Open(ctx context.Context, req models.OpenRequest) (*models.Request, error) {
	if _, err := s.handler(req.SubjectKind); err != nil {
		return nil, err
	}
	r, err := models.NewRequest(req.ID, req.SubjectKind, req.SubjectID, req.ContractID, req.Pipeline, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}
	r.Category = req.Category
	r.Amount = req.Amount
	r.Evidence = append([]string(nil), req.Evidence...)
	r.ClauseRef = req.ClauseRef
	if err := s.store.Create(ctx, r); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "subject already has an open approval request")
		}
		return nil, wrapStoreErr(err)
	}
	s.metrics.IncrementOpened(string(r.Pipeline))
	return r, nil
}

// Process runs the automatic part of a request's pipeline: verification or the
// status check, then the rules. Requests past their entry stage are returned
// unchanged. Anything the rules cannot approve waits for a human.
func (s *Service) Process(ctx context.Context, approvalID id.ApprovalID) (*models.Request, error) {
	ctx, span := s.tracer.Start(ctx, "approval.Process", trace.WithAttributes(
		attribute.String("approval_id", approvalID.String()),
	))
	defer span.End()

	r, err := s.find(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	entry := r.Stage
	if !r.IsOpen() || (entry != models.StageSubmitted && entry != models.StageScheduled) {
		return r, nil
	}

	in := Input{Pipeline: r.Pipeline}
	var steps []models.Stage
	switch r.Pipeline {
	case models.PipelineTriggered:
		c, err := s.contracts.Get(ctx, r.ContractID)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		in.AutoApprove = c.Terms.AutoApprove
		v := s.verify(ctx, r)
		in.Verification = &v
		steps = []models.Stage{models.StageAIVerified}
	case models.PipelineScheduled:
		check, err := s.contracts.CheckStatus(ctx, r.ContractID)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		in.StatusCheck = &check
		steps = []models.Stage{models.StageDue}
		if check.Active {
			steps = append(steps, models.StageAutoVerified)
		}
	}

	eval, decided := Evaluate(in)
	now := requestcontext.Now(ctx)
	r, err = s.store.Execute(ctx, approvalID,
		func(r *models.Request) error {
			if !r.IsOpen() || r.Stage != entry {
				return &id.InvalidStateError{Entity: "approval request", From: string(r.Stage), Action: "process"}
			}
			return nil
		},
		func(r *models.Request) {
			r.Verification = in.Verification
			for _, step := range steps {
				_ = r.Advance(step, now, stepNote(step, in))
			}
			if !decided {
				_ = r.Advance(models.StageAwaitingApproval, now, eval.Reason)
			}
		})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if !decided {
		s.awaiting(ctx, r, eval.Reason)
		return r, nil
	}

	d := id.Decision{
		ApprovalID: r.ID,
		Outcome:    eval.Outcome,
		Reason:     eval.Reason,
		Automatic:  true,
		DecidedAt:  now,
	}
	out, err := s.decide(ctx, r.ID, d, models.StageFor(d.Outcome), audit.EventApprovalDecided)
	if err == nil {
		return out, nil
	}
	s.logger.WarnContext(ctx, "automatic approval failed, routing to human review",
		"approval_id", r.ID,
		"subject", r.Subject(),
		"error", err,
	)
	s.metrics.IncrementFallback()
	reason := "automatic approval failed: " + err.Error()
	r, ferr := s.store.Execute(ctx, approvalID,
		func(r *models.Request) error {
			if !r.IsOpen() || !r.Stage.CanTransitionTo(models.StageAwaitingApproval) {
				return &id.InvalidStateError{Entity: "approval request", From: string(r.Stage), Action: "route to review"}
			}
			return nil
		},
		func(r *models.Request) {
			_ = r.Advance(models.StageAwaitingApproval, requestcontext.Now(ctx), reason)
		})
	if ferr != nil {
		span.SetStatus(codes.Error, ferr.Error())
		return nil, wrapStoreErr(ferr)
	}
	s.awaiting(ctx, r, reason)
	return r, nil
}

// verify calls the external verifier. A failure is recorded as an unavailable
// verdict rather than returned.
func (s *Service) verify(ctx context.Context, r *models.Request) models.Verification {
	now := requestcontext.Now(ctx)
	if s.verifier == nil {
		s.metrics.IncrementVerification(string(models.VerificationUnavailable))
		return models.Verification{Status: models.VerificationUnavailable, Notes: "no verifier configured", CheckedAt: now}
	}
	ctx, span := s.tracer.Start(ctx, "approval.Verify")
	defer span.End()

	start := time.Now()
	v, err := s.verifier.Verify(ctx, verifier.Request{
		ApprovalID: r.ID,
		ContractID: r.ContractID,
		Category:   r.Category,
		ClauseRef:  r.ClauseRef,
		Evidence:   r.Evidence,
		Amount:     r.Amount,
	})
	s.metrics.ObserveVerification(start)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		attempts := 0
		var unavailable *id.VerificationUnavailableError
		if errors.As(err, &unavailable) {
			attempts = unavailable.Attempts
		}
		s.metrics.IncrementVerification(string(models.VerificationUnavailable))
		s.emit(ctx, audit.EventVerificationUnavailable, r, err.Error())
		s.logger.WarnContext(ctx, "evidence verification unavailable",
			"approval_id", r.ID,
			"attempts", attempts,
			"error", err,
		)
		return models.Verification{
			Status:    models.VerificationUnavailable,
			Notes:     err.Error(),
			Attempts:  attempts,
			CheckedAt: now,
		}
	}
	if v.CheckedAt.IsZero() {
		v.CheckedAt = now
	}
	s.metrics.IncrementVerification(string(v.Status))
	s.emit(ctx, audit.EventVerificationRecorded, r, string(v.Status))
	return v
}

func stepNote(step models.Stage, in Input) string {
	switch {
	case step == models.StageAIVerified && in.Verification != nil:
		return "verifier: " + string(in.Verification.Status)
	case step == models.StageDue:
		return "payment due"
	case step == models.StageAutoVerified:
		return "status check passed"
	}
	return ""
}

// awaiting notifies the intended party that a request needs a decision.
func (s *Service) awaiting(ctx context.Context, r *models.Request, reason string) {
	if s.sink == nil {
		return
	}
	e := notify.NewEvent(notify.MilestoneAwaitingApproval, r.ContractID, r.ID.String(),
		string(r.SubjectKind)+" awaiting approval: "+reason, requestcontext.Now(ctx)).WithAmount(r.Amount)
	if err := s.sink.Notify(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "awaiting-approval notification failed",
			"approval_id", r.ID,
			"error", err,
		)
	}
}
