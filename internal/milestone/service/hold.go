package service

import (
	"context"
	"strings"

	confirmmodels "escrow/internal/confirm/models"
	confirmsvc "escrow/internal/confirm/service"
	"escrow/internal/milestone/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/audit"
	"escrow/pkg/requestcontext"
)

// ProposeFlag stages a blocking hold on an instance. Either party or an admin
// may flag; the hold takes effect only when the proposal is committed.
func (s *Service) ProposeFlag(ctx context.Context, milestoneID id.MilestoneID, reason string) (*confirmmodels.Proposal, error) {
	if s.proposer == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "two-phase commands are not configured")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "a reason is required")
	}
	m, err := s.find(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if err := checkHoldable(m); err != nil {
		return nil, err
	}
	c, err := s.contracts.Get(ctx, m.ContractID)
	if err != nil {
		return nil, err
	}
	if requestcontext.ActorRole(ctx) != id.RoleAdmin {
		if _, ok := c.RoleOf(requestcontext.ActorID(ctx)); !ok {
			return nil, dErrors.New(dErrors.CodeForbidden, "not a party to this contract")
		}
	}
	return s.proposer.Propose(ctx, confirmsvc.ProposeRequest{
		Action:     confirmmodels.ActionMilestoneFlag,
		Subject:    milestoneID.String(),
		ContractID: m.ContractID,
		Required: []string{
			"hold_milestone:" + milestoneID.String(),
			"approval_blocked_until_cleared",
		},
		Payload: map[string]string{"reason": reason},
	})
}

// CommitFlag applies a committed flag proposal.
func (s *Service) CommitFlag(ctx context.Context, p *confirmmodels.Proposal) (any, error) {
	milestoneID, err := id.ParseMilestoneID(p.Subject)
	if err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	m, err := s.store.Execute(ctx, milestoneID,
		checkHoldable,
		func(m *models.Instance) {
			m.Hold = &models.Hold{
				Reason:     p.Payload["reason"],
				RaisedBy:   p.ProposedBy,
				RaisedAt:   now,
				ProposalID: p.ID,
			}
			m.UpdatedAt = now
		})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	s.metrics.IncrementHold("raised")
	s.emit(ctx, audit.EventHoldRaised, m.ContractID, subject(milestoneID), m.Hold.Reason)
	s.logger.WarnContext(ctx, "milestone hold raised",
		"milestone_id", milestoneID,
		"raised_by", p.ProposedBy,
		"proposal_id", p.ID,
	)
	return m, nil
}

// ClearHold lifts a hold. Only the party that raised it or an admin may clear it.
func (s *Service) ClearHold(ctx context.Context, milestoneID id.MilestoneID) (*models.Instance, error) {
	actor, role := requestcontext.ActorID(ctx), requestcontext.ActorRole(ctx)
	now := requestcontext.Now(ctx)
	var reason string
	m, err := s.store.Execute(ctx, milestoneID,
		func(m *models.Instance) error {
			if m.Hold == nil {
				return &id.InvalidStateError{Entity: "milestone", From: "not_held", Action: "clear hold on"}
			}
			if role != id.RoleAdmin && actor != m.Hold.RaisedBy {
				return dErrors.New(dErrors.CodeForbidden, "only the raiser or an admin may clear a hold")
			}
			return nil
		},
		func(m *models.Instance) {
			reason = m.Hold.Reason
			m.Hold = nil
			m.UpdatedAt = now
		})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	s.metrics.IncrementHold("cleared")
	s.emit(ctx, audit.EventHoldCleared, m.ContractID, subject(milestoneID), reason)
	return m, nil
}

func checkHoldable(m *models.Instance) error {
	if m.Status.IsTerminal() {
		return &id.InvalidStateError{Entity: "milestone", From: string(m.Status), Action: "flag"}
	}
	if m.Hold != nil {
		return &id.InvalidStateError{Entity: "milestone", From: "on_hold", Action: "flag"}
	}
	return nil
}
