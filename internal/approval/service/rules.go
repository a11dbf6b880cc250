package service

import (
	"escrow/internal/approval/models"
	contractmodels "escrow/internal/contract/models"
	id "escrow/pkg/domain"
)

// Input is everything the automatic rules look at.
type Input struct {
	Pipeline     models.Pipeline
	Verification *models.Verification
	StatusCheck  *contractmodels.StatusCheck
	AutoApprove  bool
}

// Evaluation is the rules' verdict. When decided is false the request goes to
// human review and Reason says why.
type Evaluation struct {
	Outcome id.Outcome
	Reason  string
}

// Evaluate applies the automatic approval rules. It never denies: anything it
// cannot approve is routed to a human.
func Evaluate(in Input) (Evaluation, bool) {
	switch in.Pipeline {
	case models.PipelineScheduled:
		if in.StatusCheck == nil {
			return Evaluation{Reason: "no status check recorded"}, false
		}
		if !in.StatusCheck.Active {
			return Evaluation{Reason: "status check failed: " + in.StatusCheck.Reason}, false
		}
		return Evaluation{Outcome: id.OutcomeApproved, Reason: "automatic status check passed"}, true
	case models.PipelineTriggered:
		v := in.Verification
		if v == nil {
			return Evaluation{Reason: "no verification recorded"}, false
		}
		switch v.Status {
		case models.VerificationVerified:
			if !in.AutoApprove {
				return Evaluation{Reason: "evidence verified, contract requires manual approval"}, false
			}
			return Evaluation{Outcome: id.OutcomeApproved, Reason: "evidence verified and contract auto-approves"}, true
		case models.VerificationFlagged:
			return Evaluation{Reason: withNotes("verifier flagged the evidence", v.Notes)}, false
		case models.VerificationReviewNeeded:
			return Evaluation{Reason: withNotes("verifier requested human review", v.Notes)}, false
		default:
			return Evaluation{Reason: "verifier unavailable"}, false
		}
	}
	return Evaluation{Reason: "unknown pipeline"}, false
}

func withNotes(reason, notes string) string {
	if notes == "" {
		return reason
	}
	return reason + ": " + notes
}
