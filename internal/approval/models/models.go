package models

import (
	"slices"
	"time"

	"github.com/google/uuid"

	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
)

// Pipeline selects the stage graph a request walks.
type Pipeline string

const (
	// PipelineTriggered is the evidence-based pipeline with external verification.
	PipelineTriggered Pipeline = "triggered"
	// PipelineScheduled is the recurring pipeline with an automatic status check.
	PipelineScheduled Pipeline = "scheduled"
)

type Stage string

const (
	StageSubmitted        Stage = "SUBMITTED"
	StageAIVerified       Stage = "AI_VERIFIED"
	StageAwaitingApproval Stage = "AWAITING_APPROVAL"
	StageScheduled        Stage = "SCHEDULED"
	StageDue              Stage = "DUE"
	StageAutoVerified     Stage = "AUTO_VERIFIED"
	StageApproved         Stage = "APPROVED"
	StageDenied           Stage = "DENIED"
	StageNeedsInfo        Stage = "NEEDS_INFO"
	StageCancelled        Stage = "CANCELLED"
)

var stageEdges = map[Stage][]Stage{
	StageSubmitted:        {StageAIVerified},
	StageAIVerified:       {StageAwaitingApproval, StageApproved},
	StageScheduled:        {StageDue},
	StageDue:              {StageAutoVerified, StageAwaitingApproval},
	StageAutoVerified:     {StageApproved, StageAwaitingApproval},
	StageAwaitingApproval: {StageApproved, StageDenied, StageNeedsInfo, StageCancelled},
}

// IsTerminal reports whether the request is closed at this stage. NEEDS_INFO
// and CANCELLED close the request; resubmission opens a new one.
func (s Stage) IsTerminal() bool {
	return s == StageApproved || s == StageDenied || s == StageNeedsInfo || s == StageCancelled
}

func (s Stage) CanTransitionTo(target Stage) bool {
	return slices.Contains(stageEdges[s], target)
}

// StageFor maps a decision outcome to the stage it closes a request in.
func StageFor(o id.Outcome) Stage {
	switch o {
	case id.OutcomeApproved:
		return StageApproved
	case id.OutcomeDenied:
		return StageDenied
	default:
		return StageNeedsInfo
	}
}

// SubjectKind names what an approval request decides on.
type SubjectKind string

const (
	SubjectMilestone     SubjectKind = "milestone"
	SubjectReimbursement SubjectKind = "reimbursement"
)

// VerificationStatus is the evidence verifier's verdict.
type VerificationStatus string

const (
	VerificationVerified     VerificationStatus = "verified"
	VerificationReviewNeeded VerificationStatus = "review_needed"
	VerificationFlagged      VerificationStatus = "flagged"
	// VerificationUnavailable records that no verdict was obtained.
	VerificationUnavailable VerificationStatus = "unavailable"
)

func (v VerificationStatus) IsValid() bool {
	switch v {
	case VerificationVerified, VerificationReviewNeeded, VerificationFlagged, VerificationUnavailable:
		return true
	}
	return false
}

type Verification struct {
	Status    VerificationStatus `json:"status"`
	Notes     string             `json:"notes,omitempty"`
	Attempts  int                `json:"attempts"`
	CheckedAt time.Time          `json:"checked_at"`
}

// Transition is one entry in a request's stage history.
type Transition struct {
	From Stage     `json:"from,omitempty"`
	To   Stage     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Request tracks one pass of a milestone or reimbursement through a pipeline.
type Request struct {
	ID           id.ApprovalID `json:"id"`
	SubjectKind  SubjectKind   `json:"subject_kind"`
	SubjectID    uuid.UUID     `json:"subject_id"`
	ContractID   id.ContractID `json:"contract_id"`
	Pipeline     Pipeline      `json:"pipeline"`
	Stage        Stage         `json:"stage"`
	Category     id.Category   `json:"category"`
	Amount       id.Money      `json:"amount"`
	Evidence     []string      `json:"evidence"`
	ClauseRef    string        `json:"clause_ref,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
	Decision     *id.Decision  `json:"decision,omitempty"`
	PaymentID    *id.PaymentID `json:"payment_id,omitempty"`
	History      []Transition  `json:"history"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ClosedAt     *time.Time    `json:"closed_at,omitempty"`
}

// NewRequest builds a request at its pipeline's entry stage.
func NewRequest(approvalID id.ApprovalID, kind SubjectKind, subject uuid.UUID, contractID id.ContractID,
	pipeline Pipeline, now time.Time,
) (*Request, error) {
	if kind != SubjectMilestone && kind != SubjectReimbursement {
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown subject kind %q", kind)
	}
	if subject == uuid.Nil || contractID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "subject and contract are required")
	}
	entry := StageSubmitted
	switch pipeline {
	case PipelineTriggered:
	case PipelineScheduled:
		entry = StageScheduled
	default:
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown pipeline %q", pipeline)
	}
	if approvalID.IsNil() {
		approvalID = id.ApprovalID(uuid.New())
	}
	return &Request{
		ID:          approvalID,
		SubjectKind: kind,
		SubjectID:   subject,
		ContractID:  contractID,
		Pipeline:    pipeline,
		Stage:       entry,
		History:     []Transition{{To: entry, At: now}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// IsOpen reports whether a decision can still be taken.
func (r *Request) IsOpen() bool {
	return r.ClosedAt == nil
}

// Advance moves the request along one edge of its stage graph and closes it
// when the target is terminal.
func (r *Request) Advance(to Stage, at time.Time, note string) error {
	if !r.IsOpen() || !r.Stage.CanTransitionTo(to) {
		return &id.InvalidStateError{Entity: "approval request", From: string(r.Stage), Action: "move to " + string(to)}
	}
	r.History = append(r.History, Transition{From: r.Stage, To: to, At: at, Note: note})
	r.Stage = to
	r.UpdatedAt = at
	if to.IsTerminal() {
		r.ClosedAt = &at
	}
	return nil
}

// MilestoneID returns the subject as a milestone ID.
func (r *Request) MilestoneID() id.MilestoneID { return id.MilestoneID(r.SubjectID) }

// ReimbursementID returns the subject as a reimbursement ID.
func (r *Request) ReimbursementID() id.ReimbursementID { return id.ReimbursementID(r.SubjectID) }

// Subject is the audit and notification subject for the request's owner.
func (r *Request) Subject() string {
	return string(r.SubjectKind) + ":" + r.SubjectID.String()
}

// OpenRequest asks the engine to start a pipeline for a subject. ID may be set
// by the owner so it can record the request in the same transaction.
type OpenRequest struct {
	ID          id.ApprovalID
	SubjectKind SubjectKind
	SubjectID   uuid.UUID
	ContractID  id.ContractID
	Pipeline    Pipeline
	Category    id.Category
	Amount      id.Money
	Evidence    []string
	ClauseRef   string
}
