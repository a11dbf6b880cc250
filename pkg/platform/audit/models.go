package audit

import (
	"context"
	"time"

	id "escrow/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with contractual or financial significance:
	// money movement, approvals, term confirmation. Written fail-closed.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers access-relevant events such as holds, overrides and
	// rejected actors.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine workflow activity.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category   EventCategory
	Timestamp  time.Time
	ContractID id.ContractID
	// Subject is the entity acted on (milestone, approval, payment ID).
	Subject  string
	Action   string
	Decision string
	Reason   string
	// Amount is set for money-moving events.
	Amount    id.Money
	RequestID string
	ActorID   string
	ActorRole string
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByContract(ctx context.Context, contractID id.ContractID) ([]Event, error)
}

type AuditEvent string

const (
	// Contract events
	EventContractRegistered AuditEvent = "contract_registered"
	EventContractConfirmed  AuditEvent = "contract_confirmed"
	EventContractOverridden AuditEvent = "contract_overridden"
	EventJourneyEnded       AuditEvent = "journey_ended"
	EventJourneyHeld        AuditEvent = "journey_held"

	// Milestone events
	EventMilestonesInstantiated AuditEvent = "milestones_instantiated"
	EventEvidenceSubmitted      AuditEvent = "evidence_submitted"
	EventMilestoneCompleted     AuditEvent = "milestone_completed"
	EventMilestoneDenied        AuditEvent = "milestone_denied"
	EventMilestoneInfoRequested AuditEvent = "milestone_info_requested"
	EventHoldRaised             AuditEvent = "hold_raised"
	EventHoldCleared            AuditEvent = "hold_cleared"

	// Approval events
	EventVerificationRecorded    AuditEvent = "verification_recorded"
	EventVerificationUnavailable AuditEvent = "verification_unavailable"
	EventApprovalDecided         AuditEvent = "approval_decided"
	EventApprovalCancelled       AuditEvent = "approval_cancelled"

	// Reimbursement events
	EventReimbursementSubmitted     AuditEvent = "reimbursement_submitted"
	EventReimbursementApproved      AuditEvent = "reimbursement_approved"
	EventReimbursementDenied        AuditEvent = "reimbursement_denied"
	EventReimbursementInfoRequested AuditEvent = "reimbursement_info_requested"

	// Ledger events
	EventDepositRecorded  AuditEvent = "deposit_recorded"
	EventPaymentDisbursed AuditEvent = "payment_disbursed"
	EventPaymentPaid      AuditEvent = "payment_paid"
	EventLedgerMismatch   AuditEvent = "ledger_mismatch"
)

// eventCategories maps each audit event to its category.
var eventCategories = map[AuditEvent]EventCategory{
	EventContractConfirmed:  CategoryCompliance,
	EventContractOverridden: CategoryCompliance,
	EventJourneyEnded:       CategoryCompliance,
	EventMilestoneCompleted: CategoryCompliance,
	EventMilestoneDenied:    CategoryCompliance,
	EventApprovalDecided:    CategoryCompliance,
	EventDepositRecorded:    CategoryCompliance,
	EventPaymentDisbursed:   CategoryCompliance,
	EventPaymentPaid:        CategoryCompliance,

	EventReimbursementApproved: CategoryCompliance,
	EventReimbursementDenied:   CategoryCompliance,

	EventHoldRaised:              CategorySecurity,
	EventHoldCleared:             CategorySecurity,
	EventJourneyHeld:             CategorySecurity,
	EventLedgerMismatch:          CategorySecurity,
	EventVerificationUnavailable: CategorySecurity,

	EventContractRegistered:     CategoryOperations,
	EventMilestonesInstantiated: CategoryOperations,
	EventEvidenceSubmitted:      CategoryOperations,
	EventMilestoneInfoRequested: CategoryOperations,
	EventVerificationRecorded:   CategoryOperations,
	EventApprovalCancelled:      CategoryOperations,
	EventReimbursementSubmitted: CategoryOperations,

	EventReimbursementInfoRequested: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// ComplianceEvent captures money-moving and contract-binding actions that require
// guaranteed persistence. Use with the compliance publisher for fail-closed semantics.
type ComplianceEvent struct {
	Timestamp  time.Time
	ContractID id.ContractID
	Subject    string
	Action     AuditEvent
	Decision   string
	Amount     id.Money
	RequestID  string
	ActorID    string
	ActorRole  string
}

// ToEvent converts to the generic Event stored by audit stores.
func (e ComplianceEvent) ToEvent() Event {
	return Event{
		Category:   CategoryCompliance,
		Timestamp:  e.Timestamp,
		ContractID: e.ContractID,
		Subject:    e.Subject,
		Action:     string(e.Action),
		Decision:   e.Decision,
		Amount:     e.Amount,
		RequestID:  e.RequestID,
		ActorID:    e.ActorID,
		ActorRole:  e.ActorRole,
	}
}
