// Package service prices reimbursement claims, checks them against contract
// caps and applies approval decisions to them.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	approvalmodels "escrow/internal/approval/models"
	contractmodels "escrow/internal/contract/models"
	ledgermodels "escrow/internal/ledger/models"
	ledgersvc "escrow/internal/ledger/service"
	"escrow/internal/reimbursement/calculator"
	reimbursementmetrics "escrow/internal/reimbursement/metrics"
	"escrow/internal/reimbursement/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/audit"
	"escrow/pkg/platform/sentinel"
	"escrow/pkg/platform/strings"
	txcontext "escrow/pkg/platform/tx"
	"escrow/pkg/requestcontext"
)

type Store interface {
	Create(ctx context.Context, r *models.Request) error
	Find(ctx context.Context, reimbursementID id.ReimbursementID) (*models.Request, error)
	ListByContract(ctx context.Context, contractID id.ContractID) ([]*models.Request, error)
	Execute(ctx context.Context, reimbursementID id.ReimbursementID,
		validate func(*models.Request) error, mutate func(*models.Request)) (*models.Request, error)
}

type Contracts interface {
	Get(ctx context.Context, contractID id.ContractID) (*contractmodels.Contract, error)
}

type Ledger interface {
	Account(ctx context.Context, contractID id.ContractID) (*ledgermodels.Account, error)
	Disburse(ctx context.Context, req ledgersvc.DisburseRequest) (*ledgermodels.Payment, bool, error)
}

type Approvals interface {
	Open(ctx context.Context, req approvalmodels.OpenRequest) (*approvalmodels.Request, error)
	Process(ctx context.Context, approvalID id.ApprovalID) (*approvalmodels.Request, error)
}

type ComplianceAuditor interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// reimbursable lists the categories a claim may be made in. Lost wages are
// priced by the calculator; the others carry a receipt total.
var reimbursable = map[id.Category]bool{
	id.CategoryLostWages:         true,
	id.CategoryChildcare:         true,
	id.CategoryHousekeeping:      true,
	id.CategoryTravel:            true,
	id.CategoryMaternityClothing: true,
	id.CategoryMedicalExpense:    true,
}

// Service owns reimbursement claims.
type Service struct {
	store      Store
	contracts  Contracts
	ledger     Ledger
	approvals  Approvals
	tx         txcontext.Runner
	compliance ComplianceAuditor
	auditor    AuditPublisher
	logger     *slog.Logger
	metrics    *reimbursementmetrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *reimbursementmetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTx(runner txcontext.Runner) Option {
	return func(s *Service) {
		s.tx = runner
	}
}

func WithApprovals(a Approvals) Option {
	return func(s *Service) {
		s.approvals = a
	}
}

func WithComplianceAuditor(c ComplianceAuditor) Option {
	return func(s *Service) {
		s.compliance = c
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) {
		s.auditor = p
	}
}

func New(store Store, contracts Contracts, ledger Ledger, opts ...Option) (*Service, error) {
	if store == nil || contracts == nil || ledger == nil {
		return nil, errors.New("store, contracts and ledger are required")
	}
	s := &Service{
		store:     store,
		contracts: contracts,
		ledger:    ledger,
		tx:        txcontext.LocalRunner{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Quote prices a claim and previews it against the category's caps without
// recording anything.
func (s *Service) Quote(ctx context.Context, claim models.Claim) (*models.Quote, error) {
	c, err := s.contracts.Get(ctx, claim.ContractID)
	if err != nil {
		return nil, err
	}
	if requestcontext.ActorRole(ctx) != id.RoleAdmin {
		if _, ok := c.RoleOf(requestcontext.ActorID(ctx)); !ok {
			return nil, dErrors.New(dErrors.CodeForbidden, "not a party to this contract")
		}
	}
	amount, err := price(claim)
	if err != nil {
		return nil, err
	}
	a, err := s.ledger.Account(ctx, claim.ContractID)
	if err != nil {
		return nil, err
	}
	limit, _ := c.Terms.CapFor(claim.Category)
	used := usage(a, claim.Category, requestcontext.Now(ctx))
	q := &models.Quote{
		Category:  claim.Category,
		Amount:    amount,
		Allowance: calculator.AllowanceFor(claim.Category, limit, used),
		WithinCap: true,
	}
	if err := calculator.CheckCap(claim.Category, limit, used, amount); err != nil {
		q.WithinCap = false
		q.Reason = err.Error()
	}
	return q, nil
}

// Submit records a claim by the fulfilling party and opens an approval request
// for it. A claim that would already exceed a cap is rejected up front; caps
// are checked again when the claim is approved.
func (s *Service) Submit(ctx context.Context, claim models.Claim) (*models.Request, error) {
	if s.approvals == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "approval engine is not configured")
	}
	c, err := s.contracts.Get(ctx, claim.ContractID)
	if err != nil {
		return nil, err
	}
	if !c.IsConfirmed() {
		return nil, &id.InvalidStateError{Entity: "contract", From: string(c.Status), Action: "submit a reimbursement against"}
	}
	actor := requestcontext.ActorID(ctx)
	if requestcontext.ActorRole(ctx) != id.RoleAdmin && actor != c.FulfillingParty {
		return nil, dErrors.New(dErrors.CodeForbidden, "only the fulfilling party or an admin may submit a reimbursement")
	}
	claim.Evidence = strings.DedupeAndTrim(claim.Evidence)
	if len(claim.Evidence) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one evidence document is required")
	}
	amount, err := price(claim)
	if err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	if err := s.precheck(ctx, c, claim.Category, amount, now); err != nil {
		return nil, err
	}

	r := &models.Request{
		ID:          id.ReimbursementID(uuid.New()),
		ContractID:  claim.ContractID,
		Category:    claim.Category,
		Employment:  claim.Employment,
		Amount:      amount,
		Evidence:    claim.Evidence,
		Notes:       claim.Notes,
		Status:      models.StatusSubmitted,
		SubmittedBy: actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	approvalID := id.ApprovalID(uuid.New())
	r.ApprovalID = &approvalID
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, r); err != nil {
			return wrapStoreErr(err)
		}
		return s.open(ctx, r, approvalID)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementSubmitted(string(r.Category), int64(r.Amount))
	s.emit(ctx, audit.EventReimbursementSubmitted, r, "")
	s.logger.InfoContext(ctx, "reimbursement submitted",
		"request_id", requestcontext.RequestID(ctx),
		"reimbursement_id", r.ID,
		"contract_id", r.ContractID,
		"category", r.Category,
		"amount", r.Amount.String(),
	)
	return s.process(ctx, r.ID, approvalID, r)
}

// Resubmit adds evidence to a claim sent back for more information and opens a
// new approval request for it.
func (s *Service) Resubmit(ctx context.Context, reimbursementID id.ReimbursementID, documents []string, notes string) (*models.Request, error) {
	if s.approvals == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "approval engine is not configured")
	}
	documents = strings.DedupeAndTrim(documents)
	if len(documents) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one evidence document is required")
	}
	current, err := s.find(ctx, reimbursementID)
	if err != nil {
		return nil, err
	}
	c, err := s.contracts.Get(ctx, current.ContractID)
	if err != nil {
		return nil, err
	}
	if requestcontext.ActorRole(ctx) != id.RoleAdmin && requestcontext.ActorID(ctx) != c.FulfillingParty {
		return nil, dErrors.New(dErrors.CodeForbidden, "only the fulfilling party or an admin may resubmit a reimbursement")
	}
	now := requestcontext.Now(ctx)
	if err := s.precheck(ctx, c, current.Category, current.Amount, now); err != nil {
		return nil, err
	}

	approvalID := id.ApprovalID(uuid.New())
	var updated *models.Request
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.store.Execute(ctx, reimbursementID,
			func(r *models.Request) error {
				if !r.Status.CanTransitionTo(models.StatusSubmitted) {
					return &id.InvalidStateError{Entity: "reimbursement", From: string(r.Status), Action: "resubmit"}
				}
				return nil
			},
			func(r *models.Request) {
				r.Status = models.StatusSubmitted
				r.Evidence = strings.DedupeAndTrim(append(r.Evidence, documents...))
				if notes != "" {
					r.Notes = notes
				}
				r.ApprovalID = &approvalID
				r.UpdatedAt = now
			})
		if err != nil {
			return wrapStoreErr(err)
		}
		return s.open(ctx, updated, approvalID)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementTransition(string(models.StatusSubmitted))
	s.emit(ctx, audit.EventReimbursementSubmitted, updated, "resubmitted")
	return s.process(ctx, reimbursementID, approvalID, updated)
}

func (s *Service) Get(ctx context.Context, reimbursementID id.ReimbursementID) (*models.Request, error) {
	return s.find(ctx, reimbursementID)
}

func (s *Service) ListByContract(ctx context.Context, contractID id.ContractID) ([]*models.Request, error) {
	if _, err := s.contracts.Get(ctx, contractID); err != nil {
		return nil, err
	}
	out, err := s.store.ListByContract(ctx, contractID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if out == nil {
		out = []*models.Request{}
	}
	return out, nil
}

func (s *Service) open(ctx context.Context, r *models.Request, approvalID id.ApprovalID) error {
	_, err := s.approvals.Open(ctx, approvalmodels.OpenRequest{
		ID:          approvalID,
		SubjectKind: approvalmodels.SubjectReimbursement,
		SubjectID:   uuid.UUID(r.ID),
		ContractID:  r.ContractID,
		Pipeline:    approvalmodels.PipelineTriggered,
		Category:    r.Category,
		Amount:      r.Amount,
		Evidence:    r.Evidence,
		ClauseRef:   "reimbursement." + string(r.Category),
	})
	return err
}

// process runs the approval pipeline after the claim committed. A pipeline
// failure leaves the request open and is logged.
func (s *Service) process(ctx context.Context, reimbursementID id.ReimbursementID, approvalID id.ApprovalID, fallback *models.Request) (*models.Request, error) {
	if _, err := s.approvals.Process(ctx, approvalID); err != nil {
		s.logger.ErrorContext(ctx, "approval pipeline failed",
			"reimbursement_id", reimbursementID,
			"approval_id", approvalID,
			"error", err,
		)
		return fallback, nil
	}
	r, err := s.find(ctx, reimbursementID)
	if err != nil {
		return fallback, nil
	}
	return r, nil
}

// precheck rejects a claim that approved spending already leaves no room for.
func (s *Service) precheck(ctx context.Context, c *contractmodels.Contract, cat id.Category, amount id.Money, at time.Time) error {
	limit, capped := c.Terms.CapFor(cat)
	if !capped {
		return nil
	}
	a, err := s.ledger.Account(ctx, c.ID)
	if err != nil {
		return err
	}
	if err := calculator.CheckCap(cat, limit, usage(a, cat, at), amount); err != nil {
		s.recordCapReject(err)
		return err
	}
	return nil
}

func (s *Service) recordCapReject(err error) {
	var capErr *id.CapExceededError
	if errors.As(err, &capErr) {
		s.metrics.IncrementCapReject(string(capErr.Category), capErr.Period)
	}
}

func (s *Service) find(ctx context.Context, reimbursementID id.ReimbursementID) (*models.Request, error) {
	r, err := s.store.Find(ctx, reimbursementID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return r, nil
}

// price validates a claim's category and computes its amount.
func price(claim models.Claim) (id.Money, error) {
	if !reimbursable[claim.Category] {
		return 0, dErrors.Newf(dErrors.CodeValidation, "category %q is not reimbursable", claim.Category)
	}
	if claim.Category == id.CategoryLostWages {
		if claim.Employment == nil {
			return 0, dErrors.New(dErrors.CodeValidation, "lost wages claims need employment details")
		}
		if claim.Amount != 0 {
			return 0, dErrors.New(dErrors.CodeValidation, "lost wages are computed; do not send an amount")
		}
		e, err := claim.Employment.Employment()
		if err != nil {
			return 0, err
		}
		return calculator.LostWages(e)
	}
	if claim.Employment != nil {
		return 0, dErrors.Newf(dErrors.CodeValidation, "%s claims do not take employment details", claim.Category)
	}
	if !claim.Amount.IsPositive() {
		return 0, dErrors.New(dErrors.CodeValidation, "amount must be positive")
	}
	return claim.Amount, nil
}

// usage sums approved spending in a category for the calendar month of at and
// over the life of the contract.
func usage(a *ledgermodels.Account, cat id.Category, at time.Time) calculator.Usage {
	from, to := ledgermodels.MonthBounds(at)
	return calculator.Usage{
		ThisMonth: a.SpentIn(cat, from, to),
		Lifetime:  a.SpentIn(cat, time.Time{}, time.Time{}),
	}
}

func wrapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "reimbursement not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, "reimbursement already exists")
	case dErrors.CodeOf(err) != dErrors.CodeInternal:
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "reimbursement store failure")
	}
}
