// Package service is the milestone instance tracker. It owns every instance's
// state machine; all transitions go through Store.Execute so that one instance
// is never moved by two writers at once.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	approvalmodels "escrow/internal/approval/models"
	confirmmodels "escrow/internal/confirm/models"
	confirmsvc "escrow/internal/confirm/service"
	contractmodels "escrow/internal/contract/models"
	ledgermodels "escrow/internal/ledger/models"
	ledgersvc "escrow/internal/ledger/service"
	"escrow/internal/milestone/catalog"
	milestonemetrics "escrow/internal/milestone/metrics"
	"escrow/internal/milestone/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/audit"
	"escrow/pkg/platform/sentinel"
	txcontext "escrow/pkg/platform/tx"
	"escrow/pkg/requestcontext"
)

type Store interface {
	Create(ctx context.Context, m *models.Instance) error
	Find(ctx context.Context, milestoneID id.MilestoneID) (*models.Instance, error)
	ListByContract(ctx context.Context, contractID id.ContractID) ([]*models.Instance, error)
	DuePending(ctx context.Context, asOf time.Time, limit int) ([]*models.Instance, error)
	NextDue(ctx context.Context) (time.Time, bool, error)
	Execute(ctx context.Context, milestoneID id.MilestoneID,
		validate func(*models.Instance) error, mutate func(*models.Instance)) (*models.Instance, error)
}

type Contracts interface {
	Get(ctx context.Context, contractID id.ContractID) (*contractmodels.Contract, error)
}

// Ledger is the part of the payment ledger the tracker writes through.
type Ledger interface {
	Disburse(ctx context.Context, req ledgersvc.DisburseRequest) (*ledgermodels.Payment, bool, error)
	NotifyCommitted(ctx context.Context, p *ledgermodels.Payment)
}

// Approvals starts and drives approval pipelines for submitted milestones.
type Approvals interface {
	Open(ctx context.Context, req approvalmodels.OpenRequest) (*approvalmodels.Request, error)
	Process(ctx context.Context, approvalID id.ApprovalID) (*approvalmodels.Request, error)
}

type Proposer interface {
	Propose(ctx context.Context, req confirmsvc.ProposeRequest) (*confirmmodels.Proposal, error)
}

type ComplianceAuditor interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

const defaultDueBatch = 100

// Service tracks milestone instances from instantiation to completion.
type Service struct {
	store      Store
	catalog    *catalog.Catalog
	contracts  Contracts
	ledger     Ledger
	approvals  Approvals
	proposer   Proposer
	tx         txcontext.Runner
	compliance ComplianceAuditor
	auditor    AuditPublisher
	dueBatch   int
	logger     *slog.Logger
	metrics    *milestonemetrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *milestonemetrics.Metrics) Option {
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

func WithProposer(p Proposer) Option {
	return func(s *Service) {
		s.proposer = p
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

// WithDueBatch bounds how many due instances one RunDue pass triggers.
func WithDueBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.dueBatch = n
		}
	}
}

func New(store Store, cat *catalog.Catalog, contracts Contracts, ledger Ledger, opts ...Option) (*Service, error) {
	if store == nil || cat == nil || contracts == nil || ledger == nil {
		return nil, errors.New("store, catalog, contracts and ledger are required")
	}
	s := &Service{
		store:     store,
		catalog:   cat,
		contracts: contracts,
		ledger:    ledger,
		tx:        txcontext.LocalRunner{},
		dueBatch:  defaultDueBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Instantiate creates the first instance of one definition for a confirmed
// contract. The amount is resolved from the contract terms.
func (s *Service) Instantiate(ctx context.Context, c *contractmodels.Contract, def catalog.Definition) (*models.Instance, error) {
	if !c.IsConfirmed() {
		return nil, &id.InvalidStateError{Entity: "contract", From: string(c.Status), Action: "instantiate milestones for"}
	}
	amount, occurrences := resolve(c.Terms, def)
	if occurrences == 0 {
		return nil, dErrors.Newf(dErrors.CodeValidation, "contract terms do not price milestone %q", def.Code)
	}
	m := s.newInstance(c, def, 1, amount, requestcontext.Now(ctx))
	if err := s.store.Create(ctx, m); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Newf(dErrors.CodeConflict, "milestone %q already instantiated", def.Code)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create milestone")
	}
	s.metrics.IncrementInstantiated(string(m.Category))
	return m, nil
}

// InstantiateContract creates every milestone the contract's terms price.
// Installment definitions yield one instance per month. Instances that already
// exist are skipped, so re-running for the same or a later version only adds
// what is missing.
func (s *Service) InstantiateContract(ctx context.Context, c *contractmodels.Contract) ([]*models.Instance, error) {
	if !c.IsConfirmed() {
		return nil, &id.InvalidStateError{Entity: "contract", From: string(c.Status), Action: "instantiate milestones for"}
	}
	now := requestcontext.Now(ctx)
	var created []*models.Instance
	for _, def := range s.catalog.Definitions() {
		amount, occurrences := resolve(c.Terms, def)
		for occurrence := 1; occurrence <= occurrences; occurrence++ {
			m := s.newInstance(c, def, occurrence, amount, now)
			if err := s.store.Create(ctx, m); err != nil {
				if errors.Is(err, sentinel.ErrConflict) {
					continue
				}
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create milestone")
			}
			s.metrics.IncrementInstantiated(string(m.Category))
			created = append(created, m)
		}
	}
	if len(created) > 0 {
		s.logger.InfoContext(ctx, "milestones instantiated",
			"contract_id", c.ID,
			"version", c.Version,
			"count", len(created),
		)
		s.emit(ctx, audit.EventMilestonesInstantiated, c.ID, "contract:"+c.ID.String(),
			fmt.Sprintf("%d instances for version %d", len(created), c.Version))
	}
	return created, nil
}

// OnContractConfirmed is the contract confirmation hook.
func (s *Service) OnContractConfirmed(ctx context.Context, c *contractmodels.Contract) error {
	_, err := s.InstantiateContract(ctx, c)
	return err
}

// resolve returns the per-instance amount and how many instances the terms
// call for. Zero instances means the contract does not price the definition.
func resolve(t contractmodels.Terms, def catalog.Definition) (id.Money, int) {
	var amount id.Money
	switch def.AmountSource {
	case catalog.AmountContractFee:
		amount, _ = t.FeeFor(def.Code)
	case catalog.AmountBonus:
		amount, _ = t.BonusFor(def.Code)
	case catalog.AmountMonthlyInstallment:
		amount = t.MonthlyInstallment
	case catalog.AmountMonthlyAllowance:
		amount = t.MonthlyAllowance
	}
	if !amount.IsPositive() {
		return 0, 0
	}
	if def.Recurrence == catalog.RecurrenceInstallments {
		return amount, t.InstallmentCount
	}
	return amount, 1
}

// newInstance builds a pending instance. Scheduled instances fall due on the
// contract start date plus one month per earlier occurrence.
func (s *Service) newInstance(c *contractmodels.Contract, def catalog.Definition, occurrence int, amount id.Money, now time.Time) *models.Instance {
	m := &models.Instance{
		ID:              id.MilestoneID(uuid.New()),
		ContractID:      c.ID,
		ContractVersion: c.Version,
		DefinitionCode:  def.Code,
		Name:            def.Name,
		Category:        def.Category,
		CategoryRank:    s.catalog.Rank(def.Category),
		Trigger:         def.Trigger,
		Occurrence:      occurrence,
		Status:          models.StatusPending,
		Amount:          amount,
		Evidence:        []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if def.Trigger == catalog.TriggerScheduled {
		due := c.StartDate.AddDate(0, occurrence-1, 0).UTC()
		m.DueDate = &due
	}
	return m
}

// Definitions lists the milestone catalog in category priority order.
func (s *Service) Definitions() []catalog.Definition {
	return s.catalog.Definitions()
}

func (s *Service) Get(ctx context.Context, milestoneID id.MilestoneID) (*models.Instance, error) {
	return s.find(ctx, milestoneID)
}

func (s *Service) List(ctx context.Context, contractID id.ContractID) ([]*models.Instance, error) {
	if _, err := s.contracts.Get(ctx, contractID); err != nil {
		return nil, err
	}
	instances, err := s.store.ListByContract(ctx, contractID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list milestones")
	}
	if instances == nil {
		instances = []*models.Instance{}
	}
	return instances, nil
}

// DuePending lists scheduled instances due at asOf in processing order.
func (s *Service) DuePending(ctx context.Context, asOf time.Time) ([]*models.Instance, error) {
	due, err := s.store.DuePending(ctx, asOf, s.dueBatch)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list due milestones")
	}
	return due, nil
}

// NextDue returns the earliest due date of any pending scheduled instance.
func (s *Service) NextDue(ctx context.Context) (time.Time, bool, error) {
	next, ok, err := s.store.NextDue(ctx)
	if err != nil {
		return time.Time{}, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read next due date")
	}
	return next, ok, nil
}

func (s *Service) find(ctx context.Context, milestoneID id.MilestoneID) (*models.Instance, error) {
	m, err := s.store.Find(ctx, milestoneID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return m, nil
}

func wrapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "milestone not found")
	case dErrors.CodeOf(err) != dErrors.CodeInternal:
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "milestone store failure")
	}
}
