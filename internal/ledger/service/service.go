package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	contractmodels "escrow/internal/contract/models"
	ledgermetrics "escrow/internal/ledger/metrics"
	"escrow/internal/ledger/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/audit"
	"escrow/pkg/platform/sentinel"
	txcontext "escrow/pkg/platform/tx"
	"escrow/pkg/requestcontext"
)

// Store is the append-only ledger. Append is the only way a balance changes;
// Execute may only move a payment's status forward.
type Store interface {
	Append(ctx context.Context, p *models.Payment, check func(*models.Account) error) (*models.Payment, bool, error)
	FindPayment(ctx context.Context, paymentID id.PaymentID) (*models.Payment, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error)
	ListPayments(ctx context.Context, contractID id.ContractID) ([]*models.Payment, error)
	Account(ctx context.Context, contractID id.ContractID) (*models.Account, error)
	Head(ctx context.Context, contractID id.ContractID) (int64, error)
	Accounts(ctx context.Context) ([]id.ContractID, error)
	Entries(ctx context.Context, afterSeq int64, limit int) ([]models.Entry, error)
	Execute(ctx context.Context, paymentID id.PaymentID,
		validate func(*models.Payment) error, mutate func(*models.Payment)) (*models.Payment, error)
}

type Contracts interface {
	Get(ctx context.Context, contractID id.ContractID) (*contractmodels.Contract, error)
}

type ComplianceAuditor interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Observer is told about every payment after the append that created it commits.
type Observer interface {
	PaymentRecorded(ctx context.Context, p *models.Payment)
}

const replayPageSize = 500

// Service is the only writer of the payment ledger.
type Service struct {
	store      Store
	contracts  Contracts
	tx         txcontext.Runner
	compliance ComplianceAuditor
	auditor    AuditPublisher
	observers  []Observer
	tracer     trace.Tracer
	logger     *slog.Logger
	metrics    *ledgermetrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *ledgermetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTx(runner txcontext.Runner) Option {
	return func(s *Service) {
		s.tx = runner
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

func WithContracts(c Contracts) Option {
	return func(s *Service) {
		s.contracts = c
	}
}

// WithObserver appends an observer; observers run in registration order.
func WithObserver(o Observer) Option {
	return func(s *Service) {
		s.observers = append(s.observers, o)
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	s := &Service{store: store, tx: txcontext.LocalRunner{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("escrow/ledger")
	}
	return s, nil
}

// AddObserver registers an observer after construction, for wiring cycles
// where the observer itself reads from the ledger.
func (s *Service) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// DepositRequest funds an escrow account. Reference is the caller's idempotency
// key; a retried deposit with the same reference records nothing new.
type DepositRequest struct {
	ContractID id.ContractID
	Amount     id.Money
	Reference  string
}

// Deposit records funds paid into escrow by the Intended Party. Deposits are
// final on append: they enter the ledger already paid.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*models.Payment, error) {
	if !req.Amount.IsPositive() {
		return nil, dErrors.New(dErrors.CodeValidation, "deposit amount must be positive")
	}
	if s.contracts == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "contract lookup is not configured")
	}
	c, err := s.contracts.Get(ctx, req.ContractID)
	if err != nil {
		return nil, err
	}
	actor, role := requestcontext.ActorID(ctx), requestcontext.ActorRole(ctx)
	if role != id.RoleAdmin && actor != c.IntendedParty {
		return nil, dErrors.New(dErrors.CodeForbidden, "only the intended party or an admin may fund escrow")
	}

	key := "deposit:" + strings.TrimSpace(req.Reference)
	if strings.TrimSpace(req.Reference) == "" {
		key = "deposit:" + uuid.NewString()
	}
	now := requestcontext.Now(ctx)
	p := &models.Payment{
		ID:             id.PaymentID(uuid.New()),
		ContractID:     req.ContractID,
		Type:           models.TypeDeposit,
		Category:       id.CategoryDeposit,
		Amount:         req.Amount,
		Payer:          c.IntendedParty,
		Status:         models.StatusPaid,
		IdempotencyKey: key,
		CreatedAt:      now,
		PaidAt:         &now,
	}

	var created bool
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		p, created, err = s.append(ctx, p, nil)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		return s.emitCompliance(ctx, audit.EventDepositRecorded, p, "")
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.InfoContext(ctx, "deposit recorded",
			"request_id", requestcontext.RequestID(ctx),
			"contract_id", p.ContractID,
			"payment_id", p.ID,
			"amount", p.Amount.String(),
		)
		s.NotifyCommitted(ctx, p)
	}
	return p, nil
}

// DisburseRequest moves money out of escrow. IdempotencyKey identifies the
// originating decision; Guard runs under the account lock after the balance check.
type DisburseRequest struct {
	ContractID      id.ContractID
	Type            models.PaymentType
	Category        id.Category
	Amount          id.Money
	Payer           id.PartyID
	Payee           id.PartyID
	MilestoneID     *id.MilestoneID
	ReimbursementID *id.ReimbursementID
	IdempotencyKey  string
	Guard           func(*models.Account) error
}

// Disburse appends an approved disbursement. It joins a transaction already in
// ctx, so the payment commits or rolls back with the caller's state change.
// Observers are not notified here: callers call NotifyCommitted once their
// transaction commits and created is true.
func (s *Service) Disburse(ctx context.Context, req DisburseRequest) (*models.Payment, bool, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Disburse", trace.WithAttributes(
		attribute.String("contract_id", req.ContractID.String()),
		attribute.String("payment_type", string(req.Type)),
		attribute.Int64("amount_cents", int64(req.Amount)),
	))
	defer span.End()

	if !req.Type.IsDisbursement() {
		return nil, false, dErrors.New(dErrors.CodeValidation, "not a disbursement type")
	}
	p := &models.Payment{
		ID:              id.PaymentID(uuid.New()),
		ContractID:      req.ContractID,
		Type:            req.Type,
		Category:        req.Category,
		Amount:          req.Amount,
		Payer:           req.Payer,
		Payee:           req.Payee,
		Status:          models.StatusApproved,
		MilestoneID:     req.MilestoneID,
		ReimbursementID: req.ReimbursementID,
		IdempotencyKey:  req.IdempotencyKey,
		CreatedAt:       requestcontext.Now(ctx),
	}
	check := func(a *models.Account) error {
		if available := a.Balance(); available < req.Amount {
			return &id.InsufficientBalanceError{ContractID: req.ContractID, Requested: req.Amount, Available: available}
		}
		if req.Guard != nil {
			return req.Guard(a)
		}
		return nil
	}

	var created bool
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		p, created, err = s.append(ctx, p, check)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		return s.emitCompliance(ctx, audit.EventPaymentDisbursed, p, string(p.Type))
	})
	if err != nil {
		s.metrics.IncrementRejection(string(dErrors.CodeOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	span.SetAttributes(attribute.Bool("created", created), attribute.Int64("account_seq", p.AccountSeq))
	if created {
		s.logger.InfoContext(ctx, "disbursement appended",
			"request_id", requestcontext.RequestID(ctx),
			"contract_id", p.ContractID,
			"payment_id", p.ID,
			"type", p.Type,
			"amount", p.Amount.String(),
			"account_seq", p.AccountSeq,
		)
	}
	return p, created, nil
}

func (s *Service) append(ctx context.Context, p *models.Payment, check func(*models.Account) error) (*models.Payment, bool, error) {
	if err := p.Validate(); err != nil {
		return nil, false, err
	}
	start := time.Now()
	stored, created, err := s.store.Append(ctx, p, check)
	s.metrics.ObserveAppend(start)
	if err != nil {
		if dErrors.CodeOf(err) != dErrors.CodeInternal {
			return nil, false, err
		}
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, false, dErrors.New(dErrors.CodeConflict, "a concurrent append used this idempotency key")
		}
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to append to ledger")
	}
	if !created {
		s.metrics.IncrementIdempotentHit()
		return stored, false, nil
	}
	s.metrics.RecordAppend(string(stored.Type), int64(stored.Amount))
	return stored, true, nil
}

// NotifyCommitted tells observers about a committed payment.
func (s *Service) NotifyCommitted(ctx context.Context, p *models.Payment) {
	for _, o := range s.observers {
		o.PaymentRecorded(ctx, p)
	}
}

// MarkPaid records that the payment rail settled an approved disbursement.
func (s *Service) MarkPaid(ctx context.Context, paymentID id.PaymentID) (*models.Payment, error) {
	if requestcontext.ActorRole(ctx) != id.RoleAdmin {
		return nil, dErrors.New(dErrors.CodeForbidden, "only an admin may confirm settlement")
	}
	now := requestcontext.Now(ctx)
	var p *models.Payment
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.store.Execute(ctx, paymentID,
			func(p *models.Payment) error {
				if !p.Status.CanTransitionTo(models.StatusPaid) {
					return &id.InvalidStateError{Entity: "payment", From: string(p.Status), Action: "mark paid"}
				}
				return nil
			},
			func(p *models.Payment) {
				p.Status = models.StatusPaid
				p.PaidAt = &now
			})
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, "payment not found")
			}
			if dErrors.CodeOf(err) != dErrors.CodeInternal {
				return err
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update payment")
		}
		return s.emitCompliance(ctx, audit.EventPaymentPaid, p, string(models.StatusPaid))
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Balance folds the committed ledger for one account.
func (s *Service) Balance(ctx context.Context, contractID id.ContractID) (models.Snapshot, error) {
	a, err := s.Account(ctx, contractID)
	if err != nil {
		return models.Snapshot{}, err
	}
	return a.Snapshot(), nil
}

func (s *Service) Account(ctx context.Context, contractID id.ContractID) (*models.Account, error) {
	a, err := s.store.Account(ctx, contractID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read escrow account")
	}
	return a, nil
}

// Head returns the account's last committed position.
func (s *Service) Head(ctx context.Context, contractID id.ContractID) (int64, error) {
	head, err := s.store.Head(ctx, contractID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read ledger head")
	}
	return head, nil
}

// History lists an account's payments in ledger order.
func (s *Service) History(ctx context.Context, contractID id.ContractID) ([]*models.Payment, error) {
	payments, err := s.store.ListPayments(ctx, contractID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list payments")
	}
	return payments, nil
}

func (s *Service) GetPayment(ctx context.Context, paymentID id.PaymentID) (*models.Payment, error) {
	p, err := s.store.FindPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "payment not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load payment")
	}
	return p, nil
}

// ReconcileReport is the outcome of checking one account's entries against its
// payments and committed head.
type ReconcileReport struct {
	Snapshot models.Snapshot `json:"snapshot"`
	Payments int             `json:"payments"`
	Problems []string        `json:"problems,omitempty"`
}

// Reconcile re-derives an account from its entries and compares it with the
// payments table and the stored head. Any disagreement is a fatal data-integrity
// error that needs an operator.
func (s *Service) Reconcile(ctx context.Context, contractID id.ContractID) (*ReconcileReport, error) {
	a, err := s.Account(ctx, contractID)
	if err != nil {
		return nil, err
	}
	payments, err := s.History(ctx, contractID)
	if err != nil {
		return nil, err
	}
	head, err := s.Head(ctx, contractID)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{Snapshot: a.Snapshot(), Payments: len(payments)}
	report.Problems = reconcile(a, payments, head)
	if len(report.Problems) == 0 {
		s.metrics.IncrementReconcile("ok")
		return report, nil
	}

	s.metrics.IncrementReconcile("mismatch")
	s.logger.ErrorContext(ctx, "ledger reconciliation mismatch",
		"contract_id", contractID,
		"problems", report.Problems,
	)
	s.emit(ctx, audit.EventLedgerMismatch, contractID, strings.Join(report.Problems, "; "))
	return report, dErrors.New(dErrors.CodeDataIntegrity, "ledger reconciliation mismatch").
		WithDetail("contract_id", contractID.String()).
		WithDetail("problems", report.Problems)
}

func reconcile(a *models.Account, payments []*models.Payment, head int64) []string {
	var problems []string
	if len(a.Entries) != len(payments) {
		problems = append(problems, fmt.Sprintf("%d entries but %d payments", len(a.Entries), len(payments)))
	}
	byID := make(map[id.PaymentID]*models.Payment, len(payments))
	var paymentTotal id.Money
	for _, p := range payments {
		byID[p.ID] = p
		if p.Type.IsDisbursement() {
			paymentTotal -= p.Amount
		} else {
			paymentTotal += p.Amount
		}
	}

	var running id.Money
	for i, e := range a.Entries {
		if want := int64(i + 1); e.AccountSeq != want {
			problems = append(problems, fmt.Sprintf("entry %d has account_seq %d, want %d", e.Seq, e.AccountSeq, want))
		}
		p, ok := byID[e.PaymentID]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("entry %d has no payment", e.Seq))
		case p.Amount != e.Amount || p.Type != e.Type:
			problems = append(problems, fmt.Sprintf("entry %d disagrees with payment %s", e.Seq, p.ID))
		}
		running += e.Signed()
		if running.IsNegative() {
			problems = append(problems, fmt.Sprintf("balance negative after entry %d", e.Seq))
		}
	}
	if running != paymentTotal {
		problems = append(problems, fmt.Sprintf("entry fold %s differs from payment total %s", running, paymentTotal))
	}
	if a.Head() != head {
		problems = append(problems, fmt.Sprintf("stored head %d differs from last entry %d", head, a.Head()))
	}
	return problems
}

// Replay folds the whole ledger from position zero in sequence order and
// returns one snapshot per account, ordered by contract ID.
func (s *Service) Replay(ctx context.Context) ([]models.Snapshot, error) {
	accounts := make(map[id.ContractID]*models.Account)
	var after int64
	for {
		page, err := s.store.Entries(ctx, after, replayPageSize)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read ledger")
		}
		for _, e := range page {
			a, ok := accounts[e.ContractID]
			if !ok {
				a = &models.Account{ContractID: e.ContractID}
				accounts[e.ContractID] = a
			}
			a.Entries = append(a.Entries, e)
			after = e.Seq
		}
		if len(page) < replayPageSize {
			break
		}
	}

	ids, err := s.store.Accounts(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list accounts")
	}
	out := make([]models.Snapshot, 0, len(ids))
	for _, contractID := range ids {
		a, ok := accounts[contractID]
		if !ok {
			a = &models.Account{ContractID: contractID}
		}
		out = append(out, a.Snapshot())
	}
	return out, nil
}
