// Package service is the approval workflow engine. It walks approval requests
// through their pipeline, runs the automatic rules and hands decisions to the
// subject's owner, which applies them in the same transaction.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	approvalmetrics "escrow/internal/approval/metrics"
	"escrow/internal/approval/models"
	"escrow/internal/approval/verifier"
	contractmodels "escrow/internal/contract/models"
	ledgermodels "escrow/internal/ledger/models"
	"escrow/internal/notify"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/audit"
	"escrow/pkg/platform/sentinel"
	txcontext "escrow/pkg/platform/tx"
)

type Store interface {
	Create(ctx context.Context, r *models.Request) error
	Find(ctx context.Context, approvalID id.ApprovalID) (*models.Request, error)
	FindOpenBySubject(ctx context.Context, subjectID uuid.UUID) (*models.Request, error)
	ListByContract(ctx context.Context, contractID id.ContractID) ([]*models.Request, error)
	Execute(ctx context.Context, approvalID id.ApprovalID,
		validate func(*models.Request) error, mutate func(*models.Request)) (*models.Request, error)
}

type Contracts interface {
	Get(ctx context.Context, contractID id.ContractID) (*contractmodels.Contract, error)
	CheckStatus(ctx context.Context, contractID id.ContractID) (contractmodels.StatusCheck, error)
}

type Verifier interface {
	Verify(ctx context.Context, req verifier.Request) (models.Verification, error)
}

// SubjectHandler applies a decision to the request's owner. It runs inside the
// engine's transaction and must be idempotent per decision.
type SubjectHandler interface {
	ApplyDecision(ctx context.Context, req *models.Request, d id.Decision) (*ledgermodels.Payment, bool, error)
}

// PaymentNotifier fans out payments after the deciding transaction commits.
type PaymentNotifier interface {
	NotifyCommitted(ctx context.Context, p *ledgermodels.Payment)
}

type ComplianceAuditor interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

const lockStripes = 64

// Service is the approval engine.
type Service struct {
	store      Store
	contracts  Contracts
	verifier   Verifier
	payments   PaymentNotifier
	sink       notify.Sink
	tx         txcontext.Runner
	compliance ComplianceAuditor
	auditor    AuditPublisher
	logger     *slog.Logger
	metrics    *approvalmetrics.Metrics
	tracer     trace.Tracer

	handlersMu sync.RWMutex
	handlers   map[models.SubjectKind]SubjectHandler

	// stripes serialize decisions on the same request within this process.
	stripes [lockStripes]sync.Mutex
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *approvalmetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTx(runner txcontext.Runner) Option {
	return func(s *Service) {
		s.tx = runner
	}
}

func WithVerifier(v Verifier) Option {
	return func(s *Service) {
		s.verifier = v
	}
}

func WithPaymentNotifier(p PaymentNotifier) Option {
	return func(s *Service) {
		s.payments = p
	}
}

func WithSink(sink notify.Sink) Option {
	return func(s *Service) {
		s.sink = sink
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

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

func New(store Store, contracts Contracts, opts ...Option) (*Service, error) {
	if store == nil || contracts == nil {
		return nil, errors.New("store and contracts are required")
	}
	s := &Service{
		store:     store,
		contracts: contracts,
		tx:        txcontext.LocalRunner{},
		handlers:  make(map[models.SubjectKind]SubjectHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("escrow/approval")
	}
	return s, nil
}

// RegisterSubject installs the handler that applies decisions for kind.
func (s *Service) RegisterSubject(kind models.SubjectKind, h SubjectHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[kind] = h
}

func (s *Service) handler(kind models.SubjectKind) (SubjectHandler, error) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	h, ok := s.handlers[kind]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeInternal, "no handler registered for %s requests", kind)
	}
	return h, nil
}

func (s *Service) Get(ctx context.Context, approvalID id.ApprovalID) (*models.Request, error) {
	return s.find(ctx, approvalID)
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

func (s *Service) find(ctx context.Context, approvalID id.ApprovalID) (*models.Request, error) {
	r, err := s.store.Find(ctx, approvalID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return r, nil
}

func (s *Service) lock(approvalID id.ApprovalID) func() {
	mu := &s.stripes[uuid.UUID(approvalID)[0]%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func wrapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "approval request not found")
	case dErrors.CodeOf(err) != dErrors.CodeInternal:
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "approval store failure")
	}
}
