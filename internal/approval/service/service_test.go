package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"escrow/internal/approval/models"
	"escrow/internal/approval/store"
	"escrow/internal/approval/verifier"
	contractmodels "escrow/internal/contract/models"
	ledgermodels "escrow/internal/ledger/models"
	"escrow/internal/notify"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/audit"
	"escrow/pkg/platform/audit/publisher"
	"escrow/pkg/platform/audit/publishers/compliance"
	auditmemory "escrow/pkg/platform/audit/store/memory"
	"escrow/pkg/requestcontext"
)

type stubContracts struct {
	contract *contractmodels.Contract
	status   contractmodels.StatusCheck
}

func (s *stubContracts) Get(_ context.Context, contractID id.ContractID) (*contractmodels.Contract, error) {
	if contractID != s.contract.ID {
		return nil, dErrors.New(dErrors.CodeNotFound, "no confirmed version for contract")
	}
	return s.contract, nil
}

func (s *stubContracts) CheckStatus(_ context.Context, _ id.ContractID) (contractmodels.StatusCheck, error) {
	return s.status, nil
}

type verifierFunc func(ctx context.Context, req verifier.Request) (models.Verification, error)

func (f verifierFunc) Verify(ctx context.Context, req verifier.Request) (models.Verification, error) {
	return f(ctx, req)
}

func verdict(status models.VerificationStatus) verifierFunc {
	return func(context.Context, verifier.Request) (models.Verification, error) {
		return models.Verification{Status: status, Attempts: 1}, nil
	}
}

// fakeSubject applies decisions by recording them; approvals create a payment.
type fakeSubject struct {
	mu        sync.Mutex
	decisions []id.Decision
	err       error
}

func (f *fakeSubject) ApplyDecision(_ context.Context, r *models.Request, d id.Decision) (*ledgermodels.Payment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	f.decisions = append(f.decisions, d)
	if d.Outcome != id.OutcomeApproved {
		return nil, false, nil
	}
	return &ledgermodels.Payment{ID: id.PaymentID(uuid.New()), ContractID: r.ContractID, Amount: r.Amount}, true, nil
}

func (f *fakeSubject) applied() []id.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]id.Decision(nil), f.decisions...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	payments []*ledgermodels.Payment
}

func (n *recordingNotifier) NotifyCommitted(_ context.Context, p *ledgermodels.Payment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payments = append(n.payments, p)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.payments)
}

type ServiceSuite struct {
	suite.Suite
	store      *store.InMemoryStore
	auditStore *auditmemory.InMemoryStore
	contracts  *stubContracts
	subject    *fakeSubject
	notifier   *recordingNotifier
	sink       *notify.MemorySink
	contract   *contractmodels.Contract
	admin      id.PartyID
	now        time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = store.NewInMemoryStore()
	s.auditStore = auditmemory.NewInMemoryStore()
	s.subject = &fakeSubject{}
	s.notifier = &recordingNotifier{}
	s.sink = notify.NewMemorySink()
	s.admin = id.PartyID(uuid.New())
	s.now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	s.contract = &contractmodels.Contract{
		ID:              id.ContractID(uuid.New()),
		Version:         1,
		IntendedParty:   id.PartyID(uuid.New()),
		FulfillingParty: id.PartyID(uuid.New()),
		Status:          contractmodels.StatusConfirmed,
		Terms:           contractmodels.Terms{AutoApprove: true},
	}
	s.contracts = &stubContracts{contract: s.contract, status: contractmodels.StatusCheck{Active: true}}
}

func (s *ServiceSuite) engine(v Verifier) *Service {
	opts := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithComplianceAuditor(compliance.New(s.auditStore)),
		WithAuditPublisher(publisher.NewPublisher(s.auditStore)),
		WithPaymentNotifier(s.notifier),
		WithSink(s.sink),
	}
	if v != nil {
		opts = append(opts, WithVerifier(v))
	}
	svc, err := New(s.store, s.contracts, opts...)
	s.Require().NoError(err)
	svc.RegisterSubject(models.SubjectMilestone, s.subject)
	return svc
}

func (s *ServiceSuite) as(party id.PartyID, role id.Role) context.Context {
	ctx := requestcontext.WithActor(context.Background(), party, role)
	return requestcontext.WithTime(ctx, s.now)
}

func (s *ServiceSuite) system() context.Context {
	return requestcontext.WithTime(context.Background(), s.now)
}

func (s *ServiceSuite) open(svc *Service, pipeline models.Pipeline) *models.Request {
	r, err := svc.Open(s.system(), models.OpenRequest{
		SubjectKind: models.SubjectMilestone,
		SubjectID:   uuid.New(),
		ContractID:  s.contract.ID,
		Pipeline:    pipeline,
		Category:    id.CategoryMedical,
		Amount:      id.Dollars(2500),
		Evidence:    []string{"ultrasound-report"},
		ClauseRef:   "4.2",
	})
	s.Require().NoError(err)
	return r
}

func stages(r *models.Request) []models.Stage {
	out := make([]models.Stage, 0, len(r.History))
	for _, t := range r.History {
		out = append(out, t.To)
	}
	return out
}

// =============================================================================
// Open
// =============================================================================

func (s *ServiceSuite) TestOpen() {
	svc := s.engine(verdict(models.VerificationVerified))

	s.Run("starts at the pipeline entry stage", func() {
		r := s.open(svc, models.PipelineTriggered)
		s.Equal(models.StageSubmitted, r.Stage)
		s.True(r.IsOpen())

		scheduled := s.open(svc, models.PipelineScheduled)
		s.Equal(models.StageScheduled, scheduled.Stage)
	})

	s.Run("one open request per subject", func() {
		subject := uuid.New()
		req := models.OpenRequest{
			SubjectKind: models.SubjectMilestone,
			SubjectID:   subject,
			ContractID:  s.contract.ID,
			Pipeline:    models.PipelineTriggered,
		}
		_, err := svc.Open(s.system(), req)
		s.Require().NoError(err)
		_, err = svc.Open(s.system(), req)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("unregistered subject kind", func() {
		_, err := svc.Open(s.system(), models.OpenRequest{
			SubjectKind: models.SubjectReimbursement,
			SubjectID:   uuid.New(),
			ContractID:  s.contract.ID,
			Pipeline:    models.PipelineTriggered,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}

// =============================================================================
// Process: triggered pipeline
// =============================================================================

func (s *ServiceSuite) TestProcessVerifiedAutoApproves() {
	svc := s.engine(verdict(models.VerificationVerified))
	r := s.open(svc, models.PipelineTriggered)

	out, err := svc.Process(s.system(), r.ID)
	s.Require().NoError(err)
	s.Equal(models.StageApproved, out.Stage)
	s.Equal([]models.Stage{models.StageSubmitted, models.StageAIVerified, models.StageApproved}, stages(out))
	s.False(out.IsOpen())
	s.Require().NotNil(out.Decision)
	s.True(out.Decision.Automatic)
	s.NotNil(out.PaymentID)

	applied := s.subject.applied()
	s.Require().Len(applied, 1)
	s.Equal(r.ID, applied[0].ApprovalID)
	s.Equal(1, s.notifier.count())
	s.Contains(s.auditStore.Actions(s.contract.ID), string(audit.EventVerificationRecorded))
	s.Contains(s.auditStore.Actions(s.contract.ID), string(audit.EventApprovalDecided))
}

func (s *ServiceSuite) TestProcessRoutesToHumanReview() {
	cases := map[string]struct {
		verifier    Verifier
		autoApprove bool
		status      models.VerificationStatus
	}{
		"flagged despite auto-approve":  {verdict(models.VerificationFlagged), true, models.VerificationFlagged},
		"review needed":                 {verdict(models.VerificationReviewNeeded), true, models.VerificationReviewNeeded},
		"verified without auto-approve": {verdict(models.VerificationVerified), false, models.VerificationVerified},
		"verifier down": {verifierFunc(func(context.Context, verifier.Request) (models.Verification, error) {
			return models.Verification{}, &id.VerificationUnavailableError{Attempts: 3, Cause: errors.New("503")}
		}), true, models.VerificationUnavailable},
		"no verifier": {nil, true, models.VerificationUnavailable},
	}
	for name, tc := range cases {
		s.Run(name, func() {
			s.SetupTest()
			s.contract.Terms.AutoApprove = tc.autoApprove
			svc := s.engine(tc.verifier)
			r := s.open(svc, models.PipelineTriggered)

			out, err := svc.Process(s.system(), r.ID)
			s.Require().NoError(err)
			s.Equal(models.StageAwaitingApproval, out.Stage)
			s.True(out.IsOpen())
			s.Require().NotNil(out.Verification)
			s.Equal(tc.status, out.Verification.Status)
			s.Empty(s.subject.applied())
			s.Len(s.sink.OfType(notify.MilestoneAwaitingApproval), 1)
		})
	}
}

func (s *ServiceSuite) TestProcessRecordsUnavailableVerifier() {
	svc := s.engine(verifierFunc(func(context.Context, verifier.Request) (models.Verification, error) {
		return models.Verification{}, &id.VerificationUnavailableError{Attempts: 3, Cause: errors.New("timeout")}
	}))
	r := s.open(svc, models.PipelineTriggered)

	out, err := svc.Process(s.system(), r.ID)
	s.Require().NoError(err)
	s.Equal(3, out.Verification.Attempts)
	s.Contains(s.auditStore.Actions(s.contract.ID), string(audit.EventVerificationUnavailable))
}

func (s *ServiceSuite) TestProcessFallsBackWhenAutoApprovalFails() {
	svc := s.engine(verdict(models.VerificationVerified))
	s.subject.err = &id.InsufficientBalanceError{Available: id.Dollars(10), Requested: id.Dollars(2500)}
	r := s.open(svc, models.PipelineTriggered)

	out, err := svc.Process(s.system(), r.ID)
	s.Require().NoError(err)
	s.Equal(models.StageAwaitingApproval, out.Stage)
	s.Equal([]models.Stage{models.StageSubmitted, models.StageAIVerified, models.StageAwaitingApproval}, stages(out))
	s.Nil(out.Decision)
	s.Zero(s.notifier.count())
	s.Len(s.sink.OfType(notify.MilestoneAwaitingApproval), 1)
}

func (s *ServiceSuite) TestProcessIsIdempotent() {
	svc := s.engine(verdict(models.VerificationFlagged))
	r := s.open(svc, models.PipelineTriggered)

	first, err := svc.Process(s.system(), r.ID)
	s.Require().NoError(err)
	second, err := svc.Process(s.system(), r.ID)
	s.Require().NoError(err)
	s.Equal(first.History, second.History)
	s.Len(s.sink.OfType(notify.MilestoneAwaitingApproval), 1)
}

// =============================================================================
// Process: scheduled pipeline
// =============================================================================

func (s *ServiceSuite) TestProcessScheduled() {
	s.Run("active journey is paid automatically", func() {
		svc := s.engine(nil)
		r := s.open(svc, models.PipelineScheduled)

		out, err := svc.Process(s.system(), r.ID)
		s.Require().NoError(err)
		s.Equal([]models.Stage{models.StageScheduled, models.StageDue, models.StageAutoVerified, models.StageApproved}, stages(out))
		s.Len(s.subject.applied(), 1)
	})

	s.Run("ended journey waits for a human", func() {
		s.SetupTest()
		s.contracts.status = contractmodels.StatusCheck{Active: false, Reason: "journey ended"}
		svc := s.engine(nil)
		r := s.open(svc, models.PipelineScheduled)

		out, err := svc.Process(s.system(), r.ID)
		s.Require().NoError(err)
		s.Equal([]models.Stage{models.StageScheduled, models.StageDue, models.StageAwaitingApproval}, stages(out))
		s.Contains(out.History[len(out.History)-1].Note, "journey ended")
		s.Empty(s.subject.applied())
	})
}

// =============================================================================
// Decide
// =============================================================================

func (s *ServiceSuite) awaiting(svc *Service) *models.Request {
	r := s.open(svc, models.PipelineTriggered)
	out, err := svc.Process(s.system(), r.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.StageAwaitingApproval, out.Stage)
	return out
}

func (s *ServiceSuite) TestDecide() {
	svc := s.engine(verdict(models.VerificationReviewNeeded))

	s.Run("intended party approves", func() {
		r := s.awaiting(svc)
		out, err := svc.Decide(s.as(s.contract.IntendedParty, id.RoleIntendedParty), r.ID, id.OutcomeApproved, "")
		s.Require().NoError(err)
		s.Equal(models.StageApproved, out.Stage)
		s.Equal(s.contract.IntendedParty, out.Decision.DecidedBy)
		s.False(out.Decision.Automatic)
		s.NotNil(out.PaymentID)
	})

	s.Run("fulfilling party cannot decide", func() {
		r := s.awaiting(svc)
		_, err := svc.Decide(s.as(s.contract.FulfillingParty, id.RoleFulfillingParty), r.ID, id.OutcomeApproved, "")
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("denial needs a reason", func() {
		r := s.awaiting(svc)
		_, err := svc.Decide(s.as(s.admin, id.RoleAdmin), r.ID, id.OutcomeDenied, " ")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("needs info closes the request", func() {
		r := s.awaiting(svc)
		out, err := svc.Decide(s.as(s.admin, id.RoleAdmin), r.ID, id.OutcomeNeedsInfo, "scan is unreadable")
		s.Require().NoError(err)
		s.Equal(models.StageNeedsInfo, out.Stage)
		s.False(out.IsOpen())
		s.Nil(out.PaymentID)
	})

	s.Run("cannot decide before review", func() {
		r := s.open(svc, models.PipelineTriggered)
		_, err := svc.Decide(s.as(s.admin, id.RoleAdmin), r.ID, id.OutcomeApproved, "")
		var invalid *id.InvalidStateError
		s.ErrorAs(err, &invalid)
	})

	s.Run("second approval reports the milestone completed", func() {
		r := s.awaiting(svc)
		ctx := s.as(s.contract.IntendedParty, id.RoleIntendedParty)
		first, err := svc.Decide(ctx, r.ID, id.OutcomeApproved, "")
		s.Require().NoError(err)

		_, err = svc.Decide(ctx, r.ID, id.OutcomeApproved, "")
		var done *id.AlreadyCompletedError
		s.Require().ErrorAs(err, &done)
		s.Equal(*first.PaymentID, done.PaymentID)
	})
}

func (s *ServiceSuite) TestConcurrentDecisionsPayOnce() {
	svc := s.engine(verdict(models.VerificationReviewNeeded))
	r := s.awaiting(svc)
	ctx := s.as(s.contract.IntendedParty, id.RoleIntendedParty)

	const deciders = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		completed int
	)
	for range deciders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Decide(ctx, r.ID, id.OutcomeApproved, "")
			mu.Lock()
			defer mu.Unlock()
			var done *id.AlreadyCompletedError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &done):
				completed++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, succeeded)
	s.Equal(deciders-1, completed)
	s.Len(s.subject.applied(), 1)
	s.Equal(1, s.notifier.count())
}

func (s *ServiceSuite) TestCancel() {
	svc := s.engine(verdict(models.VerificationFlagged))
	r := s.awaiting(svc)

	out, err := svc.Cancel(s.as(s.contract.FulfillingParty, id.RoleFulfillingParty), r.ID, "wrong document")
	s.Require().NoError(err)
	s.Equal(models.StageCancelled, out.Stage)
	s.False(out.IsOpen())
	s.Nil(out.PaymentID)
	s.Equal("cancelled: wrong document", out.Decision.Reason)
	s.Contains(s.auditStore.Actions(s.contract.ID), string(audit.EventApprovalCancelled))

	applied := s.subject.applied()
	s.Require().Len(applied, 1)
	s.Equal(id.OutcomeNeedsInfo, applied[0].Outcome, "the subject is sent back for evidence, not denied")

	_, err = svc.Decide(s.as(s.admin, id.RoleAdmin), r.ID, id.OutcomeApproved, "")
	var invalid *id.InvalidStateError
	s.ErrorAs(err, &invalid, "a cancelled request cannot be decided")

	again, err := svc.Open(s.system(), models.OpenRequest{
		SubjectKind: models.SubjectMilestone,
		SubjectID:   r.SubjectID,
		ContractID:  s.contract.ID,
		Pipeline:    models.PipelineTriggered,
	})
	s.Require().NoError(err, "the subject can open a new request")
	s.True(again.IsOpen())

	_, err = svc.Cancel(s.as(id.PartyID(uuid.New()), id.RoleFulfillingParty), s.awaiting(svc).ID, "")
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
}

func (s *ServiceSuite) TestDecisionFailsClosedOnAudit() {
	svc := s.engine(verdict(models.VerificationFlagged))
	r := s.awaiting(svc)
	s.auditStore.FailWith(errors.New("audit store down"))

	_, err := svc.Decide(s.as(s.admin, id.RoleAdmin), r.ID, id.OutcomeApproved, "")
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	s.Zero(s.notifier.count())
}
