package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	approvalmodels "escrow/internal/approval/models"
	approvalsvc "escrow/internal/approval/service"
	approvalstore "escrow/internal/approval/store"
	"escrow/internal/approval/verifier"
	contractmodels "escrow/internal/contract/models"
	ledgermodels "escrow/internal/ledger/models"
	ledgersvc "escrow/internal/ledger/service"
	ledgerstore "escrow/internal/ledger/store"
	"escrow/internal/reimbursement/calculator"
	"escrow/internal/reimbursement/models"
	"escrow/internal/reimbursement/store"
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
}

func (s *stubContracts) Get(_ context.Context, contractID id.ContractID) (*contractmodels.Contract, error) {
	if s.contract == nil || contractID != s.contract.ID {
		return nil, dErrors.New(dErrors.CodeNotFound, "no confirmed version for contract")
	}
	return s.contract, nil
}

func (s *stubContracts) CheckStatus(context.Context, id.ContractID) (contractmodels.StatusCheck, error) {
	return contractmodels.StatusCheck{Active: true}, nil
}

type stubVerifier struct {
	status approvalmodels.VerificationStatus
}

func (v *stubVerifier) Verify(context.Context, verifier.Request) (approvalmodels.Verification, error) {
	return approvalmodels.Verification{Status: v.status, Attempts: 1}, nil
}

type ServiceSuite struct {
	suite.Suite
	auditStore *auditmemory.InMemoryStore
	verifier   *stubVerifier
	ledger     *ledgersvc.Service
	approvals  *approvalsvc.Service
	service    *Service
	contract   *contractmodels.Contract
	now        time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.auditStore = auditmemory.NewInMemoryStore()
	s.now = time.Date(2026, 7, 15, 10, 0, 0, 0, time.UTC)
	s.contract = &contractmodels.Contract{
		ID:              id.ContractID(uuid.New()),
		Version:         1,
		IntendedParty:   id.PartyID(uuid.New()),
		FulfillingParty: id.PartyID(uuid.New()),
		StartDate:       time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Status:          contractmodels.StatusConfirmed,
		Terms: contractmodels.Terms{
			CategoryCaps: map[id.Category]contractmodels.CategoryCap{
				id.CategoryLostWages: {Monthly: id.Dollars(1400), Lifetime: id.Dollars(5000)},
			},
			AutoApprove: true,
		},
	}
	contracts := &stubContracts{contract: s.contract}
	s.verifier = &stubVerifier{status: approvalmodels.VerificationVerified}

	var err error
	s.ledger, err = ledgersvc.New(ledgerstore.NewInMemoryStore(),
		ledgersvc.WithLogger(logger),
		ledgersvc.WithContracts(contracts),
	)
	s.Require().NoError(err)
	s.approvals, err = approvalsvc.New(approvalstore.NewInMemoryStore(), contracts,
		approvalsvc.WithLogger(logger),
		approvalsvc.WithVerifier(s.verifier),
		approvalsvc.WithPaymentNotifier(s.ledger),
	)
	s.Require().NoError(err)
	s.service, err = New(store.NewInMemoryStore(), contracts, s.ledger,
		WithLogger(logger),
		WithApprovals(s.approvals),
		WithComplianceAuditor(compliance.New(s.auditStore)),
		WithAuditPublisher(publisher.NewPublisher(s.auditStore)),
	)
	s.Require().NoError(err)
	s.approvals.RegisterSubject(approvalmodels.SubjectReimbursement, s.service)

	_, err = s.ledger.Deposit(s.intended(), ledgersvc.DepositRequest{ContractID: s.contract.ID, Amount: id.Dollars(10000)})
	s.Require().NoError(err)
}

func (s *ServiceSuite) as(party id.PartyID, role id.Role) context.Context {
	ctx := requestcontext.WithActor(context.Background(), party, role)
	return requestcontext.WithTime(ctx, s.now)
}

func (s *ServiceSuite) fulfilling() context.Context {
	return s.as(s.contract.FulfillingParty, id.RoleFulfillingParty)
}

func (s *ServiceSuite) intended() context.Context {
	return s.as(s.contract.IntendedParty, id.RoleIntendedParty)
}

func hourly(rate, hours int64) *calculator.Input {
	return &calculator.Input{Type: calculator.KindHourly, Rate: id.Dollars(rate), HoursMissed: decimal.NewFromInt(hours)}
}

func (s *ServiceSuite) wageClaim(in *calculator.Input) models.Claim {
	return models.Claim{
		ContractID: s.contract.ID,
		Category:   id.CategoryLostWages,
		Employment: in,
		Evidence:   []string{"doc:paystub"},
	}
}

func (s *ServiceSuite) submit(claim models.Claim) *models.Request {
	r, err := s.service.Submit(s.fulfilling(), claim)
	s.Require().NoError(err)
	return r
}

func (s *ServiceSuite) reimbursementPayments() []*ledgermodels.Payment {
	history, err := s.ledger.History(context.Background(), s.contract.ID)
	s.Require().NoError(err)
	var out []*ledgermodels.Payment
	for _, p := range history {
		if p.Type == ledgermodels.TypeReimbursement {
			out = append(out, p)
		}
	}
	return out
}

func (s *ServiceSuite) TestQuote() {
	q, err := s.service.Quote(s.intended(), s.wageClaim(&calculator.Input{
		Type:          calculator.KindSalaried,
		MonthlySalary: id.Dollars(5000),
		WeeklyHours:   decimal.NewFromInt(40),
		HoursMissed:   decimal.NewFromInt(4),
	}))
	s.Require().NoError(err)
	s.Equal("115.47", q.Amount.String())
	s.True(q.WithinCap)
	s.Require().NotNil(q.Allowance.RemainingMonthly)
	s.Equal(id.Dollars(1400), *q.Allowance.RemainingMonthly)

	_, err = s.service.Quote(s.as(id.PartyID(uuid.New()), id.RoleFulfillingParty), s.wageClaim(hourly(24, 4)))
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
}

func (s *ServiceSuite) TestSubmitAutoApproves() {
	r := s.submit(s.wageClaim(hourly(24, 4)))

	s.Equal(models.StatusApproved, r.Status)
	s.Equal(id.Dollars(96), r.Amount)
	s.Require().NotNil(r.PaymentID)

	payments := s.reimbursementPayments()
	s.Require().Len(payments, 1)
	s.Equal(*r.PaymentID, payments[0].ID)
	s.Equal(id.CategoryLostWages, payments[0].Category)
	s.Equal(s.contract.FulfillingParty, payments[0].Payee)

	balance, err := s.ledger.Balance(context.Background(), s.contract.ID)
	s.Require().NoError(err)
	s.Equal(id.Dollars(10000-96), balance.Balance)

	actions := s.auditStore.Actions(s.contract.ID)
	s.Contains(actions, string(audit.EventReimbursementSubmitted))
	s.Contains(actions, string(audit.EventReimbursementApproved))
}

func (s *ServiceSuite) TestMonthlyCapRejectsAtSubmission() {
	s.submit(s.wageClaim(hourly(135, 10)))

	q, err := s.service.Quote(s.fulfilling(), s.wageClaim(hourly(25, 4)))
	s.Require().NoError(err)
	s.False(q.WithinCap)
	s.Require().NotNil(q.Allowance.RemainingMonthly)
	s.Equal(id.Dollars(50), *q.Allowance.RemainingMonthly)

	_, err = s.service.Submit(s.fulfilling(), s.wageClaim(hourly(25, 4)))
	var capErr *id.CapExceededError
	s.Require().True(errors.As(err, &capErr), "got %v", err)
	s.Equal(id.Dollars(100), capErr.Requested)
	s.Equal(id.Dollars(1350), capErr.AlreadyUsed)
	s.Equal(id.Dollars(1400), capErr.Cap)
	s.Len(s.reimbursementPayments(), 1)

	s.Run("a new month starts from zero", func() {
		s.now = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
		r := s.submit(s.wageClaim(hourly(25, 4)))
		s.Equal(models.StatusApproved, r.Status)
	})
}

func (s *ServiceSuite) TestCapRecheckedAtApproval() {
	s.contract.Terms.AutoApprove = false
	first := s.submit(s.wageClaim(hourly(80, 10)))
	second := s.submit(s.wageClaim(hourly(80, 10)))
	s.Equal(models.StatusSubmitted, first.Status)
	s.Equal(models.StatusSubmitted, second.Status)

	_, err := s.approvals.Decide(s.intended(), *first.ApprovalID, id.OutcomeApproved, "")
	s.Require().NoError(err)

	_, err = s.approvals.Decide(s.intended(), *second.ApprovalID, id.OutcomeApproved, "")
	s.True(dErrors.HasCode(err, dErrors.CodeCapExceeded), "got %v", err)

	got, err := s.service.Get(context.Background(), second.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusSubmitted, got.Status)
	req, err := s.approvals.Get(context.Background(), *second.ApprovalID)
	s.Require().NoError(err)
	s.Equal(approvalmodels.StageAwaitingApproval, req.Stage)
	s.Len(s.reimbursementPayments(), 1)
}

func (s *ServiceSuite) TestExpenseClaimsAreUncappedWithoutTerms() {
	r := s.submit(models.Claim{
		ContractID: s.contract.ID,
		Category:   id.CategoryTravel,
		Amount:     id.Dollars(2000),
		Evidence:   []string{"doc:mileage-log"},
	})
	s.Equal(models.StatusApproved, r.Status)
	s.Nil(r.Employment)
}

func (s *ServiceSuite) TestNeedsInfoThenResubmit() {
	s.verifier.status = approvalmodels.VerificationFlagged
	r := s.submit(s.wageClaim(hourly(24, 4)))
	s.Equal(models.StatusSubmitted, r.Status)

	_, err := s.approvals.Decide(s.intended(), *r.ApprovalID, id.OutcomeNeedsInfo, "paystub is illegible")
	s.Require().NoError(err)
	got, err := s.service.Get(context.Background(), r.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusNeedsInfo, got.Status)

	s.verifier.status = approvalmodels.VerificationVerified
	again, err := s.service.Resubmit(s.fulfilling(), r.ID, []string{"doc:paystub-rescan"}, "")
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, again.Status)
	s.Equal([]string{"doc:paystub", "doc:paystub-rescan"}, again.Evidence)
	s.NotEqual(*r.ApprovalID, *again.ApprovalID)

	_, err = s.service.Resubmit(s.fulfilling(), r.ID, []string{"doc:more"}, "")
	var stateErr *id.InvalidStateError
	s.True(errors.As(err, &stateErr))
}

func (s *ServiceSuite) TestCancelReturnsClaimForEvidence() {
	s.verifier.status = approvalmodels.VerificationFlagged
	r := s.submit(s.wageClaim(hourly(24, 4)))

	_, err := s.approvals.Cancel(s.fulfilling(), *r.ApprovalID, "attached the wrong paystub")
	s.Require().NoError(err)
	got, err := s.service.Get(context.Background(), r.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusNeedsInfo, got.Status)
	s.Empty(got.DenialReason)

	s.verifier.status = approvalmodels.VerificationVerified
	again, err := s.service.Resubmit(s.fulfilling(), r.ID, []string{"doc:paystub-2"}, "")
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, again.Status)
}

func (s *ServiceSuite) TestDeny() {
	s.verifier.status = approvalmodels.VerificationReviewNeeded
	r := s.submit(s.wageClaim(hourly(24, 4)))

	_, err := s.approvals.Decide(s.intended(), *r.ApprovalID, id.OutcomeDenied, "hours not in the work schedule")
	s.Require().NoError(err)

	got, err := s.service.Get(context.Background(), r.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusDenied, got.Status)
	s.Equal("hours not in the work schedule", got.DenialReason)
	s.Nil(got.PaymentID)
	s.Empty(s.reimbursementPayments())
	s.Contains(s.auditStore.Actions(s.contract.ID), string(audit.EventReimbursementDenied))
}

func (s *ServiceSuite) TestInsufficientBalanceWaitsForReview() {
	r := s.submit(models.Claim{
		ContractID: s.contract.ID,
		Category:   id.CategoryMedicalExpense,
		Amount:     id.Dollars(12000),
		Evidence:   []string{"doc:hospital-bill"},
	})
	s.Equal(models.StatusSubmitted, r.Status)

	req, err := s.approvals.Get(context.Background(), *r.ApprovalID)
	s.Require().NoError(err)
	s.Equal(approvalmodels.StageAwaitingApproval, req.Stage)
	s.Empty(s.reimbursementPayments())
}

func (s *ServiceSuite) TestApplyDecisionIsIdempotent() {
	r := s.submit(s.wageClaim(hourly(24, 4)))
	req, err := s.approvals.Get(context.Background(), *r.ApprovalID)
	s.Require().NoError(err)
	s.Require().NotNil(req.Decision)

	p, created, err := s.service.ApplyDecision(s.intended(), req, *req.Decision)
	s.Require().NoError(err)
	s.False(created)
	s.Equal(*r.PaymentID, p.ID)
	s.Len(s.reimbursementPayments(), 1)

	stale := *req.Decision
	stale.ApprovalID = id.ApprovalID(uuid.New())
	_, _, err = s.service.ApplyDecision(s.intended(), req, stale)
	var stateErr *id.InvalidStateError
	s.True(errors.As(err, &stateErr), "got %v", err)
}

func (s *ServiceSuite) TestSubmitRejects() {
	tests := []struct {
		name  string
		ctx   func() context.Context
		claim models.Claim
		code  dErrors.Code
	}{
		{"intended party", s.intended, s.wageClaim(hourly(24, 4)), dErrors.CodeForbidden},
		{"milestone category", s.fulfilling, models.Claim{ContractID: s.contract.ID, Category: id.CategoryDelivery, Amount: id.Dollars(10), Evidence: []string{"doc"}}, dErrors.CodeValidation},
		{"wages with an amount", s.fulfilling, func() models.Claim {
			c := s.wageClaim(hourly(24, 4))
			c.Amount = id.Dollars(96)
			return c
		}(), dErrors.CodeValidation},
		{"wages without employment", s.fulfilling, s.wageClaim(nil), dErrors.CodeValidation},
		{"expense without amount", s.fulfilling, models.Claim{ContractID: s.contract.ID, Category: id.CategoryChildcare, Evidence: []string{"doc"}}, dErrors.CodeValidation},
		{"no evidence", s.fulfilling, models.Claim{ContractID: s.contract.ID, Category: id.CategoryChildcare, Amount: id.Dollars(10), Evidence: []string{" "}}, dErrors.CodeValidation},
		{"self-employed without document", s.fulfilling, s.wageClaim(&calculator.Input{
			Type: calculator.KindSelfEmployed, Rate: id.Dollars(40), HoursMissed: decimal.NewFromInt(3),
		}), dErrors.CodeValidation},
		{"unknown contract", s.fulfilling, models.Claim{ContractID: id.ContractID(uuid.New()), Category: id.CategoryTravel, Amount: id.Dollars(10), Evidence: []string{"doc"}}, dErrors.CodeNotFound},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.service.Submit(tt.ctx(), tt.claim)
			s.Require().Error(err)
			s.Equal(tt.code, dErrors.CodeOf(err), "got %v", err)
		})
	}
	s.Empty(s.reimbursementPayments())
}

func (s *ServiceSuite) TestListByContract() {
	list, err := s.service.ListByContract(context.Background(), s.contract.ID)
	s.Require().NoError(err)
	s.NotNil(list)
	s.Empty(list)

	s.submit(s.wageClaim(hourly(24, 4)))
	list, err = s.service.ListByContract(context.Background(), s.contract.ID)
	s.Require().NoError(err)
	s.Len(list, 1)
}
