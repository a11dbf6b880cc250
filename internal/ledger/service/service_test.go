package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	contractmodels "escrow/internal/contract/models"
	"escrow/internal/ledger/models"
	"escrow/internal/ledger/store"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/audit"
	"escrow/pkg/platform/audit/publisher"
	"escrow/pkg/platform/audit/publishers/compliance"
	auditmemory "escrow/pkg/platform/audit/store/memory"
	"escrow/pkg/requestcontext"
)

type stubContracts map[id.ContractID]*contractmodels.Contract

func (s stubContracts) Get(_ context.Context, contractID id.ContractID) (*contractmodels.Contract, error) {
	c, ok := s[contractID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "no confirmed version for contract")
	}
	return c, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	payments []*models.Payment
}

func (o *recordingObserver) PaymentRecorded(_ context.Context, p *models.Payment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.payments = append(o.payments, p)
}

type ServiceSuite struct {
	suite.Suite
	store      *store.InMemoryStore
	auditStore *auditmemory.InMemoryStore
	observer   *recordingObserver
	service    *Service
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
	s.observer = &recordingObserver{}
	s.admin = id.PartyID(uuid.New())
	s.now = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	s.contract = &contractmodels.Contract{
		ID:              id.ContractID(uuid.New()),
		Version:         1,
		IntendedParty:   id.PartyID(uuid.New()),
		FulfillingParty: id.PartyID(uuid.New()),
		Status:          contractmodels.StatusConfirmed,
	}

	var err error
	s.service, err = New(s.store,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithContracts(stubContracts{s.contract.ID: s.contract}),
		WithComplianceAuditor(compliance.New(s.auditStore)),
		WithAuditPublisher(publisher.NewPublisher(s.auditStore)),
		WithObserver(s.observer),
	)
	s.Require().NoError(err)
}

func (s *ServiceSuite) as(party id.PartyID, role id.Role) context.Context {
	ctx := requestcontext.WithActor(context.Background(), party, role)
	return requestcontext.WithTime(ctx, s.now)
}

func (s *ServiceSuite) fund(amount id.Money) {
	_, err := s.service.Deposit(s.as(s.contract.IntendedParty, id.RoleIntendedParty),
		DepositRequest{ContractID: s.contract.ID, Amount: amount})
	s.Require().NoError(err)
}

func (s *ServiceSuite) milestoneDisbursement(amount id.Money) DisburseRequest {
	milestone := id.MilestoneID(uuid.New())
	return DisburseRequest{
		ContractID:     s.contract.ID,
		Type:           models.TypeMilestone,
		Category:       id.CategoryMedical,
		Amount:         amount,
		Payer:          s.contract.IntendedParty,
		Payee:          s.contract.FulfillingParty,
		MilestoneID:    &milestone,
		IdempotencyKey: "milestone:" + milestone.String(),
	}
}

// =============================================================================
// Deposit
// =============================================================================

func (s *ServiceSuite) TestDeposit() {
	s.Run("intended party funds escrow", func() {
		p, err := s.service.Deposit(s.as(s.contract.IntendedParty, id.RoleIntendedParty),
			DepositRequest{ContractID: s.contract.ID, Amount: id.Dollars(20000), Reference: "wire-1"})
		s.Require().NoError(err)
		s.Equal(models.StatusPaid, p.Status)
		s.Equal(s.contract.IntendedParty, p.Payer)
		s.Contains(s.auditStore.Actions(s.contract.ID), string(audit.EventDepositRecorded))
		s.Len(s.observer.payments, 1)
	})

	s.Run("retried reference is a no-op", func() {
		p, err := s.service.Deposit(s.as(s.contract.IntendedParty, id.RoleIntendedParty),
			DepositRequest{ContractID: s.contract.ID, Amount: id.Dollars(20000), Reference: "wire-1"})
		s.Require().NoError(err)
		s.Equal(int64(1), p.AccountSeq)
		s.Len(s.observer.payments, 1)

		snap, err := s.service.Balance(context.Background(), s.contract.ID)
		s.Require().NoError(err)
		s.Equal(id.Dollars(20000), snap.Balance)
	})

	s.Run("fulfilling party cannot deposit", func() {
		_, err := s.service.Deposit(s.as(s.contract.FulfillingParty, id.RoleFulfillingParty),
			DepositRequest{ContractID: s.contract.ID, Amount: id.Dollars(1)})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("non-positive amount", func() {
		_, err := s.service.Deposit(s.as(s.admin, id.RoleAdmin),
			DepositRequest{ContractID: s.contract.ID, Amount: 0})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

// =============================================================================
// Disburse
// =============================================================================

func (s *ServiceSuite) TestDisburse() {
	s.fund(id.Dollars(1000))
	ctx := s.as(s.admin, id.RoleAdmin)

	s.Run("appends an approved payment and audits it", func() {
		p, created, err := s.service.Disburse(ctx, s.milestoneDisbursement(id.Dollars(400)))
		s.Require().NoError(err)
		s.True(created)
		s.Equal(models.StatusApproved, p.Status)
		s.Contains(s.auditStore.Actions(s.contract.ID), string(audit.EventPaymentDisbursed))
	})

	s.Run("same key yields the same payment", func() {
		req := s.milestoneDisbursement(id.Dollars(100))
		first, _, err := s.service.Disburse(ctx, req)
		s.Require().NoError(err)
		second, created, err := s.service.Disburse(ctx, req)
		s.Require().NoError(err)
		s.False(created)
		s.Equal(first.ID, second.ID)
	})

	s.Run("insufficient balance carries the boundary", func() {
		_, _, err := s.service.Disburse(ctx, s.milestoneDisbursement(id.Dollars(501)))
		var insufficient *id.InsufficientBalanceError
		s.Require().ErrorAs(err, &insufficient)
		s.Equal(id.Dollars(500), insufficient.Available)
		s.Equal(id.Dollars(501), insufficient.Requested)
	})

	s.Run("guard runs under the lock", func() {
		req := s.milestoneDisbursement(id.Dollars(1))
		blocked := errors.New("guard says no")
		req.Guard = func(*models.Account) error { return blocked }
		_, _, err := s.service.Disburse(ctx, req)
		s.ErrorIs(err, blocked)
	})

	s.Run("deposits cannot be disbursed", func() {
		req := s.milestoneDisbursement(id.Dollars(1))
		req.Type = models.TypeDeposit
		_, _, err := s.service.Disburse(ctx, req)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("observers wait for NotifyCommitted", func() {
		s.Len(s.observer.payments, 1, "only the deposit so far")
	})
}

func (s *ServiceSuite) TestConcurrentDisbursementsSameKey() {
	s.fund(id.Dollars(1000))
	ctx := s.as(s.admin, id.RoleAdmin)
	req := s.milestoneDisbursement(id.Dollars(300))

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := s.service.Disburse(ctx, req); err == nil && ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), created.Load())
	snap, err := s.service.Balance(ctx, s.contract.ID)
	s.Require().NoError(err)
	s.Equal(id.Dollars(700), snap.Balance)
}

func (s *ServiceSuite) TestDisburseFailsClosedOnAudit() {
	s.fund(id.Dollars(100))
	s.auditStore.FailWith(errors.New("audit down"))
	ctx := s.as(s.admin, id.RoleAdmin)
	req := s.milestoneDisbursement(id.Dollars(10))
	_, _, err := s.service.Disburse(ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))

	snap, err := s.service.Balance(ctx, s.contract.ID)
	s.Require().NoError(err)
	s.Equal(id.Dollars(100), snap.Balance, "the failed disbursement is rolled back")
	s.Equal(int64(1), snap.Head)
	payments, err := s.store.ListPayments(ctx, s.contract.ID)
	s.Require().NoError(err)
	s.Len(payments, 1)

	s.auditStore.FailWith(nil)
	p, created, err := s.service.Disburse(ctx, req)
	s.Require().NoError(err)
	s.True(created, "the idempotency key was released")
	s.Equal(int64(2), p.AccountSeq)
}

// =============================================================================
// MarkPaid
// =============================================================================

func (s *ServiceSuite) TestMarkPaid() {
	s.fund(id.Dollars(100))
	p, _, err := s.service.Disburse(s.as(s.admin, id.RoleAdmin), s.milestoneDisbursement(id.Dollars(10)))
	s.Require().NoError(err)

	s.Run("requires admin", func() {
		_, err := s.service.MarkPaid(s.as(s.contract.IntendedParty, id.RoleIntendedParty), p.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("approved becomes paid once", func() {
		paid, err := s.service.MarkPaid(s.as(s.admin, id.RoleAdmin), p.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusPaid, paid.Status)
		s.Require().NotNil(paid.PaidAt)

		_, err = s.service.MarkPaid(s.as(s.admin, id.RoleAdmin), p.ID)
		var invalid *id.InvalidStateError
		s.ErrorAs(err, &invalid)
	})

	s.Run("unknown payment", func() {
		_, err := s.service.MarkPaid(s.as(s.admin, id.RoleAdmin), id.PaymentID(uuid.New()))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

// =============================================================================
// Reconcile and replay
// =============================================================================

func (s *ServiceSuite) TestReconcileAndReplay() {
	s.fund(id.Dollars(500))
	ctx := s.as(s.admin, id.RoleAdmin)
	_, _, err := s.service.Disburse(ctx, s.milestoneDisbursement(id.Dollars(120)))
	s.Require().NoError(err)

	other := &contractmodels.Contract{ID: id.ContractID(uuid.New()), IntendedParty: id.PartyID(uuid.New())}
	s.service.contracts.(stubContracts)[other.ID] = other
	_, err = s.service.Deposit(s.as(other.IntendedParty, id.RoleIntendedParty),
		DepositRequest{ContractID: other.ID, Amount: id.Dollars(42)})
	s.Require().NoError(err)

	report, err := s.service.Reconcile(ctx, s.contract.ID)
	s.Require().NoError(err)
	s.Empty(report.Problems)
	s.Equal(2, report.Payments)
	s.Equal(id.Dollars(380), report.Snapshot.Balance)

	snaps, err := s.service.Replay(ctx)
	s.Require().NoError(err)
	s.Require().Len(snaps, 2)
	byContract := map[id.ContractID]models.Snapshot{}
	for _, snap := range snaps {
		byContract[snap.ContractID] = snap
	}
	s.Equal(id.Dollars(380), byContract[s.contract.ID].Balance)
	s.Equal(id.Dollars(42), byContract[other.ID].Balance)
}

func (s *ServiceSuite) TestConcurrentAccountsReplayDeterministically() {
	const accounts, rounds = 5, 8
	ctx := s.as(s.admin, id.RoleAdmin)

	contracts := []id.ContractID{s.contract.ID}
	for len(contracts) < accounts {
		c := &contractmodels.Contract{ID: id.ContractID(uuid.New()), IntendedParty: id.PartyID(uuid.New())}
		s.service.contracts.(stubContracts)[c.ID] = c
		contracts = append(contracts, c.ID)
	}
	for _, c := range contracts {
		_, err := s.service.Deposit(ctx, DepositRequest{ContractID: c, Amount: id.Dollars(100)})
		s.Require().NoError(err)
	}

	var (
		wg       sync.WaitGroup
		failures atomic.Int32
	)
	for _, c := range contracts {
		for r := 0; r < rounds; r++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if _, err := s.service.Deposit(ctx, DepositRequest{ContractID: c, Amount: id.Dollars(7)}); err != nil {
					failures.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				req := s.milestoneDisbursement(id.Dollars(4))
				req.ContractID = c
				if _, _, err := s.service.Disburse(ctx, req); err != nil {
					failures.Add(1)
				}
			}()
		}
	}
	wg.Wait()
	s.Require().Zero(failures.Load())

	first, err := s.service.Replay(ctx)
	s.Require().NoError(err)
	second, err := s.service.Replay(ctx)
	s.Require().NoError(err)
	s.Equal(first, second)
	s.Require().Len(first, accounts)

	for _, snap := range first {
		balance, err := s.service.Balance(ctx, snap.ContractID)
		s.Require().NoError(err)
		s.Equal(balance, snap)
		s.Equal(id.Dollars(100+rounds*7-rounds*4), snap.Balance)

		account, err := s.service.Account(ctx, snap.ContractID)
		s.Require().NoError(err)
		s.Require().Len(account.Entries, 1+2*rounds)
		for i, e := range account.Entries {
			s.Equal(int64(i+1), e.AccountSeq, "account %s has a gap at %d", snap.ContractID, i)
		}
	}
}

func (s *ServiceSuite) TestReconcileDetectsDrift() {
	contractID := id.ContractID(uuid.New())
	paymentID := id.PaymentID(uuid.New())
	a := &models.Account{ContractID: contractID, Entries: []models.Entry{
		{Seq: 1, AccountSeq: 1, PaymentID: paymentID, Type: models.TypeDeposit, Amount: id.Dollars(10)},
		{Seq: 2, AccountSeq: 3, PaymentID: id.PaymentID(uuid.New()), Type: models.TypeMilestone, Amount: id.Dollars(20)},
	}}
	payments := []*models.Payment{{ID: paymentID, Type: models.TypeDeposit, Amount: id.Dollars(10)}}

	problems := reconcile(a, payments, 2)
	s.Contains(problems, "2 entries but 1 payments")
	s.Contains(problems, "entry 2 has account_seq 3, want 2")
	s.Contains(problems, "entry 2 has no payment")
	s.Contains(problems, "balance negative after entry 2")
	s.Contains(problems, "stored head 2 differs from last entry 3")
}
