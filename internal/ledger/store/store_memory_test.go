package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"escrow/internal/ledger/models"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
	txcontext "escrow/pkg/platform/tx"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store    *InMemoryStore
	contract id.ContractID
	now      time.Time
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.contract = id.ContractID(uuid.New())
	s.now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
}

func (s *InMemoryStoreSuite) payment(t models.PaymentType, amount id.Money, key string) *models.Payment {
	p := &models.Payment{
		ID:             id.PaymentID(uuid.New()),
		ContractID:     s.contract,
		Type:           t,
		Category:       id.CategoryDeposit,
		Amount:         amount,
		Status:         models.StatusPaid,
		IdempotencyKey: key,
		CreatedAt:      s.now,
	}
	if t == models.TypeMilestone {
		m := id.MilestoneID(uuid.New())
		p.MilestoneID = &m
		p.Category = id.CategoryMedical
		p.Status = models.StatusApproved
	}
	return p
}

// =============================================================================
// Append
// =============================================================================

func (s *InMemoryStoreSuite) TestAppend() {
	ctx := context.Background()

	s.Run("assigns global and per-account positions", func() {
		first, created, err := s.store.Append(ctx, s.payment(models.TypeDeposit, id.Dollars(100), "d1"), nil)
		s.Require().NoError(err)
		s.True(created)
		s.Equal(int64(1), first.Position)
		s.Equal(int64(1), first.AccountSeq)

		other := s.payment(models.TypeDeposit, id.Dollars(5), "other")
		other.ContractID = id.ContractID(uuid.New())
		_, _, err = s.store.Append(ctx, other, nil)
		s.Require().NoError(err)

		second, _, err := s.store.Append(ctx, s.payment(models.TypeDeposit, id.Dollars(50), "d2"), nil)
		s.Require().NoError(err)
		s.Equal(int64(3), second.Position)
		s.Equal(int64(2), second.AccountSeq)

		head, err := s.store.Head(ctx, s.contract)
		s.Require().NoError(err)
		s.Equal(int64(2), head)
	})

	s.Run("repeated idempotency key returns the stored payment", func() {
		again, created, err := s.store.Append(ctx, s.payment(models.TypeDeposit, id.Dollars(999), "d1"), nil)
		s.Require().NoError(err)
		s.False(created)
		s.Equal(id.Dollars(100), again.Amount)

		account, err := s.store.Account(ctx, s.contract)
		s.Require().NoError(err)
		s.Equal(id.Dollars(150), account.Balance())
	})

	s.Run("a failed check writes nothing", func() {
		boom := errors.New("no")
		_, _, err := s.store.Append(ctx, s.payment(models.TypeMilestone, id.Dollars(10), "m1"),
			func(*models.Account) error { return boom })
		s.ErrorIs(err, boom)

		_, err = s.store.FindByIdempotencyKey(ctx, "m1")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestConcurrentDisbursementsNeverOverdraw() {
	ctx := context.Background()
	_, _, err := s.store.Append(ctx, s.payment(models.TypeDeposit, id.Dollars(100), "seed"), nil)
	s.Require().NoError(err)

	check := func(amount id.Money) func(*models.Account) error {
		return func(a *models.Account) error {
			if a.Balance() < amount {
				return errors.New("insufficient")
			}
			return nil
		}
	}

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := s.payment(models.TypeMilestone, id.Dollars(30), uuid.NewString())
			if _, _, err := s.store.Append(ctx, p, check(p.Amount)); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(3), successes.Load())
	account, err := s.store.Account(ctx, s.contract)
	s.Require().NoError(err)
	s.Equal(id.Dollars(10), account.Balance())
}

// =============================================================================
// Reads
// =============================================================================

func (s *InMemoryStoreSuite) TestEntriesPaging() {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _, err := s.store.Append(ctx, s.payment(models.TypeDeposit, id.Dollars(1), uuid.NewString()), nil)
		s.Require().NoError(err)
	}

	page, err := s.store.Entries(ctx, 0, 2)
	s.Require().NoError(err)
	s.Require().Len(page, 2)
	s.Equal(int64(1), page[0].Seq)

	rest, err := s.store.Entries(ctx, page[1].Seq, 0)
	s.Require().NoError(err)
	s.Len(rest, 3)
	s.Equal(int64(3), rest[0].Seq)
}

func (s *InMemoryStoreSuite) TestExecuteOnlyTouchesStatus() {
	ctx := context.Background()
	p, _, err := s.store.Append(ctx, s.payment(models.TypeMilestone, id.Dollars(10), "m"), nil)
	s.Require().NoError(err)

	paidAt := s.now.Add(time.Hour)
	updated, err := s.store.Execute(ctx, p.ID,
		func(p *models.Payment) error { return nil },
		func(p *models.Payment) {
			p.Status = models.StatusPaid
			p.PaidAt = &paidAt
			p.Amount = id.Dollars(1_000_000)
		})
	s.Require().NoError(err)
	s.Equal(models.StatusPaid, updated.Status)
	s.Equal(id.Dollars(10), updated.Amount)

	_, err = s.store.Execute(ctx, id.PaymentID(uuid.New()),
		func(*models.Payment) error { return nil }, func(*models.Payment) {})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *InMemoryStoreSuite) TestFailedTransactionRemovesAppend() {
	ctx := context.Background()
	_, _, err := s.store.Append(ctx, s.payment(models.TypeDeposit, id.Dollars(100), "seed"), nil)
	s.Require().NoError(err)

	failed := errors.New("audit down")
	err = txcontext.LocalRunner{}.RunInTx(ctx, func(ctx context.Context) error {
		p, created, err := s.store.Append(ctx, s.payment(models.TypeMilestone, id.Dollars(10), "m-1"), nil)
		s.Require().NoError(err)
		s.True(created)
		s.Equal(int64(2), p.AccountSeq)
		return failed
	})
	s.ErrorIs(err, failed)

	account, err := s.store.Account(ctx, s.contract)
	s.Require().NoError(err)
	s.Equal(id.Dollars(100), account.Balance())
	s.Len(account.Entries, 1)
	_, err = s.store.FindByIdempotencyKey(ctx, "m-1")
	s.ErrorIs(err, sentinel.ErrNotFound)

	p, created, err := s.store.Append(ctx, s.payment(models.TypeMilestone, id.Dollars(10), "m-1"), nil)
	s.Require().NoError(err)
	s.True(created, "the key is free again")
	s.Equal(int64(2), p.AccountSeq)
	s.Equal(int64(3), p.Position, "the global sequence keeps the gap")
}

func (s *InMemoryStoreSuite) TestFailedTransactionOnNewAccountLeavesNoAccount() {
	ctx := context.Background()
	_ = txcontext.LocalRunner{}.RunInTx(ctx, func(ctx context.Context) error {
		_, _, err := s.store.Append(ctx, s.payment(models.TypeDeposit, id.Dollars(5), "dep"), nil)
		s.Require().NoError(err)
		return errors.New("rolled back")
	})
	accounts, err := s.store.Accounts(ctx)
	s.Require().NoError(err)
	s.Empty(accounts)
}

func (s *InMemoryStoreSuite) TestTransactionHoldsAccountUntilItEnds() {
	ctx := context.Background()
	appended := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- txcontext.LocalRunner{}.RunInTx(ctx, func(ctx context.Context) error {
			if _, _, err := s.store.Append(ctx, s.payment(models.TypeDeposit, id.Dollars(5), "held"), nil); err != nil {
				return err
			}
			close(appended)
			<-finish
			return errors.New("rolled back")
		})
	}()
	<-appended

	var second atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := s.store.Append(ctx, s.payment(models.TypeDeposit, id.Dollars(7), "next"), nil)
		s.NoError(err)
		second.Store(true)
	}()
	time.Sleep(20 * time.Millisecond)
	s.False(second.Load(), "append waits for the open transaction")

	close(finish)
	s.Error(<-done)
	wg.Wait()

	account, err := s.store.Account(ctx, s.contract)
	s.Require().NoError(err)
	s.Require().Len(account.Entries, 1)
	s.Equal(int64(1), account.Entries[0].AccountSeq)
	s.Equal(id.Dollars(7), account.Balance())
}
