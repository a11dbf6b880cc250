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

	"escrow/internal/milestone/catalog"
	"escrow/internal/milestone/models"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store    *InMemoryStore
	contract id.ContractID
	day      time.Time
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.contract = id.ContractID(uuid.New())
	s.day = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
}

func (s *InMemoryStoreSuite) scheduled(code string, occurrence, rank int, due time.Time) *models.Instance {
	return &models.Instance{
		ID:             id.MilestoneID(uuid.New()),
		ContractID:     s.contract,
		DefinitionCode: code,
		CategoryRank:   rank,
		Trigger:        catalog.TriggerScheduled,
		Occurrence:     occurrence,
		Status:         models.StatusPending,
		DueDate:        &due,
	}
}

func (s *InMemoryStoreSuite) TestCreateRejectsDuplicateOccurrence() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, s.scheduled("monthly_allowance", 1, 3, s.day)))
	err := s.store.Create(ctx, s.scheduled("monthly_allowance", 1, 3, s.day))
	s.ErrorIs(err, sentinel.ErrConflict)
	s.Require().NoError(s.store.Create(ctx, s.scheduled("monthly_allowance", 2, 3, s.day)))
}

func (s *InMemoryStoreSuite) TestDuePendingOrder() {
	ctx := context.Background()
	late := s.scheduled("monthly_base_compensation", 2, 0, s.day.AddDate(0, 1, 0))
	allowance := s.scheduled("monthly_allowance", 1, 3, s.day)
	base := s.scheduled("monthly_base_compensation", 1, 0, s.day)
	second := s.scheduled("other_base", 1, 0, s.day)
	for _, m := range []*models.Instance{late, allowance, base, second} {
		s.Require().NoError(s.store.Create(ctx, m))
	}

	due, err := s.store.DuePending(ctx, s.day, 0)
	s.Require().NoError(err)
	s.Require().Len(due, 3)
	s.Equal([]id.MilestoneID{base.ID, second.ID, allowance.ID},
		[]id.MilestoneID{due[0].ID, due[1].ID, due[2].ID})

	next, ok, err := s.store.NextDue(ctx)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(s.day, next)
}

func (s *InMemoryStoreSuite) TestExecuteWritesNothingOnValidationFailure() {
	ctx := context.Background()
	m := s.scheduled("monthly_allowance", 1, 3, s.day)
	s.Require().NoError(s.store.Create(ctx, m))

	boom := errors.New("nope")
	_, err := s.store.Execute(ctx, m.ID,
		func(*models.Instance) error { return boom },
		func(m *models.Instance) { m.Status = models.StatusInProgress })
	s.ErrorIs(err, boom)

	got, err := s.store.Find(ctx, m.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, got.Status)
}

func (s *InMemoryStoreSuite) TestExecuteSerializesTransitions() {
	ctx := context.Background()
	m := s.scheduled("monthly_allowance", 1, 3, s.day)
	s.Require().NoError(s.store.Create(ctx, m))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.Execute(ctx, m.ID,
				func(m *models.Instance) error {
					if m.Status != models.StatusPending {
						return sentinel.ErrInvalidState
					}
					return nil
				},
				func(m *models.Instance) { m.Status = models.StatusInProgress })
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
}

func (s *InMemoryStoreSuite) TestFindMissing() {
	_, err := s.store.Find(context.Background(), id.MilestoneID(uuid.New()))
	s.ErrorIs(err, sentinel.ErrNotFound)
}
