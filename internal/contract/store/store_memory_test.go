package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"escrow/internal/contract/models"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	now   time.Time
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.now = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
}

func (s *InMemoryStoreSuite) newVersion(contractID id.ContractID, version int) *models.Contract {
	c, err := models.NewContract(contractID, version, id.PartyID(uuid.New()), id.PartyID(uuid.New()), s.now,
		models.Terms{BaseCompensation: id.Dollars(50000), MinimumEscrowBalance: id.Dollars(10000)}, s.now)
	s.Require().NoError(err)
	return c
}

func confirmAll(target, current *models.Contract, now time.Time) {
	target.ApplyOverride("test", now)
	if current != nil {
		_ = current.Supersede()
	}
}

// =============================================================================
// Create and lookups
// =============================================================================

func (s *InMemoryStoreSuite) TestCreateAndFind() {
	ctx := context.Background()
	contractID := id.ContractID(uuid.New())

	s.Run("stores versions and reports the latest", func() {
		s.Require().NoError(s.store.Create(ctx, s.newVersion(contractID, 1)))
		s.Require().NoError(s.store.Create(ctx, s.newVersion(contractID, 2)))

		latest, err := s.store.LatestVersion(ctx, contractID)
		s.Require().NoError(err)
		s.Equal(2, latest)

		versions, err := s.store.ListVersions(ctx, contractID)
		s.Require().NoError(err)
		s.Len(versions, 2)
		s.Equal(1, versions[0].Version)
	})

	s.Run("duplicate version conflicts", func() {
		err := s.store.Create(ctx, s.newVersion(contractID, 1))
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("unknown contract has no versions", func() {
		latest, err := s.store.LatestVersion(ctx, id.ContractID(uuid.New()))
		s.Require().NoError(err)
		s.Zero(latest)
		_, err = s.store.FindConfirmed(ctx, id.ContractID(uuid.New()))
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

// =============================================================================
// Execute
// =============================================================================

func (s *InMemoryStoreSuite) TestExecuteSupersedesPreviousVersion() {
	ctx := context.Background()
	contractID := id.ContractID(uuid.New())
	s.Require().NoError(s.store.Create(ctx, s.newVersion(contractID, 1)))
	s.Require().NoError(s.store.Create(ctx, s.newVersion(contractID, 2)))

	noop := func(*models.Contract) error { return nil }
	mutate := func(t, c *models.Contract) { confirmAll(t, c, s.now) }

	_, err := s.store.Execute(ctx, contractID, 1, noop, mutate)
	s.Require().NoError(err)
	_, err = s.store.Execute(ctx, contractID, 2, noop, mutate)
	s.Require().NoError(err)

	confirmed, err := s.store.FindConfirmed(ctx, contractID)
	s.Require().NoError(err)
	s.Equal(2, confirmed.Version)

	v1, err := s.store.FindVersion(ctx, contractID, 1)
	s.Require().NoError(err)
	s.Equal(models.StatusSuperseded, v1.Status)
}

func (s *InMemoryStoreSuite) TestExecuteValidationFailureWritesNothing() {
	ctx := context.Background()
	contractID := id.ContractID(uuid.New())
	s.Require().NoError(s.store.Create(ctx, s.newVersion(contractID, 1)))

	_, err := s.store.Execute(ctx, contractID, 1,
		func(*models.Contract) error { return sentinel.ErrInvalidState },
		func(t, c *models.Contract) { confirmAll(t, c, s.now) },
	)
	s.ErrorIs(err, sentinel.ErrInvalidState)

	v1, err := s.store.FindVersion(ctx, contractID, 1)
	s.Require().NoError(err)
	s.Equal(models.StatusDraft, v1.Status)
}

func (s *InMemoryStoreSuite) TestExecuteSerializesConfirmations() {
	ctx := context.Background()
	contractID := id.ContractID(uuid.New())
	s.Require().NoError(s.store.Create(ctx, s.newVersion(contractID, 1)))

	var wg sync.WaitGroup
	var wins atomic.Int32
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.Execute(ctx, contractID, 1,
				func(c *models.Contract) error {
					if c.Status != models.StatusDraft {
						return sentinel.ErrInvalidState
					}
					return nil
				},
				func(t, c *models.Contract) { confirmAll(t, c, s.now) },
			)
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
}

func (s *InMemoryStoreSuite) TestJourney() {
	ctx := context.Background()
	contractID := id.ContractID(uuid.New())

	_, err := s.store.FindJourney(ctx, contractID)
	s.ErrorIs(err, sentinel.ErrNotFound)

	s.Require().NoError(s.store.SaveJourney(ctx, &models.Journey{
		ContractID: contractID, Status: models.JourneyOnHold, Reason: "medical review", UpdatedAt: s.now,
	}))
	j, err := s.store.FindJourney(ctx, contractID)
	s.Require().NoError(err)
	s.Equal(models.JourneyOnHold, j.Status)
}
