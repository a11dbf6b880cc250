//go:build integration

package store_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"escrow/internal/escrow/models"
	"escrow/internal/escrow/store"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
	"escrow/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *store.RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = store.NewRedis(s.redis.Client)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisStoreSuite) TestSwapLevelReturnsPrevious() {
	ctx := context.Background()
	contractID := id.ContractID(uuid.New())

	prev, err := s.store.SwapLevel(ctx, contractID, models.LevelLow)
	s.Require().NoError(err)
	s.Equal(models.Level(""), prev)

	prev, err = s.store.SwapLevel(ctx, contractID, models.LevelCritical)
	s.Require().NoError(err)
	s.Equal(models.LevelLow, prev)

	current, err := s.store.Level(ctx, contractID)
	s.Require().NoError(err)
	s.Equal(models.LevelCritical, current)
}

func (s *RedisStoreSuite) TestCachedBalanceKeepsNewestHead() {
	ctx := context.Background()
	contractID := id.ContractID(uuid.New())

	_, err := s.store.GetBalance(ctx, contractID)
	s.ErrorIs(err, sentinel.ErrNotFound)

	s.Require().NoError(s.store.PutBalance(ctx, contractID, models.CachedBalance{Balance: id.Dollars(120), Head: 4}))
	s.Require().NoError(s.store.PutBalance(ctx, contractID, models.CachedBalance{Balance: id.Dollars(200), Head: 3}))

	got, err := s.store.GetBalance(ctx, contractID)
	s.Require().NoError(err)
	s.Equal(models.CachedBalance{Balance: id.Dollars(120), Head: 4}, got)
}
