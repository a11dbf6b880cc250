//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"escrow/internal/ratelimit/store"
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

func (s *RedisStoreSuite) TestFixedWindow() {
	ctx := context.Background()
	for i := range 2 {
		res, err := s.store.Allow(ctx, "party:write", 2, time.Minute)
		s.Require().NoError(err)
		s.True(res.Allowed)
		s.Equal(1-i, res.Remaining)
	}

	res, err := s.store.Allow(ctx, "party:write", 2, time.Minute)
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Positive(res.RetryAfter)
	s.LessOrEqual(res.RetryAfter, 60)
}

func (s *RedisStoreSuite) TestWindowExpires() {
	ctx := context.Background()
	_, err := s.store.Allow(ctx, "party:read", 1, 200*time.Millisecond)
	s.Require().NoError(err)
	res, err := s.store.Allow(ctx, "party:read", 1, 200*time.Millisecond)
	s.Require().NoError(err)
	s.False(res.Allowed)

	s.Eventually(func() bool {
		res, err := s.store.Allow(ctx, "party:read", 1, 200*time.Millisecond)
		return err == nil && res.Allowed
	}, 2*time.Second, 100*time.Millisecond)
}
