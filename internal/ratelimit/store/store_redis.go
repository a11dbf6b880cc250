package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"escrow/internal/ratelimit/models"
)

const keyPrefix = "escrow:ratelimit:"

// RedisStore is a fixed window counter shared by every server instance. The
// first hit in a window sets its expiry.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	k := keyPrefix + key
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, window)
		ttl = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}

	count := int(incr.Val())
	remaining := ttl.Val()
	if remaining <= 0 {
		remaining = window
	}
	resetAt := s.now().Add(remaining)
	if count > limit {
		return &models.Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfter(remaining),
		}, nil
	}
	return &models.Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - count,
		ResetAt:   resetAt,
	}, nil
}
