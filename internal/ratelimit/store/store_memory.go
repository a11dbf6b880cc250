package store

import (
	"context"
	"math"
	"sync"
	"time"

	"escrow/internal/ratelimit/models"
)

// InMemoryStore is a sliding window per key for single-instance runs.
type InMemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{windows: make(map[string][]time.Time), now: time.Now}
}

// Allow records one request under key when fewer than limit fell inside the
// trailing window.
func (s *InMemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stamps := trim(s.windows[key], now.Add(-window))
	if len(stamps) >= limit {
		s.windows[key] = stamps
		resetAt := stamps[0].Add(window)
		return &models.Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfter(resetAt.Sub(now)),
		}, nil
	}
	stamps = append(stamps, now)
	s.windows[key] = stamps
	return &models.Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(stamps),
		ResetAt:   stamps[0].Add(window),
	}, nil
}

func trim(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}

func retryAfter(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
