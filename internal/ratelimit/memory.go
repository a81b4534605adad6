package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// MemoryLimiter is an in-process fixed window limiter used when no Redis is
// configured. Counts are per replica.
type MemoryLimiter struct {
	store limiter.Store

	mu    sync.Mutex
	rates map[string]*limiter.Limiter
}

// NewMemoryLimiter builds a limiter over ulule's in-memory store.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		store: memory.NewStore(),
		rates: map[string]*limiter.Limiter{},
	}
}

// Allow counts one event for key against max per window.
func (m *MemoryLimiter) Allow(ctx context.Context, key string, window time.Duration, max int) (bool, int, time.Time, error) {
	if max <= 0 || window <= 0 {
		return true, max, time.Now().Add(window), nil
	}
	lim, scope := m.limiterFor(window, max)
	res, err := lim.Get(ctx, scope+key)
	if err != nil {
		return false, 0, time.Now().Add(window), err
	}
	return !res.Reached, int(res.Remaining), time.Unix(res.Reset, 0), nil
}

func (m *MemoryLimiter) limiterFor(window time.Duration, max int) (*limiter.Limiter, string) {
	scope := fmt.Sprintf("%d-%d:", window.Milliseconds(), max)
	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok := m.rates[scope]; ok {
		return lim, scope
	}
	lim := limiter.New(m.store, limiter.Rate{Period: window, Limit: int64(max)})
	m.rates[scope] = lim
	return lim, scope
}
