package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard keeps claimed keys in process. It serves single-node
// deployments that run without Redis.
type MemoryGuard struct {
	mu    sync.Mutex
	keys  map[string]time.Time
	ttl   time.Duration
	clock func() time.Time
}

func NewMemoryGuard(ttl time.Duration, clock func() time.Time) *MemoryGuard {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryGuard{
		keys:  make(map[string]time.Time),
		ttl:   ttl,
		clock: clock,
	}
}

func (g *MemoryGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock()
	g.evictExpired(now)
	if _, ok := g.keys[key]; ok {
		return false, nil
	}
	g.keys[key] = now.Add(g.ttl)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	delete(g.keys, key)
	g.mu.Unlock()
	return nil
}

func (g *MemoryGuard) evictExpired(now time.Time) {
	for key, expiresAt := range g.keys {
		if !now.Before(expiresAt) {
			delete(g.keys, key)
		}
	}
}
