// Package flow applies per-organization concurrency limits around provider
// submission, so one tenant's backlog cannot monopolize vendor capacity.
package flow

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"atelier/internal/logging"
)

// maxTrackedOrgs bounds the limiter's footprint; evicting an idle org's
// semaphore just recreates it fresh on the next acquire.
const maxTrackedOrgs = 4096

// Limiter hands out submission slots keyed by organization.
type Limiter struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *semaphore.Weighted]
	perKey  int64
	logger  logging.Logger
}

// NewLimiter builds a limiter granting perKey concurrent slots per
// organization. A perKey of zero or less disables limiting.
func NewLimiter(perKey int, logger logging.Logger) (*Limiter, error) {
	cache, err := lru.New[string, *semaphore.Weighted](maxTrackedOrgs)
	if err != nil {
		return nil, fmt.Errorf("create limiter cache: %w", err)
	}
	return &Limiter{
		entries: cache,
		perKey:  int64(perKey),
		logger:  logging.OrNop(logger),
	}, nil
}

func (l *Limiter) semaphoreFor(key string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sem, ok := l.entries.Get(key); ok {
		return sem
	}
	sem := semaphore.NewWeighted(l.perKey)
	l.entries.Add(key, sem)
	return sem
}

// Acquire blocks until the organization has a free submission slot or ctx
// is done.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	if l.perKey <= 0 {
		return nil
	}
	sem := l.semaphoreFor(key)
	if sem.TryAcquire(1) {
		return nil
	}
	l.logger.Debug("organization %s at submission limit, waiting", key)
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire slot for %s: %w", key, err)
	}
	return nil
}

// Release frees one slot. Callers must pair it with a successful Acquire.
func (l *Limiter) Release(key string) {
	if l.perKey <= 0 {
		return
	}
	l.mu.Lock()
	sem, ok := l.entries.Get(key)
	l.mu.Unlock()
	if !ok {
		// The entry was evicted while the slot was held; nothing to free.
		l.logger.Warn("organization %s released a slot with no tracked semaphore", key)
		return
	}
	sem.Release(1)
}
