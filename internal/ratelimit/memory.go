package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// entry is the per-key state guarded by its own mutex.
type entry struct {
	mu       sync.Mutex
	bucket   Bucket
	daily    dailyCounter
	lastUsed time.Time
}

// Memory is an in-process Limiter. State is not shared between instances,
// so it is only correct for single-instance deployments.
type Memory struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	entries map[Key]*entry
}

var _ Limiter = (*Memory)(nil)

// NewMemory creates an in-memory limiter.
func NewMemory(cfg Config, opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		cfg:     cfg.withDefaults(),
		now:     o.now,
		entries: make(map[Key]*entry),
	}
}

// Take atomically refills, checks and deducts cost tokens for key.
func (m *Memory) Take(_ context.Context, key Key, cost float64) (Result, error) {
	if cost > m.cfg.Capacity {
		return Result{}, fmt.Errorf("%w: %v > %v", ErrCostTooLarge, cost, m.cfg.Capacity)
	}
	now := m.now()
	e := m.getOrCreate(key, now)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = now
	return m.cfg.admit(&e.bucket, &e.daily, cost, now), nil
}

// getOrCreate returns the entry for key, creating a full bucket if needed.
func (m *Memory) getOrCreate(key Key, now time.Time) *entry {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring write lock.
	if e, ok := m.entries[key]; ok {
		return e
	}
	e = &entry{
		bucket:   newBucket(m.cfg.Capacity, m.cfg.RefillRate, now),
		daily:    dailyCounter{day: m.cfg.day(now)},
		lastUsed: now,
	}
	m.entries[key] = e
	return e
}

// SeedDaily sets today's admitted count for key, e.g. from persisted usage
// after a restart. Counts never decrease.
func (m *Memory) SeedDaily(key Key, count int64) {
	now := m.now()
	e := m.getOrCreate(key, now)
	e.mu.Lock()
	e.daily.roll(m.cfg.day(now))
	e.daily.count = max(e.daily.count, count)
	e.mu.Unlock()
}

// EvictIdle removes entries unused since cutoff whose removal is
// unobservable: the bucket has refilled to capacity and nothing has been
// counted today.
func (m *Memory) EvictIdle(cutoff time.Time) int {
	now := m.now()
	today := m.cfg.day(now)

	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for k, e := range m.entries {
		e.mu.Lock()
		e.bucket.refill(now)
		idle := e.lastUsed.Before(cutoff) && e.bucket.full() && (e.daily.day != today || e.daily.count == 0)
		e.mu.Unlock()
		if idle {
			delete(m.entries, k)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Ping always succeeds; it satisfies the readiness check interface.
func (m *Memory) Ping(context.Context) error { return nil }
