package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	evictInterval = 10 * time.Minute
	evictIdleTTL  = time.Hour
)

// IdleEvicter drops limiter state unused since cutoff. *ratelimit.Memory
// implements it.
type IdleEvicter interface {
	EvictIdle(cutoff time.Time) int
}

// BucketEvictor bounds the in-memory limiter's key set by periodically
// removing idle entries.
type BucketEvictor struct {
	limiter  IdleEvicter
	interval time.Duration
	idleTTL  time.Duration
	now      func() time.Time
}

// NewBucketEvictor creates a BucketEvictor with the default schedule.
func NewBucketEvictor(limiter IdleEvicter) *BucketEvictor {
	return &BucketEvictor{
		limiter:  limiter,
		interval: evictInterval,
		idleTTL:  evictIdleTTL,
		now:      time.Now,
	}
}

// Name returns the worker identifier.
func (w *BucketEvictor) Name() string { return "bucket_evictor" }

// Run evicts on every tick until ctx is cancelled.
func (w *BucketEvictor) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := w.limiter.EvictIdle(w.now().Add(-w.idleTTL)); n > 0 {
				slog.LogAttrs(ctx, slog.LevelDebug, "idle buckets evicted", slog.Int("count", n))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
