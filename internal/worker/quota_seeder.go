package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/keygate/internal/ratelimit"
)

const quotaSyncInterval = 60 * time.Second

// DailySyncer raises in-memory daily counters to persisted counts.
// *ratelimit.Memory implements it.
type DailySyncer interface {
	SyncDaily(ctx context.Context, store ratelimit.QuotaStore) (int, error)
}

// QuotaSeeder restores today's quota usage from the usage log at startup and
// keeps it in step afterwards, so a restart does not reset daily quotas.
type QuotaSeeder struct {
	limiter  DailySyncer
	store    ratelimit.QuotaStore
	interval time.Duration
}

// NewQuotaSeeder creates a QuotaSeeder.
func NewQuotaSeeder(limiter DailySyncer, store ratelimit.QuotaStore) *QuotaSeeder {
	return &QuotaSeeder{limiter: limiter, store: store, interval: quotaSyncInterval}
}

// Name returns the worker identifier.
func (w *QuotaSeeder) Name() string { return "quota_seeder" }

// Run performs an initial sync, then periodically syncs until ctx is cancelled.
func (w *QuotaSeeder) Run(ctx context.Context) error {
	w.sync(ctx, "initial quota sync failed")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sync(ctx, "quota sync failed")
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *QuotaSeeder) sync(ctx context.Context, failMsg string) {
	n, err := w.limiter.SyncDaily(ctx, w.store)
	if err != nil {
		if ctx.Err() == nil {
			slog.LogAttrs(ctx, slog.LevelError, failMsg, slog.String("error", err.Error()))
		}
		return
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "quota synced", slog.Int("keys", n))
}
