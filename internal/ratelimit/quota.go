package ratelimit

import (
	"context"
	"time"

	gateway "github.com/eugener/keygate/internal"
)

// QuotaStore reports admitted requests per (product, identity) since a point
// in time. It is satisfied by the usage log.
type QuotaStore interface {
	CountRequestsSince(ctx context.Context, since time.Time) ([]gateway.RequestCount, error)
}

// StartOfDay returns the most recent day boundary at or before t.
func (c Config) StartOfDay(t time.Time) time.Time {
	c = c.withDefaults()
	local := t.In(c.Location)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.Location)
}

// SyncDaily raises today's in-memory counters to the persisted counts so a
// restart does not hand out a fresh daily quota. It returns the number of
// keys seeded.
func (m *Memory) SyncDaily(ctx context.Context, store QuotaStore) (int, error) {
	since := m.cfg.StartOfDay(m.now())
	counts, err := store.CountRequestsSince(ctx, since)
	if err != nil {
		return 0, err
	}
	for _, c := range counts {
		m.SeedDaily(Key{Product: c.Product, Identity: c.Identity}, c.Count)
	}
	return len(counts), nil
}
