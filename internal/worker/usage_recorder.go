package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/eugener/keygate/internal"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageStore is the persistence interface consumed by UsageRecorder.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
}

// UsageRecorder buffers usage records and batch-flushes them to the store.
// Records are dropped if the channel is full (back-pressure on slow DB).
type UsageRecorder struct {
	ch         chan gateway.UsageRecord
	store      UsageStore
	queue      prometheus.Gauge // nil = not exported
	flushEvery time.Duration
	dropped    atomic.Int64
}

// NewUsageRecorder creates a UsageRecorder backed by store. queue, when
// non-nil, tracks the number of buffered records.
func NewUsageRecorder(store UsageStore, queue prometheus.Gauge) *UsageRecorder {
	return &UsageRecorder{
		ch:         make(chan gateway.UsageRecord, usageChanSize),
		store:      store,
		queue:      queue,
		flushEvery: usageFlushEvery,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a usage record. It never blocks; drops on full channel.
func (u *UsageRecorder) Record(r gateway.UsageRecord) {
	select {
	case u.ch <- r:
	default:
		// Log the first drop and every 100th after it.
		if n := u.dropped.Add(1); n%100 == 1 {
			slog.LogAttrs(context.Background(), slog.LevelWarn, "usage record dropped, channel full",
				slog.Int64("dropped_total", n),
				slog.String("product", r.Product),
			)
		}
	}
}

// Dropped returns the number of records discarded because the buffer was full.
func (u *UsageRecorder) Dropped() int64 { return u.dropped.Load() }

// Run processes records until ctx is cancelled, then drains remaining records.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.flushEvery)
	defer ticker.Stop()

	buf := make([]gateway.UsageRecord, 0, usageBatchSize)

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			u.observeQueue()
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			// The run context is gone; drain on a fresh one.
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) observeQueue() {
	if u.queue != nil {
		u.queue.Set(float64(len(u.ch)))
	}
}

func (u *UsageRecorder) drain(buf []gateway.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			u.observeQueue()
			return
		}
	}
}

func (u *UsageRecorder) flush(ctx context.Context, buf []gateway.UsageRecord) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]gateway.UsageRecord, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := u.store.InsertUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
