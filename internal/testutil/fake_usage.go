package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	gateway "github.com/eugener/keygate/internal"
)

// FakeUsage records usage in memory. It serves as the pipeline's recorder,
// the recorder worker's store and the quota sync source.
type FakeUsage struct {
	mu      sync.Mutex
	records []gateway.UsageRecord
	Err     error // returned by InsertUsage and CountRequestsSince when set
}

// Record appends r.
func (f *FakeUsage) Record(r gateway.UsageRecord) {
	f.mu.Lock()
	f.records = append(f.records, r)
	f.mu.Unlock()
}

// InsertUsage appends a batch.
func (f *FakeUsage) InsertUsage(_ context.Context, batch []gateway.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.records = append(f.records, batch...)
	return nil
}

// CountRequestsSince groups records created at or after since.
func (f *FakeUsage) CountRequestsSince(_ context.Context, since time.Time) ([]gateway.RequestCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	counts := make(map[[2]string]int64)
	for _, r := range f.records {
		if !r.CreatedAt.Before(since) {
			counts[[2]string{r.Product, r.Identity}]++
		}
	}
	out := make([]gateway.RequestCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, gateway.RequestCount{Product: k[0], Identity: k[1], Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Product != out[j].Product {
			return out[i].Product < out[j].Product
		}
		return out[i].Identity < out[j].Identity
	})
	return out, nil
}

// Records returns a copy of everything recorded so far.
func (f *FakeUsage) Records() []gateway.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.UsageRecord(nil), f.records...)
}
