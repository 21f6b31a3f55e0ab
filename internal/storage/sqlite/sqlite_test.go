package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	gateway "github.com/eugener/keygate/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func usage(id, product, identity string, status int, at time.Time) gateway.UsageRecord {
	return gateway.UsageRecord{
		ID:               id,
		RequestID:        "req-" + id,
		Product:          product,
		Identity:         identity,
		AuthMethod:       "jwt",
		CallKind:         "chat",
		Model:            "gpt-4o",
		Provider:         "openai",
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		StatusCode:       status,
		LatencyMs:        42,
		CreatedAt:        at,
	}
}

func TestUsageBatchInsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	records := []gateway.UsageRecord{
		usage("u-1", "search", "alice", 200, now),
		usage("u-2", "search", "alice", 502, now),
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatal("insert usage:", err)
	}
	if err := s.InsertUsage(ctx, nil); err != nil {
		t.Fatal("empty insert:", err)
	}

	var count int
	if err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records`).Scan(&count); err != nil {
		t.Fatal("count:", err)
	}
	if count != 2 {
		t.Errorf("usage count = %d, want 2", count)
	}

	var product, identity, kind string
	var status, tokens int
	err := s.read.QueryRowContext(ctx,
		`SELECT product, identity, call_kind, status_code, total_tokens FROM usage_records WHERE id = 'u-2'`,
	).Scan(&product, &identity, &kind, &status, &tokens)
	if err != nil {
		t.Fatal("select:", err)
	}
	if product != "search" || identity != "alice" || kind != "chat" || status != 502 || tokens != 15 {
		t.Errorf("row = %s/%s/%s/%d/%d", product, identity, kind, status, tokens)
	}
}

func TestUsageDuplicateID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	r := usage("dup", "p", "id", 200, time.Now())
	if err := s.InsertUsage(ctx, []gateway.UsageRecord{r}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertUsage(ctx, []gateway.UsageRecord{r}); err == nil {
		t.Error("expected primary key violation")
	}
}

func TestCountRequestsSince(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	midnight := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	records := []gateway.UsageRecord{
		usage("old", "search", "alice", 200, midnight.Add(-time.Millisecond)),
		usage("a1", "search", "alice", 200, midnight),
		usage("a2", "search", "alice", 429, midnight.Add(time.Hour)),
		usage("b1", "search", "bob", 200, midnight.Add(2*time.Hour)),
		usage("c1", "chat", "alice", 200, midnight.Add(3*time.Hour)),
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatal(err)
	}

	counts, err := s.CountRequestsSince(ctx, midnight)
	if err != nil {
		t.Fatal(err)
	}
	want := []gateway.RequestCount{
		{Product: "chat", Identity: "alice", Count: 1},
		{Product: "search", Identity: "alice", Count: 2},
		{Product: "search", Identity: "bob", Count: 1},
	}
	if len(counts) != len(want) {
		t.Fatalf("counts = %+v, want %+v", counts, want)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("counts[%d] = %+v, want %+v", i, counts[i], want[i])
		}
	}
}

func TestCountRequestsSince_NonUTCBoundary(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	loc := time.FixedZone("UTC+5", 5*3600)
	localMidnight := time.Date(2026, 10, 15, 0, 0, 0, 0, loc) // 19:00 UTC the day before
	records := []gateway.UsageRecord{
		usage("before", "p", "id", 200, localMidnight.Add(-time.Minute)),
		usage("after", "p", "id", 200, localMidnight.Add(time.Minute)),
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatal(err)
	}

	counts, err := s.CountRequestsSince(ctx, localMidnight)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 1 || counts[0].Count != 1 {
		t.Errorf("counts = %+v, want one record after local midnight", counts)
	}
}

func TestLargeBatch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	records := make([]gateway.UsageRecord, 100)
	for i := range records {
		records[i] = usage(fmt.Sprintf("r-%03d", i), "p", fmt.Sprintf("id-%d", i%3), 200, now)
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatal(err)
	}
	counts, err := s.CountRequestsSince(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, c := range counts {
		total += c.Count
	}
	if len(counts) != 3 || total != 100 {
		t.Errorf("counts = %+v, want 3 identities totalling 100", counts)
	}
}

func TestPingAndMemoryDSN(t *testing.T) {
	t.Parallel()
	s, err := New(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}
