package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/state"
)

func testConfigPtr(mutate func(*config.RuntimeConfig)) *atomic.Pointer[config.RuntimeConfig] {
	cfg := config.NewDefaultRuntimeConfig()
	cfg.CacheEnabled = true
	cfg.CacheUseDurable = false
	if mutate != nil {
		mutate(cfg)
	}
	ptr := &atomic.Pointer[config.RuntimeConfig]{}
	ptr.Store(cfg)
	return ptr
}

func newMemoryCache(t *testing.T, mutate func(*config.RuntimeConfig)) *QueryCache {
	t.Helper()
	c := New(testConfigPtr(mutate), nil, 0)
	t.Cleanup(c.Close)
	return c
}

func newDurableCache(t *testing.T) (*QueryCache, *state.StateEngine) {
	t.Helper()
	engine, closer, err := state.PersistenceBootstrap(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("bootstrap persistence: %v", err)
	}
	t.Cleanup(func() { closer.Close() })

	cfg := testConfigPtr(func(c *config.RuntimeConfig) { c.CacheUseDurable = true })
	qc := New(cfg, NewSQLiteBackend(engine.CacheRepo), 0)
	t.Cleanup(qc.Close)
	return qc, engine
}

func TestQueryCache_PutGet(t *testing.T) {
	c := newMemoryCache(t, nil)
	ctx := context.Background()

	opts := map[string]any{"limit": 10}
	c.Put(ctx, "find invoices", []string{"n1"}, opts, []byte(`{"results":[1]}`), 1, 20)

	got, ok := c.Get(ctx, "find invoices", []string{"n1"}, opts)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(got) != `{"results":[1]}` {
		t.Fatalf("payload = %s", got)
	}

	if _, ok := c.Get(ctx, "other query", []string{"n1"}, opts); ok {
		t.Fatal("unexpected hit for different query")
	}

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Fatalf("stats = %+v, want 1 hit 1 miss", s)
	}
}

func TestQueryCache_Disabled(t *testing.T) {
	c := newMemoryCache(t, func(cfg *config.RuntimeConfig) { cfg.CacheEnabled = false })
	ctx := context.Background()

	c.Put(ctx, "q", []string{"n1"}, nil, []byte("x"), 1, 1)
	if _, ok := c.Get(ctx, "q", []string{"n1"}, nil); ok {
		t.Fatal("disabled cache must not serve hits")
	}

	// GetOrCompute still runs the filler every time.
	fills := 0
	for i := 0; i < 2; i++ {
		_, _, outcome, err := c.GetOrCompute(ctx, "q", []string{"n1"}, nil, func(context.Context) (FillResult, error) {
			fills++
			return FillResult{Payload: []byte("y"), Store: true}, nil
		})
		if err != nil {
			t.Fatalf("GetOrCompute: %v", err)
		}
		if outcome != OutcomeMiss {
			t.Fatalf("outcome = %v, want miss", outcome)
		}
	}
	if fills != 2 {
		t.Fatalf("fills = %d, want 2", fills)
	}
}

func TestQueryCache_GetOrComputeMissThenHit(t *testing.T) {
	c := newMemoryCache(t, nil)
	ctx := context.Background()

	fills := 0
	fill := func(context.Context) (FillResult, error) {
		fills++
		return FillResult{Payload: []byte("payload"), ResultCount: 3, DurationMs: 15, Store: true}, nil
	}

	payload, key, outcome, err := c.GetOrCompute(ctx, "q", []string{"n1", "n2"}, nil, fill)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if outcome != OutcomeMiss || string(payload) != "payload" {
		t.Fatalf("first call outcome=%v payload=%s", outcome, payload)
	}
	if key.IsZero() {
		t.Fatal("zero fingerprint returned")
	}

	payload, _, outcome, err = c.GetOrCompute(ctx, "q", []string{"n2", "n1"}, nil, fill)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if outcome != OutcomeHit || string(payload) != "payload" {
		t.Fatalf("second call outcome=%v payload=%s", outcome, payload)
	}
	if fills != 1 {
		t.Fatalf("fills = %d, want 1", fills)
	}
}

func TestQueryCache_StoreFalseNotCached(t *testing.T) {
	c := newMemoryCache(t, nil)
	ctx := context.Background()

	fills := 0
	fill := func(context.Context) (FillResult, error) {
		fills++
		return FillResult{Payload: []byte("degraded"), Store: false}, nil
	}

	for i := 0; i < 2; i++ {
		if _, _, _, err := c.GetOrCompute(ctx, "q", []string{"n1"}, nil, fill); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	if fills != 2 {
		t.Fatalf("fills = %d, want 2 (Store=false must not cache)", fills)
	}
}

func TestQueryCache_Coalescing(t *testing.T) {
	c := newMemoryCache(t, nil)
	ctx := context.Background()

	var fills atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	fill := func(context.Context) (FillResult, error) {
		fills.Add(1)
		close(entered)
		<-release
		return FillResult{Payload: []byte("shared"), Store: true}, nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _, _, _ = c.GetOrCompute(ctx, "q", []string{"n1"}, nil, fill)
	}()

	<-entered // winner is inside the filler

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _, _, _ = c.GetOrCompute(ctx, "q", []string{"n1"}, nil, func(context.Context) (FillResult, error) {
			fills.Add(1)
			return FillResult{Payload: []byte("should not run")}, nil
		})
	}()

	time.Sleep(50 * time.Millisecond) // let the follower join the flight
	close(release)
	wg.Wait()

	if n := fills.Load(); n != 1 {
		t.Fatalf("fills = %d, want 1", n)
	}
	for i, r := range results {
		if string(r) != "shared" {
			t.Fatalf("caller %d payload = %s", i, r)
		}
	}
}

func TestQueryCache_InvalidateNode(t *testing.T) {
	c := newMemoryCache(t, nil)
	ctx := context.Background()

	c.Put(ctx, "q1", []string{"n1", "n2"}, nil, []byte("a"), 1, 1)
	c.Put(ctx, "q2", []string{"n2"}, nil, []byte("b"), 1, 1)
	c.Put(ctx, "q3", []string{"n3"}, nil, []byte("c"), 1, 1)

	c.InvalidateNode(ctx, "n2")

	if _, ok := c.Get(ctx, "q1", []string{"n1", "n2"}, nil); ok {
		t.Fatal("q1 should be invalidated")
	}
	if _, ok := c.Get(ctx, "q2", []string{"n2"}, nil); ok {
		t.Fatal("q2 should be invalidated")
	}
	if _, ok := c.Get(ctx, "q3", []string{"n3"}, nil); !ok {
		t.Fatal("q3 should survive")
	}

	// Second invalidation of the same node is a no-op.
	c.InvalidateNode(ctx, "n2")
}

func TestQueryCache_FlushAllOnInvalidate(t *testing.T) {
	c := newMemoryCache(t, func(cfg *config.RuntimeConfig) { cfg.CacheFlushAllOnInvalidate = true })
	ctx := context.Background()

	c.Put(ctx, "q1", []string{"n1"}, nil, []byte("a"), 1, 1)
	c.Put(ctx, "q2", []string{"n2"}, nil, []byte("b"), 1, 1)

	c.InvalidateNode(ctx, "n1")

	if c.Stats().MemoryEntries != 0 {
		t.Fatalf("expected empty cache, have %d entries", c.Stats().MemoryEntries)
	}
}

func TestQueryCache_DurableTier(t *testing.T) {
	qc, engine := newDurableCache(t)
	ctx := context.Background()

	qc.Put(ctx, "q", []string{"n1"}, nil, []byte("durable"), 2, 30)

	// The durable row exists with the fingerprint key.
	fp := Fingerprint("q", []string{"n1"}, nil).Hex()
	row, err := engine.GetQueryCacheEntry(fp)
	if err != nil {
		t.Fatalf("durable row missing: %v", err)
	}
	if string(row.Payload) != "durable" || row.ResultCount != 2 {
		t.Fatalf("durable row = %+v", row)
	}

	// A fresh cache over the same backend serves the hit from durable.
	cfg := testConfigPtr(func(c *config.RuntimeConfig) { c.CacheUseDurable = true })
	qc2 := New(cfg, NewSQLiteBackend(engine.CacheRepo), 0)
	defer qc2.Close()

	got, ok := qc2.Get(ctx, "q", []string{"n1"}, nil)
	if !ok || string(got) != "durable" {
		t.Fatalf("durable hit = %v %s", ok, got)
	}

	// The hit was counted on the row, best-effort.
	row, err = engine.GetQueryCacheEntry(fp)
	if err != nil {
		t.Fatalf("reload row: %v", err)
	}
	if row.HitCount != 1 {
		t.Fatalf("hit count = %d, want 1", row.HitCount)
	}
}

func TestQueryCache_DurableExpiredIsMiss(t *testing.T) {
	qc, engine := newDurableCache(t)
	ctx := context.Background()

	expired := model.QueryCacheEntry{
		Fingerprint: Fingerprint("old", []string{"n1"}, nil).Hex(),
		Query:       "old",
		NodeIDs:     []string{"n1"},
		Payload:     []byte("stale"),
		CreatedAtNs: 1,
		ExpiresAtNs: 2, // long past
	}
	if err := engine.UpsertQueryCacheEntry(expired); err != nil {
		t.Fatalf("seed expired row: %v", err)
	}

	if _, ok := qc.Get(ctx, "old", []string{"n1"}, nil); ok {
		t.Fatal("expired durable entry must not hit")
	}

	if n := qc.CleanExpired(ctx); n != 1 {
		t.Fatalf("clean expired removed %d, want 1", n)
	}
}
