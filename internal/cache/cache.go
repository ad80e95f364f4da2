package cache

import (
	"context"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/sync/singleflight"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/model"
)

const defaultMemoryCost = 64 << 20 // bytes of payload held in process

// Outcome describes how a GetOrCompute call was served.
type Outcome int

const (
	// OutcomeMiss means the filler ran for this caller.
	OutcomeMiss Outcome = iota
	// OutcomeHit means a cache tier served the payload.
	OutcomeHit
	// OutcomeCoalesced means the caller shared another caller's fill.
	OutcomeCoalesced
)

// FillResult is what a cache filler produces. Store=false keeps the
// payload out of both tiers (degraded responses are not cached).
type FillResult struct {
	Payload     []byte
	ResultCount int
	DurationMs  int64
	Store       bool
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Coalesced     int64 `json:"coalesced"`
	MemoryEntries int   `json:"memory_entries"`
}

// QueryCache is the two-tier query cache: an in-process otter tier with
// per-entry TTL and an optional durable backend. Writes go memory first,
// durable second; durable failures are logged and never surface.
type QueryCache struct {
	runtimeConfig *atomic.Pointer[config.RuntimeConfig]
	mem           otter.CacheWithVariableTTL[string, *model.QueryCacheEntry]
	backend       Backend // nil = in-process only
	group         singleflight.Group
	nowFn         func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	coalesced atomic.Int64
}

// New creates a query cache. backend may be nil. maxCostBytes bounds the
// in-process tier by total payload bytes; <= 0 uses the default.
func New(runtimeConfig *atomic.Pointer[config.RuntimeConfig], backend Backend, maxCostBytes int) *QueryCache {
	if maxCostBytes <= 0 {
		maxCostBytes = defaultMemoryCost
	}
	mem, err := otter.MustBuilder[string, *model.QueryCacheEntry](maxCostBytes).
		Cost(func(_ string, e *model.QueryCacheEntry) uint32 {
			return uint32(len(e.Payload) + 128)
		}).
		WithVariableTTL().
		Build()
	if err != nil {
		panic("cache: failed to create memory tier: " + err.Error())
	}
	return &QueryCache{
		runtimeConfig: runtimeConfig,
		mem:           mem,
		backend:       backend,
		nowFn:         time.Now,
	}
}

func (c *QueryCache) cfg() *config.RuntimeConfig {
	if c.runtimeConfig == nil {
		return nil
	}
	return c.runtimeConfig.Load()
}

// Enabled reports whether caching is switched on in the runtime config.
func (c *QueryCache) Enabled() bool {
	cfg := c.cfg()
	return cfg != nil && cfg.CacheEnabled
}

func (c *QueryCache) ttl() time.Duration {
	if cfg := c.cfg(); cfg != nil && cfg.CacheTTL.Std() > 0 {
		return cfg.CacheTTL.Std()
	}
	return 15 * time.Minute
}

// effectiveBackend gates reads and writes on the durable-tier flag.
// Invalidation paths use c.backend directly so stale durable entries are
// purged even while the durable tier is switched off.
func (c *QueryCache) effectiveBackend() Backend {
	if c.backend == nil {
		return nil
	}
	if cfg := c.cfg(); cfg == nil || !cfg.CacheUseDurable {
		return nil
	}
	return c.backend
}

// Get returns the cached payload for the request, or (nil, false).
func (c *QueryCache) Get(ctx context.Context, query string, nodeIDs []string, opts map[string]any) ([]byte, bool) {
	if !c.Enabled() {
		return nil, false
	}
	key := Fingerprint(query, nodeIDs, opts).Hex()
	if e := c.lookup(ctx, key); e != nil {
		return e.Payload, true
	}
	return nil, false
}

// Put stores a payload under the request fingerprint.
func (c *QueryCache) Put(ctx context.Context, query string, nodeIDs []string, opts map[string]any, payload []byte, resultCount int, durationMs int64) {
	if !c.Enabled() {
		return
	}
	key := Fingerprint(query, nodeIDs, opts).Hex()
	c.store(ctx, key, query, nodeIDs, FillResult{
		Payload:     payload,
		ResultCount: resultCount,
		DurationMs:  durationMs,
	})
}

// GetOrCompute returns the cached payload or runs fill exactly once per
// fingerprint across concurrent callers. The winner populates both tiers
// before followers are released, so they observe the result without a
// second fan-out. With caching disabled, fill runs unconditionally.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	query string,
	nodeIDs []string,
	opts map[string]any,
	fill func(ctx context.Context) (FillResult, error),
) ([]byte, Key, Outcome, error) {
	fp := Fingerprint(query, nodeIDs, opts)

	if !c.Enabled() {
		fr, err := fill(ctx)
		if err != nil {
			return nil, fp, OutcomeMiss, err
		}
		return fr.Payload, fp, OutcomeMiss, nil
	}

	key := fp.Hex()
	if e := c.lookup(ctx, key); e != nil {
		return e.Payload, fp, OutcomeHit, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		fr, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		if fr.Store {
			c.store(ctx, key, query, nodeIDs, fr)
		}
		return fr.Payload, nil
	})
	if err != nil {
		return nil, fp, OutcomeMiss, err
	}

	outcome := OutcomeMiss
	if shared {
		outcome = OutcomeCoalesced
		c.coalesced.Add(1)
	}
	payload, _ := v.([]byte)
	return payload, fp, outcome, nil
}

// lookup checks memory then durable, promotes durable hits into memory,
// and maintains hit/miss counters. Expired entries count as misses.
func (c *QueryCache) lookup(ctx context.Context, key string) *model.QueryCacheEntry {
	nowNs := c.nowFn().UnixNano()

	if e, ok := c.mem.Get(key); ok && e.ExpiresAtNs > nowNs {
		c.recordHit(ctx, e)
		return e
	}

	be := c.effectiveBackend()
	if be == nil {
		c.misses.Add(1)
		return nil
	}
	stored, ok, err := be.Get(ctx, key)
	if err != nil {
		log.Printf("[cache] durable get failed: %v", err)
	}
	if !ok || stored.ExpiresAtNs <= nowNs {
		c.misses.Add(1)
		return nil
	}

	e := &stored
	c.mem.Set(key, e, time.Duration(stored.ExpiresAtNs-nowNs))
	c.recordHit(ctx, e)
	return e
}

func (c *QueryCache) recordHit(ctx context.Context, e *model.QueryCacheEntry) {
	c.hits.Add(1)
	atomic.AddInt64(&e.HitCount, 1)
	if be := c.effectiveBackend(); be != nil {
		if err := be.BumpHit(ctx, e.Fingerprint); err != nil {
			log.Printf("[cache] hit count bump failed: %v", err)
		}
	}
}

func (c *QueryCache) store(ctx context.Context, key, query string, nodeIDs []string, fr FillResult) {
	now := c.nowFn()
	ttl := c.ttl()

	ids := make([]string, len(nodeIDs))
	copy(ids, nodeIDs)
	sort.Strings(ids)

	e := &model.QueryCacheEntry{
		Fingerprint: key,
		Query:       query,
		NodeIDs:     ids,
		Payload:     fr.Payload,
		ResultCount: fr.ResultCount,
		DurationMs:  fr.DurationMs,
		CreatedAtNs: now.UnixNano(),
		ExpiresAtNs: now.Add(ttl).UnixNano(),
	}

	c.mem.Set(key, e, ttl)
	if be := c.effectiveBackend(); be != nil {
		if err := be.Put(ctx, *e); err != nil {
			log.Printf("[cache] durable put failed: %v", err)
		}
	}
}

// InvalidateNode purges every entry whose node set includes nodeID from
// both tiers. Idempotent. With cache_flush_all_on_invalidate set, the
// whole cache is dropped instead.
func (c *QueryCache) InvalidateNode(ctx context.Context, nodeID string) {
	if cfg := c.cfg(); cfg != nil && cfg.CacheFlushAllOnInvalidate {
		c.FlushAll(ctx)
		return
	}

	var victims []string
	c.mem.Range(func(key string, e *model.QueryCacheEntry) bool {
		for _, id := range e.NodeIDs {
			if id == nodeID {
				victims = append(victims, key)
				break
			}
		}
		return true
	})
	for _, key := range victims {
		c.mem.Delete(key)
	}

	if c.backend != nil {
		if _, err := c.backend.ForgetByNode(ctx, nodeID); err != nil {
			log.Printf("[cache] invalidate node %s: %v", nodeID, err)
		}
	}
}

// FlushAll empties both tiers.
func (c *QueryCache) FlushAll(ctx context.Context) {
	c.mem.Clear()
	if c.backend != nil {
		if err := c.backend.FlushAll(ctx); err != nil {
			log.Printf("[cache] flush all: %v", err)
		}
	}
}

// CleanExpired removes expired durable rows. The memory tier expires
// natively. Returns the number of rows removed.
func (c *QueryCache) CleanExpired(ctx context.Context) int64 {
	if c.backend == nil {
		return 0
	}
	n, err := c.backend.CleanExpired(ctx, c.nowFn().UnixNano())
	if err != nil {
		log.Printf("[cache] clean expired: %v", err)
	}
	return n
}

// Stats returns a snapshot of cache counters.
func (c *QueryCache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Coalesced:     c.coalesced.Load(),
		MemoryEntries: c.mem.Size(),
	}
}

// DurableCount returns the durable tier's entry count. ok=false when no
// backend is configured.
func (c *QueryCache) DurableCount(ctx context.Context) (n int64, ok bool) {
	if c.backend == nil {
		return 0, false
	}
	n, err := c.backend.Count(ctx)
	if err != nil {
		log.Printf("[cache] durable count: %v", err)
		return 0, false
	}
	return n, true
}

// Close releases the memory tier.
func (c *QueryCache) Close() {
	c.mem.Close()
}
