package service

import "context"

// ------------------------------------------------------------------
// Query cache
// ------------------------------------------------------------------

// CacheStatsResult is the admin view of the query cache. DurableEntries
// stays zero when no durable backend is configured or the count failed.
type CacheStatsResult struct {
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	Coalesced      int64   `json:"coalesced"`
	MemoryEntries  int     `json:"memory_entries"`
	DurableEntries int64   `json:"durable_entries"`
	HitRate        float64 `json:"hit_rate"`
}

// CacheStats returns hit counters plus the durable tier size.
func (s *ControlPlaneService) CacheStats(ctx context.Context) CacheStatsResult {
	stats := s.Cache.Stats()
	out := CacheStatsResult{
		Hits:          stats.Hits,
		Misses:        stats.Misses,
		Coalesced:     stats.Coalesced,
		MemoryEntries: stats.MemoryEntries,
	}
	if n, ok := s.Cache.DurableCount(ctx); ok {
		out.DurableEntries = n
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		out.HitRate = float64(stats.Hits) / float64(total)
	}
	return out
}

// InvalidateCache drops cached query results. With a node ID or slug it
// removes only entries that involved that node; with an empty selector it
// flushes everything.
func (s *ControlPlaneService) InvalidateCache(ctx context.Context, idOrSlug string) error {
	if idOrSlug == "" {
		s.Cache.FlushAll(ctx)
		return nil
	}
	entry, ok := s.resolveEntry(idOrSlug)
	if !ok {
		return notFound("node not found")
	}
	s.Cache.InvalidateNode(ctx, entry.ID())
	return nil
}
