package merge

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/model"
)

// Stats summarizes one merged result set.
type Stats struct {
	ByNode   map[string]int `json:"byNode"`
	ByType   map[string]int `json:"byType"`
	AvgScore float64        `json:"avgScore"`
	MinScore float64        `json:"minScore"`
	MaxScore float64        `json:"maxScore"`
	Deduped  int            `json:"deduped"`
}

// Options control a single merge. Zero values fall back to the runtime
// config (strategy, deduplication) or mean "unbounded" (limit).
type Options struct {
	Limit    int
	Strategy string
	// MasterNode identifies the local node for node_priority ordering.
	MasterNode string
}

// Merger combines result sets from multiple nodes into one ranked list.
type Merger struct {
	runtimeConfig *atomic.Pointer[config.RuntimeConfig]
}

// New creates a merger reading defaults from the runtime config pointer.
func New(runtimeConfig *atomic.Pointer[config.RuntimeConfig]) *Merger {
	return &Merger{runtimeConfig: runtimeConfig}
}

func (m *Merger) cfg() *config.RuntimeConfig {
	if m.runtimeConfig == nil {
		return nil
	}
	return m.runtimeConfig.Load()
}

func (m *Merger) strategy(requested string) string {
	if requested != "" {
		return requested
	}
	if c := m.cfg(); c != nil && c.MergeStrategy != "" {
		return c.MergeStrategy
	}
	return config.MergeScore
}

func (m *Merger) dedupEnabled() bool {
	if c := m.cfg(); c != nil {
		return c.MergeDeduplication
	}
	return true
}

// Merge deduplicates and orders results down to opts.Limit. All strategies
// are deterministic given identical input ordering.
func (m *Merger) Merge(results []model.SearchResult, opts Options) ([]model.SearchResult, Stats) {
	var merged []model.SearchResult
	deduped := 0
	if m.dedupEnabled() {
		merged, deduped = dedupe(results)
	} else {
		merged = make([]model.SearchResult, len(results))
		copy(merged, results)
	}

	limit := opts.Limit
	if limit <= 0 || limit > len(merged) {
		limit = len(merged)
	}

	switch m.strategy(opts.Strategy) {
	case config.MergeRoundRobin:
		merged = roundRobin(merged, limit)
	case config.MergeNodePriority:
		merged = nodePriority(merged, limit, opts.MasterNode)
	case config.MergeDiversity:
		merged = diversity(merged, limit)
	case config.MergeHybrid:
		merged = hybrid(merged, limit)
	default: // score
		merged = byScore(merged, limit)
	}

	stats := computeStats(merged)
	stats.Deduped = deduped
	return merged, stats
}

// DedupKey returns the identity hash used to collapse duplicates across
// nodes: md5(modelClass:id) when both are present, md5 of the normalized
// content otherwise.
func DedupKey(r model.SearchResult) string {
	var sum [16]byte
	if r.ModelClass != "" && r.ID != "" {
		sum = md5.Sum([]byte(r.ModelClass + ":" + r.ID))
	} else {
		sum = md5.Sum([]byte(normalizeContent(r.Content)))
	}
	return hex.EncodeToString(sum[:])
}

func normalizeContent(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// dedupe keeps one result per identity key, preferring the higher-scored
// variant while preserving the first occurrence's position.
func dedupe(results []model.SearchResult) ([]model.SearchResult, int) {
	out := make([]model.SearchResult, 0, len(results))
	index := make(map[string]int, len(results))
	dropped := 0
	for _, r := range results {
		key := DedupKey(r)
		if at, seen := index[key]; seen {
			dropped++
			if r.Score > out[at].Score {
				out[at] = r
			}
			continue
		}
		index[key] = len(out)
		out = append(out, r)
	}
	return out, dropped
}

func byScore(results []model.SearchResult, limit int) []model.SearchResult {
	sorted := make([]model.SearchResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	return sorted[:limit]
}

// roundRobin takes one result per source node in rotation. Within a
// source, results stay in descending score order. Sources rotate in order
// of first appearance.
func roundRobin(results []model.SearchResult, limit int) []model.SearchResult {
	var sources []string
	grouped := map[string][]model.SearchResult{}
	for _, r := range results {
		key := r.SourceNode
		if _, seen := grouped[key]; !seen {
			sources = append(sources, key)
		}
		grouped[key] = append(grouped[key], r)
	}
	for _, key := range sources {
		g := grouped[key]
		sort.SliceStable(g, func(i, j int) bool { return g[i].Score > g[j].Score })
	}

	out := make([]model.SearchResult, 0, limit)
	for round := 0; len(out) < limit; round++ {
		advanced := false
		for _, key := range sources {
			g := grouped[key]
			if round >= len(g) {
				continue
			}
			advanced = true
			out = append(out, g[round])
			if len(out) == limit {
				break
			}
		}
		if !advanced {
			break
		}
	}
	return out
}

func nodePriority(results []model.SearchResult, limit int, master string) []model.SearchResult {
	sorted := byScore(results, len(results))
	out := make([]model.SearchResult, 0, limit)
	for _, r := range sorted {
		if master != "" && r.SourceNode == master {
			out = append(out, r)
		}
	}
	for _, r := range sorted {
		if master == "" || r.SourceNode != master {
			out = append(out, r)
		}
	}
	return out[:limit]
}

// diversity greedily picks by score while capping how many results any
// single type or node may contribute, then fills any remainder by score.
func diversity(results []model.SearchResult, limit int) []model.SearchResult {
	maxPerType := limit / 4
	if maxPerType < 2 {
		maxPerType = 2
	}
	maxPerNode := limit / 3
	if maxPerNode < 3 {
		maxPerNode = 3
	}

	sorted := byScore(results, len(results))
	out := make([]model.SearchResult, 0, limit)
	taken := make([]bool, len(sorted))
	typeCount := map[string]int{}
	nodeCount := map[string]int{}
	for i, r := range sorted {
		if len(out) == limit {
			break
		}
		if typeCount[r.ModelClass] >= maxPerType || nodeCount[r.SourceNode] >= maxPerNode {
			continue
		}
		taken[i] = true
		typeCount[r.ModelClass]++
		nodeCount[r.SourceNode]++
		out = append(out, r)
	}
	for i, r := range sorted {
		if len(out) == limit {
			break
		}
		if !taken[i] {
			out = append(out, r)
		}
	}
	return out
}

// hybrid fills 70% of the limit by raw score and the remainder by
// diversity over the leftover pool.
func hybrid(results []model.SearchResult, limit int) []model.SearchResult {
	topCount := int(0.7 * float64(limit))
	sorted := byScore(results, len(results))
	if topCount > len(sorted) {
		topCount = len(sorted)
	}
	out := make([]model.SearchResult, 0, limit)
	out = append(out, sorted[:topCount]...)
	if len(out) < limit {
		rest := diversity(sorted[topCount:], limit-len(out))
		out = append(out, rest...)
	}
	return out
}

func computeStats(results []model.SearchResult) Stats {
	stats := Stats{
		ByNode: map[string]int{},
		ByType: map[string]int{},
	}
	if len(results) == 0 {
		return stats
	}
	sum := 0.0
	stats.MinScore = results[0].Score
	stats.MaxScore = results[0].Score
	for _, r := range results {
		nodeKey := r.SourceNodeName
		if nodeKey == "" {
			nodeKey = r.SourceNode
		}
		stats.ByNode[nodeKey]++
		typeKey := r.ModelClass
		if typeKey == "" {
			typeKey = r.ModelType
		}
		if typeKey != "" {
			stats.ByType[typeKey]++
		}
		sum += r.Score
		if r.Score < stats.MinScore {
			stats.MinScore = r.Score
		}
		if r.Score > stats.MaxScore {
			stats.MaxScore = r.Score
		}
	}
	stats.AvgScore = sum / float64(len(results))
	return stats
}
