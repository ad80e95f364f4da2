package balance

import (
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/node"
)

// Balancer orders fan-out candidates according to the configured strategy.
// The round-robin cursor is process-wide so consecutive searches rotate
// across the fleet.
type Balancer struct {
	runtimeConfig *atomic.Pointer[config.RuntimeConfig]
	cursor        atomic.Uint64

	// shuffle hook for the random strategy, replaced in tests.
	shuffle func(n int, swap func(i, j int))
}

// New creates a balancer reading strategy and load weights from the
// runtime config pointer.
func New(runtimeConfig *atomic.Pointer[config.RuntimeConfig]) *Balancer {
	return &Balancer{
		runtimeConfig: runtimeConfig,
		shuffle:       rand.Shuffle,
	}
}

func (b *Balancer) cfg() *config.RuntimeConfig {
	if b.runtimeConfig == nil {
		return nil
	}
	return b.runtimeConfig.Load()
}

func (b *Balancer) maxNodes() int {
	if c := b.cfg(); c != nil && c.BalancerMaxNodes > 0 {
		return c.BalancerMaxNodes
	}
	return 3
}

func (b *Balancer) loadWeights() (conn, latency, errRate float64) {
	if c := b.cfg(); c != nil {
		return c.LoadConnWeight, c.LoadLatencyWeight, c.LoadErrorWeight
	}
	return 1.0, 0.01, 100.0
}

// Select returns up to count candidates ordered by strategy. count <= 0
// falls back to the configured balancer_max_nodes. An empty strategy uses
// the configured default. Candidate insertion order breaks ties.
func (b *Balancer) Select(candidates []*node.Entry, count int, strategy string) []*node.Entry {
	if len(candidates) == 0 {
		return nil
	}
	if count <= 0 {
		count = b.maxNodes()
	}
	if count > len(candidates) {
		count = len(candidates)
	}
	if strategy == "" {
		if c := b.cfg(); c != nil && c.BalancerStrategy != "" {
			strategy = c.BalancerStrategy
		} else {
			strategy = config.BalanceResponseTime
		}
	}

	ordered := make([]*node.Entry, len(candidates))
	copy(ordered, candidates)

	switch strategy {
	case config.BalanceRoundRobin:
		start := int((b.cursor.Add(1) - 1) % uint64(len(ordered)))
		rotated := make([]*node.Entry, 0, len(ordered))
		for i := 0; i < len(ordered); i++ {
			rotated = append(rotated, ordered[(start+i)%len(ordered)])
		}
		ordered = rotated
	case config.BalanceLeastConnections:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].ActiveConnections.Load() < ordered[j].ActiveConnections.Load()
		})
	case config.BalanceWeighted:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Weight() > ordered[j].Weight()
		})
	case config.BalanceRandom:
		b.shuffle(len(ordered), func(i, j int) {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		})
	default: // response_time
		connW, latW, errW := b.loadWeights()
		scores := make(map[*node.Entry]float64, len(ordered))
		for _, e := range ordered {
			scores[e] = e.LoadScore(connW, latW, errW)
		}
		sort.SliceStable(ordered, func(i, j int) bool {
			return scores[ordered[i]] < scores[ordered[j]]
		})
	}

	return ordered[:count]
}

// Allocation is one node's share of a planned request volume.
type Allocation struct {
	NodeID   string `json:"node_id"`
	Weight   int    `json:"weight"`
	Requests int    `json:"requests"`
}

// DistributeLoad splits totalRequests across nodes proportionally to their
// weight using largest-remainder rounding, so the shares always sum to
// totalRequests. Ties go to earlier candidates.
func (b *Balancer) DistributeLoad(nodes []*node.Entry, totalRequests int) []Allocation {
	if len(nodes) == 0 || totalRequests <= 0 {
		return nil
	}

	sumWeight := 0
	weights := make([]int, len(nodes))
	for i, e := range nodes {
		w := e.Weight()
		if w < 1 {
			w = 1
		}
		weights[i] = w
		sumWeight += w
	}

	allocs := make([]Allocation, len(nodes))
	remainders := make([]float64, len(nodes))
	assigned := 0
	for i, e := range nodes {
		exact := float64(totalRequests) * float64(weights[i]) / float64(sumWeight)
		base := int(exact)
		allocs[i] = Allocation{NodeID: e.ID(), Weight: weights[i], Requests: base}
		remainders[i] = exact - float64(base)
		assigned += base
	}

	order := make([]int, len(nodes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, c int) bool {
		return remainders[order[a]] > remainders[order[c]]
	})
	for i := 0; assigned < totalRequests; i++ {
		allocs[order[i%len(order)]].Requests++
		assigned++
	}

	return allocs
}
