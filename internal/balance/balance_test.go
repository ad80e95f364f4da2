package balance

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/node"
)

func testEntries(n int) []*node.Entry {
	entries := make([]*node.Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, node.NewEntry(model.Node{
			ID:     fmt.Sprintf("node-%d", i),
			Slug:   fmt.Sprintf("node-%d", i),
			Status: model.NodeStatusActive,
			Weight: 1,
		}))
	}
	return entries
}

func testBalancer() *Balancer {
	var ptr atomic.Pointer[config.RuntimeConfig]
	ptr.Store(config.NewDefaultRuntimeConfig())
	return New(&ptr)
}

func TestSelectSizeAndSubset(t *testing.T) {
	b := testBalancer()
	entries := testEntries(5)

	for _, strategy := range []string{
		config.BalanceRoundRobin,
		config.BalanceLeastConnections,
		config.BalanceWeighted,
		config.BalanceResponseTime,
		config.BalanceRandom,
	} {
		got := b.Select(entries, 3, strategy)
		if len(got) != 3 {
			t.Errorf("%s: got %d entries, want 3", strategy, len(got))
		}
		seen := map[*node.Entry]bool{}
		for _, e := range got {
			if seen[e] {
				t.Errorf("%s: duplicate entry %s", strategy, e.ID())
			}
			seen[e] = true
			found := false
			for _, c := range entries {
				if c == e {
					found = true
				}
			}
			if !found {
				t.Errorf("%s: selected entry %s not among candidates", strategy, e.ID())
			}
		}
	}
}

func TestSelectCountClamped(t *testing.T) {
	b := testBalancer()
	entries := testEntries(2)

	if got := b.Select(entries, 10, config.BalanceRoundRobin); len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got := b.Select(nil, 3, config.BalanceRoundRobin); got != nil {
		t.Fatalf("empty candidates: got %v", got)
	}
}

func TestRoundRobinRotates(t *testing.T) {
	b := testBalancer()
	entries := testEntries(3)

	first := b.Select(entries, 1, config.BalanceRoundRobin)
	second := b.Select(entries, 1, config.BalanceRoundRobin)
	third := b.Select(entries, 1, config.BalanceRoundRobin)
	fourth := b.Select(entries, 1, config.BalanceRoundRobin)

	if first[0] != entries[0] || second[0] != entries[1] || third[0] != entries[2] {
		t.Fatalf("rotation order: got %s, %s, %s", first[0].ID(), second[0].ID(), third[0].ID())
	}
	if fourth[0] != entries[0] {
		t.Fatalf("cursor did not wrap: got %s", fourth[0].ID())
	}
}

func TestLeastConnectionsOrdersAscending(t *testing.T) {
	b := testBalancer()
	entries := testEntries(3)
	entries[0].ActiveConnections.Store(7)
	entries[1].ActiveConnections.Store(0)
	entries[2].ActiveConnections.Store(3)

	got := b.Select(entries, 3, config.BalanceLeastConnections)
	if got[0] != entries[1] || got[1] != entries[2] || got[2] != entries[0] {
		t.Fatalf("order: got %s, %s, %s", got[0].ID(), got[1].ID(), got[2].ID())
	}
}

func TestWeightedOrdersDescending(t *testing.T) {
	b := testBalancer()
	entries := testEntries(3)
	entries[0].Update(func(n *model.Node) { n.Weight = 1 })
	entries[1].Update(func(n *model.Node) { n.Weight = 5 })
	entries[2].Update(func(n *model.Node) { n.Weight = 3 })

	got := b.Select(entries, 3, config.BalanceWeighted)
	if got[0] != entries[1] || got[1] != entries[2] || got[2] != entries[0] {
		t.Fatalf("order: got %s, %s, %s", got[0].ID(), got[1].ID(), got[2].ID())
	}
}

func TestResponseTimePrefersLowLoad(t *testing.T) {
	b := testBalancer()
	entries := testEntries(2)
	// Same latency and success rate, so connections decide.
	entries[0].ActiveConnections.Store(10)
	entries[1].ActiveConnections.Store(1)

	got := b.Select(entries, 2, "")
	if got[0] != entries[1] {
		t.Fatalf("default strategy should prefer the less loaded node, got %s first", got[0].ID())
	}
}

func TestTieBreaksFollowInsertionOrder(t *testing.T) {
	b := testBalancer()
	entries := testEntries(4)

	got := b.Select(entries, 4, config.BalanceLeastConnections)
	for i := range entries {
		if got[i] != entries[i] {
			t.Fatalf("tie-break violated insertion order at %d: got %s", i, got[i].ID())
		}
	}
}

func TestRandomUsesShuffleHook(t *testing.T) {
	b := testBalancer()
	b.shuffle = func(n int, swap func(i, j int)) {
		// Reverse deterministically.
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			swap(i, j)
		}
	}
	entries := testEntries(3)

	got := b.Select(entries, 3, config.BalanceRandom)
	if got[0] != entries[2] || got[2] != entries[0] {
		t.Fatalf("shuffle hook not applied: got %s first", got[0].ID())
	}
}

func TestDistributeLoadSumsToTotal(t *testing.T) {
	b := testBalancer()
	entries := testEntries(3)
	entries[0].Update(func(n *model.Node) { n.Weight = 5 })
	entries[1].Update(func(n *model.Node) { n.Weight = 3 })
	entries[2].Update(func(n *model.Node) { n.Weight = 2 })

	allocs := b.DistributeLoad(entries, 10)
	if len(allocs) != 3 {
		t.Fatalf("got %d allocations", len(allocs))
	}
	total := 0
	for _, a := range allocs {
		total += a.Requests
	}
	if total != 10 {
		t.Fatalf("allocations sum to %d, want 10", total)
	}
	if allocs[0].Requests != 5 || allocs[1].Requests != 3 || allocs[2].Requests != 2 {
		t.Fatalf("proportional split: got %+v", allocs)
	}
}

func TestDistributeLoadLargestRemainder(t *testing.T) {
	b := testBalancer()
	entries := testEntries(3)
	// Equal weights, 10 requests: 3.33 each, remainder goes to earliest.
	allocs := b.DistributeLoad(entries, 10)

	total := 0
	for _, a := range allocs {
		total += a.Requests
	}
	if total != 10 {
		t.Fatalf("allocations sum to %d, want 10", total)
	}
	if allocs[0].Requests != 4 || allocs[1].Requests != 3 || allocs[2].Requests != 3 {
		t.Fatalf("largest remainder split: got %+v", allocs)
	}
}

func TestDistributeLoadEmpty(t *testing.T) {
	b := testBalancer()
	if got := b.DistributeLoad(nil, 10); got != nil {
		t.Fatalf("nil nodes: got %v", got)
	}
	if got := b.DistributeLoad(testEntries(2), 0); got != nil {
		t.Fatalf("zero total: got %v", got)
	}
}
