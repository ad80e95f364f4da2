// Package breaker tracks per-node circuit state so unhealthy peers stop
// receiving traffic until they prove themselves again.
package breaker

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/weftworks/weft/internal/config"
)

// CircuitState is one of closed, open, half_open.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

// state is one node's circuit record. All fields are guarded by mu.
type state struct {
	mu           sync.Mutex
	circuit      CircuitState
	failureCount int
	successCount int
	openedAt     time.Time
	nextRetryAt  time.Time
}

// Stats is a snapshot of one node's circuit for the admin API.
type Stats struct {
	NodeID       string       `json:"node_id"`
	State        CircuitState `json:"state"`
	FailureCount int          `json:"failure_count"`
	SuccessCount int          `json:"success_count"`
	OpenedAt     *time.Time   `json:"opened_at,omitempty"`
	NextRetryAt  *time.Time   `json:"next_retry_at,omitempty"`
}

// Breaker holds circuit state keyed by node ID. RecordSuccess and
// RecordFailure are the only mutators besides the open-to-half_open
// transition inside IsOpen; all three are safe under concurrent use.
type Breaker struct {
	states *xsync.Map[string, *state]
	cfg    *atomic.Pointer[config.RuntimeConfig]

	// onOpen fires after a circuit trips open, outside the state lock.
	// The registry uses it to mark the node status=error.
	onOpen func(nodeID string)

	now func() time.Time
}

// New creates a Breaker. onOpen may be nil.
func New(cfg *atomic.Pointer[config.RuntimeConfig], onOpen func(nodeID string)) *Breaker {
	return &Breaker{
		states: xsync.NewMap[string, *state](),
		cfg:    cfg,
		onOpen: onOpen,
		now:    time.Now,
	}
}

func (b *Breaker) failureThreshold() int {
	if cfg := b.cfg.Load(); cfg != nil {
		return cfg.BreakerFailureThreshold
	}
	return 5
}

func (b *Breaker) successThreshold() int {
	if cfg := b.cfg.Load(); cfg != nil {
		return cfg.BreakerSuccessThreshold
	}
	return 2
}

func (b *Breaker) retryTimeout() time.Duration {
	if cfg := b.cfg.Load(); cfg != nil {
		return time.Duration(cfg.BreakerRetryTimeout)
	}
	return 30 * time.Second
}

func (b *Breaker) state(nodeID string) *state {
	if st, ok := b.states.Load(nodeID); ok {
		return st
	}
	st, _ := b.states.LoadOrStore(nodeID, &state{circuit: StateClosed})
	return st
}

// IsOpen is the admission predicate: callers must check it before
// dispatching to a node and skip the node when it returns true. When an
// open circuit's retry deadline has passed, IsOpen moves it to half_open,
// resets the counters, and admits the probe by returning false.
func (b *Breaker) IsOpen(nodeID string) bool {
	st, ok := b.states.Load(nodeID)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.circuit != StateOpen {
		return false
	}
	if b.now().Before(st.nextRetryAt) {
		return true
	}
	st.circuit = StateHalfOpen
	st.failureCount = 0
	st.successCount = 0
	log.Printf("[breaker] node %s half-open, admitting probes", nodeID)
	return false
}

// RecordSuccess feeds a successful call into the circuit.
func (b *Breaker) RecordSuccess(nodeID string) {
	st := b.state(nodeID)
	st.mu.Lock()
	defer st.mu.Unlock()
	switch st.circuit {
	case StateClosed:
		st.failureCount = 0
	case StateHalfOpen:
		st.successCount++
		if st.successCount >= b.successThreshold() {
			st.circuit = StateClosed
			st.failureCount = 0
			st.successCount = 0
			st.openedAt = time.Time{}
			st.nextRetryAt = time.Time{}
			log.Printf("[breaker] node %s closed", nodeID)
		}
	case StateOpen:
		// Stale result from a call dispatched before the trip; ignore.
	}
}

// RecordFailure feeds a failed call into the circuit. Crossing the failure
// threshold (or any failure while half_open) trips the circuit open.
func (b *Breaker) RecordFailure(nodeID string) {
	st := b.state(nodeID)
	st.mu.Lock()
	now := b.now()
	opened := false
	switch st.circuit {
	case StateClosed:
		st.failureCount++
		if st.failureCount >= b.failureThreshold() {
			b.trip(st, now)
			opened = true
		}
	case StateHalfOpen:
		b.trip(st, now)
		opened = true
	case StateOpen:
		// Already open; nextRetryAt stays where the trip put it.
	}
	retryAt := st.nextRetryAt
	st.mu.Unlock()

	// The callback runs outside the state lock: the registry reacts by
	// mutating the node record, which may read breaker state back.
	if opened {
		log.Printf("[breaker] node %s open, retry at %s", nodeID, retryAt.Format(time.RFC3339))
		if b.onOpen != nil {
			b.onOpen(nodeID)
		}
	}
}

// trip must be called with st.mu held.
func (b *Breaker) trip(st *state, now time.Time) {
	st.circuit = StateOpen
	st.openedAt = now
	st.nextRetryAt = now.Add(b.retryTimeout())
	st.successCount = 0
}

// Stats returns a snapshot for one node. Nodes without a record report a
// closed circuit with zero counters.
func (b *Breaker) Stats(nodeID string) Stats {
	st, ok := b.states.Load(nodeID)
	if !ok {
		return Stats{NodeID: nodeID, State: StateClosed}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return snapshotLocked(nodeID, st)
}

// AllStats returns snapshots for every node with a circuit record, sorted
// by node ID.
func (b *Breaker) AllStats() []Stats {
	out := make([]Stats, 0, b.states.Size())
	b.states.Range(func(nodeID string, st *state) bool {
		st.mu.Lock()
		out = append(out, snapshotLocked(nodeID, st))
		st.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Reset discards a node's circuit record, returning it to closed with zero
// counters. Idempotent; also used when a node leaves the registry.
func (b *Breaker) Reset(nodeID string) {
	b.states.Delete(nodeID)
}

func snapshotLocked(nodeID string, st *state) Stats {
	s := Stats{
		NodeID:       nodeID,
		State:        st.circuit,
		FailureCount: st.failureCount,
		SuccessCount: st.successCount,
	}
	if s.State == "" {
		s.State = StateClosed
	}
	if !st.openedAt.IsZero() {
		t := st.openedAt
		s.OpenedAt = &t
	}
	if !st.nextRetryAt.IsZero() {
		t := st.nextRetryAt
		s.NextRetryAt = &t
	}
	return s
}
