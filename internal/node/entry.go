// Package node holds the runtime entry for a fabric peer: the persistent
// record snapshot plus the hot counters the balancer and forwarder read.
package node

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/weftworks/weft/internal/model"
)

// Entry is one node in the registry pool.
// The record is guarded by mu; counters use atomics so the balancer and
// forwarder never contend with record updates.
type Entry struct {
	mu     sync.RWMutex
	record model.Node

	// limiter is nil when per-node rate limiting is disabled.
	limiter atomic.Pointer[rate.Limiter]

	ActiveConnections atomic.Int64
	SuccessCount      atomic.Int64
	FailureCount      atomic.Int64
	PingFailures      atomic.Int32

	// latMu serializes the EWMA read-modify-write; reads stay lock-free
	// through the atomics.
	latMu           sync.Mutex
	avgResponseMs   atomic.Uint64 // float64 bits
	lastResponseAt  atomic.Int64  // unix-nano of last latency observation
	lastPingAt      atomic.Int64  // unix-nano of last successful ping
	lastPingAttempt atomic.Int64  // unix-nano of last ping attempt, success or not
}

// NewEntry wraps a node record.
func NewEntry(record model.Node) *Entry {
	return &Entry{record: record}
}

// Record returns a deep copy of the node record.
func (e *Entry) Record() model.Node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record.Clone()
}

// Update applies fn to a clone of the record and swaps it in, returning the
// new record. Readers holding an older snapshot are unaffected.
func (e *Entry) Update(fn func(*model.Node)) model.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.record.Clone()
	fn(&rec)
	e.record = rec
	return rec.Clone()
}

func (e *Entry) ID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record.ID
}

func (e *Entry) Slug() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record.Slug
}

func (e *Entry) Status() model.NodeStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record.Status
}

func (e *Entry) Type() model.NodeType {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record.Type
}

func (e *Entry) BaseURL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record.BaseURL
}

func (e *Entry) Weight() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record.Weight
}

// ObserveLatency folds a latency sample into the node's TD-EWMA average.
//
//	weight = exp(-Δt / decayWindow)
//	newEwma = oldEwma * weight + sample * (1 - weight)
//
// The first observation seeds the average with the raw sample.
func (e *Entry) ObserveLatency(now time.Time, sample, decayWindow time.Duration) {
	sampleMs := float64(sample) / float64(time.Millisecond)

	e.latMu.Lock()
	defer e.latMu.Unlock()

	last := e.lastResponseAt.Load()
	if last == 0 {
		e.avgResponseMs.Store(math.Float64bits(sampleMs))
		e.lastResponseAt.Store(now.UnixNano())
		return
	}

	dt := now.Sub(time.Unix(0, last)).Seconds()
	decay := decayWindow.Seconds()
	if decay <= 0 {
		decay = 1 // prevent division by zero
	}
	weight := math.Exp(-dt / decay)
	old := math.Float64frombits(e.avgResponseMs.Load())
	e.avgResponseMs.Store(math.Float64bits(old*weight + sampleMs*(1-weight)))
	e.lastResponseAt.Store(now.UnixNano())
}

// AvgResponseMs returns the TD-EWMA average response time in milliseconds,
// 0 before the first observation.
func (e *Entry) AvgResponseMs() float64 {
	return math.Float64frombits(e.avgResponseMs.Load())
}

// MarkPingSuccess records a successful health check and clears the
// consecutive-failure count.
func (e *Entry) MarkPingSuccess(now time.Time) {
	e.lastPingAt.Store(now.UnixNano())
	e.PingFailures.Store(0)
}

// MarkPingFailure bumps the consecutive-failure count and returns it.
func (e *Entry) MarkPingFailure() int32 {
	return e.PingFailures.Add(1)
}

// LastPingAt returns the time of the last successful ping, zero if never.
func (e *Entry) LastPingAt() time.Time {
	ns := e.lastPingAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SetLastPingAt seeds the ping clock during bootstrap recovery.
func (e *Entry) SetLastPingAt(t time.Time) {
	if t.IsZero() {
		e.lastPingAt.Store(0)
		return
	}
	e.lastPingAt.Store(t.UnixNano())
}

// MarkPingAttempt stamps a ping attempt. The probe scheduler keys its
// due check off attempts so failing nodes are not re-pinged every scan.
func (e *Entry) MarkPingAttempt(now time.Time) {
	e.lastPingAttempt.Store(now.UnixNano())
}

// LastPingAttempt returns the time of the last ping attempt, zero if never.
func (e *Entry) LastPingAttempt() time.Time {
	ns := e.lastPingAttempt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SuccessRate returns successes / (successes + failures), 1 with no data.
func (e *Entry) SuccessRate() float64 {
	succ := e.SuccessCount.Load()
	fail := e.FailureCount.Load()
	total := succ + fail
	if total == 0 {
		return 1
	}
	return float64(succ) / float64(total)
}

// LoadScore is the response_time balancing composite; lower is better.
func (e *Entry) LoadScore(connWeight, latencyWeight, errorWeight float64) float64 {
	return float64(e.ActiveConnections.Load())*connWeight +
		e.AvgResponseMs()*latencyWeight +
		(1-e.SuccessRate())*errorWeight
}

// SetRateLimit installs a token-bucket limiter at perSec requests/second.
// perSec <= 0 removes the limiter. burst <= 0 derives a burst of
// ceil(perSec), minimum 1.
func (e *Entry) SetRateLimit(perSec float64, burst int) {
	if perSec <= 0 {
		e.limiter.Store(nil)
		return
	}
	if burst <= 0 {
		burst = int(math.Ceil(perSec))
		if burst < 1 {
			burst = 1
		}
	}
	e.limiter.Store(rate.NewLimiter(rate.Limit(perSec), burst))
}

// AllowRequest consumes one rate-limit token, true when no limiter is set.
func (e *Entry) AllowRequest() bool {
	l := e.limiter.Load()
	if l == nil {
		return true
	}
	return l.Allow()
}

// Healthy reports whether consecutive ping failures are under the
// threshold. maxPingFailures <= 0 disables the check.
func (e *Entry) Healthy(maxPingFailures int) bool {
	if maxPingFailures <= 0 {
		return true
	}
	return e.PingFailures.Load() < int32(maxPingFailures)
}

// RuntimeSnapshot captures the hot counters as a persistable row.
func (e *Entry) RuntimeSnapshot() model.NodeRuntime {
	return model.NodeRuntime{
		NodeID:            e.ID(),
		ActiveConnections: e.ActiveConnections.Load(),
		SuccessCount:      e.SuccessCount.Load(),
		FailureCount:      e.FailureCount.Load(),
		PingFailures:      int(e.PingFailures.Load()),
		AvgResponseMs:     int64(e.AvgResponseMs()),
		LastPingAtNs:      e.lastPingAt.Load(),
	}
}

// RestoreRuntime seeds counters from a persisted row during bootstrap.
// Active connections always restart at zero.
func (e *Entry) RestoreRuntime(rt model.NodeRuntime) {
	e.SuccessCount.Store(rt.SuccessCount)
	e.FailureCount.Store(rt.FailureCount)
	e.PingFailures.Store(int32(rt.PingFailures))
	e.lastPingAt.Store(rt.LastPingAtNs)
	if rt.AvgResponseMs > 0 {
		e.avgResponseMs.Store(math.Float64bits(float64(rt.AvgResponseMs)))
	}
}
