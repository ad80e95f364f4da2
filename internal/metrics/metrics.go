// Package metrics keeps rolling per-node request buckets derived from
// the registry's live counters. Each flush closes one aligned bucket;
// a fixed ring retains recent buckets for the admin API.
package metrics

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultBucketSeconds    = 60
	defaultRetentionSeconds = 3600
)

// Sample is one node's live counter reading.
type Sample struct {
	NodeID            string
	Slug              string
	Successes         int64
	Failures          int64
	AvgResponseMs     float64
	ActiveConnections int64
}

// NodeBucketRow is one node's activity within one bucket. Counters are
// deltas over the bucket; gauges are readings taken when it closed.
type NodeBucketRow struct {
	BucketStartUnix   int64   `json:"bucket_start_unix"`
	NodeID            string  `json:"node_id"`
	Node              string  `json:"node"`
	Requests          int64   `json:"requests"`
	Successes         int64   `json:"successes"`
	Failures          int64   `json:"failures"`
	AvgResponseMs     float64 `json:"avg_response_ms"`
	ActiveConnections int64   `json:"active_connections"`
}

// Config configures the Manager. Source returns the current samples and
// is typically backed by the node registry.
type Config struct {
	Source           func() []Sample
	BucketSeconds    int
	RetentionSeconds int

	// Now is stubbed in tests. Defaults to time.Now.
	Now func() time.Time
}

type baseline struct {
	successes int64
	failures  int64
}

// Manager closes one bucket per Flush by diffing the source's
// cumulative counters against the values seen at the previous flush.
type Manager struct {
	source        func() []Sample
	ring          *FrameRing
	bucketSeconds int64

	mu        sync.Mutex
	baselines map[string]baseline
	lastUnix  int64
}

// NewManager creates a Manager and primes the counter baselines, so the
// first bucket counts activity from now on rather than counters
// restored from a previous run.
func NewManager(cfg Config) *Manager {
	bucketSec := cfg.BucketSeconds
	if bucketSec <= 0 {
		bucketSec = defaultBucketSeconds
	}
	retentionSec := cfg.RetentionSeconds
	if retentionSec <= 0 {
		retentionSec = defaultRetentionSeconds
	}
	frames := retentionSec / bucketSec
	if frames <= 0 {
		frames = 1
	}
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}
	m := &Manager{
		source:        cfg.Source,
		ring:          NewFrameRing(frames),
		bucketSeconds: int64(bucketSec),
		baselines:     make(map[string]baseline),
		lastUnix:      now().Unix(),
	}
	if m.source != nil {
		for _, s := range m.source() {
			m.baselines[s.NodeID] = baseline{successes: s.Successes, failures: s.Failures}
		}
	}
	return m
}

// BucketSeconds returns the bucket width in seconds.
func (m *Manager) BucketSeconds() int { return int(m.bucketSeconds) }

// Flush closes the current bucket and pushes it into the ring,
// returning its rows. The cron scheduler calls this every bucket width.
func (m *Manager) Flush(now time.Time) []NodeBucketRow {
	if m.source == nil {
		return nil
	}
	samples := m.source()

	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.alignedStart()
	rows, next := m.deltaRows(start, samples)
	m.baselines = next
	m.lastUnix = now.Unix()

	m.ring.Push(Frame{BucketStartUnix: start, Rows: rows})
	return rows
}

// QueryNodes returns rows for buckets within [fromUnix, toUnix], oldest
// first. The still-open bucket is read from live counters and merged in,
// so a query sees activity that has not been flushed yet.
func (m *Manager) QueryNodes(fromUnix, toUnix int64) []NodeBucketRow {
	rows := m.ring.Query(fromUnix, toUnix)

	if m.source != nil {
		samples := m.source()
		m.mu.Lock()
		start := m.alignedStart()
		if start >= fromUnix && start <= toUnix {
			live, _ := m.deltaRows(start, samples)
			rows = mergeRows(rows, live)
		}
		m.mu.Unlock()
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].BucketStartUnix != rows[j].BucketStartUnix {
			return rows[i].BucketStartUnix < rows[j].BucketStartUnix
		}
		return rows[i].Node < rows[j].Node
	})
	return rows
}

// deltaRows converts samples into bucket rows against the recorded
// baselines, returning the rows and the next baseline map. A counter
// regression (a node process restart) clamps to zero.
func (m *Manager) deltaRows(start int64, samples []Sample) ([]NodeBucketRow, map[string]baseline) {
	rows := make([]NodeBucketRow, 0, len(samples))
	next := make(map[string]baseline, len(samples))
	for _, s := range samples {
		prev := m.baselines[s.NodeID]
		next[s.NodeID] = baseline{successes: s.Successes, failures: s.Failures}

		succ := nonNegativeDelta(s.Successes, prev.successes)
		fail := nonNegativeDelta(s.Failures, prev.failures)
		rows = append(rows, NodeBucketRow{
			BucketStartUnix:   start,
			NodeID:            s.NodeID,
			Node:              s.Slug,
			Requests:          succ + fail,
			Successes:         succ,
			Failures:          fail,
			AvgResponseMs:     s.AvgResponseMs,
			ActiveConnections: s.ActiveConnections,
		})
	}
	return rows, next
}

// alignedStart maps the last flush time onto its bucket boundary.
// Callers hold mu.
func (m *Manager) alignedStart() int64 {
	return (m.lastUnix / m.bucketSeconds) * m.bucketSeconds
}

// mergeRows folds live rows into flushed ones: counters for the same
// bucket and node sum, gauges take the live reading.
func mergeRows(rows, live []NodeBucketRow) []NodeBucketRow {
	type key struct {
		start  int64
		nodeID string
	}
	index := make(map[key]int, len(rows))
	for i, r := range rows {
		index[key{r.BucketStartUnix, r.NodeID}] = i
	}
	for _, l := range live {
		i, ok := index[key{l.BucketStartUnix, l.NodeID}]
		if !ok {
			rows = append(rows, l)
			continue
		}
		rows[i].Requests += l.Requests
		rows[i].Successes += l.Successes
		rows[i].Failures += l.Failures
		rows[i].AvgResponseMs = l.AvgResponseMs
		rows[i].ActiveConnections = l.ActiveConnections
	}
	return rows
}

func nonNegativeDelta(current, previous int64) int64 {
	if delta := current - previous; delta > 0 {
		return delta
	}
	return 0
}
