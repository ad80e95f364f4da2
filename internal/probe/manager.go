// Package probe schedules health pings against registered nodes with
// bounded concurrency. The actual ping (HTTP fetch, metadata merge,
// counter updates) lives in the registry; this package decides when
// each node is due and fans the work out.
package probe

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/node"
	"github.com/weftworks/weft/internal/registry"
	"github.com/weftworks/weft/internal/scanloop"
)

const (
	defaultPingInterval = time.Minute

	// dueLookahead pulls the due check forward by one scan period so a
	// node is not skipped just because the scan fired moments early.
	dueLookahead = 15 * time.Second
)

// Config configures the Manager.
type Config struct {
	Registry    *registry.Registry
	Concurrency int // max concurrent pings

	// PingInterval is a closure for hot-reload from RuntimeConfig.
	PingInterval func() time.Duration
}

// Manager schedules and executes pings against nodes in the registry.
// It holds a direct reference to *registry.Registry (no interface).
type Manager struct {
	reg    *registry.Registry
	sem    chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	pingInterval func() time.Duration
}

// NewManager creates a new Manager.
func NewManager(cfg Config) *Manager {
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = 8
	}
	return &Manager{
		reg:          cfg.Registry,
		sem:          make(chan struct{}, conc),
		stopCh:       make(chan struct{}),
		pingInterval: cfg.PingInterval,
	}
}

// Start launches the background scan worker.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		scanloop.Run(m.stopCh, scanloop.DefaultMinInterval, scanloop.DefaultJitterRange, m.scan)
	}()
}

// Stop signals the scan worker to stop and waits for in-flight pings.
// Immediate pings are accounted in wg, so in-flight TriggerImmediatePing
// work is drained before Stop returns. Callers stop upstream schedulers
// and event sources before calling Stop.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) interval() time.Duration {
	if m.pingInterval != nil {
		if d := m.pingInterval(); d > 0 {
			return d
		}
	}
	return defaultPingInterval
}

// scan walks the registry and pings every pingable node that is due.
func (m *Manager) scan() {
	now := time.Now()
	interval := m.interval()

	for _, entry := range m.reg.List() {
		select {
		case <-m.stopCh:
			return
		default:
		}

		if !pingable(entry) {
			continue
		}
		if !isDue(entry, now, interval) {
			continue
		}

		// Acquire sem or abort the scan on shutdown.
		select {
		case m.sem <- struct{}{}:
		case <-m.stopCh:
			return
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer func() { <-m.sem }()
			m.ping(entry)
		}()
	}
}

// TriggerImmediatePing fires an async ping for a node. The goroutine
// waits for a semaphore slot (or stop signal), never drops. Caller
// returns immediately.
func (m *Manager) TriggerImmediatePing(id string) {
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		select {
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
		case <-m.stopCh:
			return // manager stopping, drop the request
		}

		entry, ok := m.reg.Get(id)
		if !ok {
			return
		}
		if !pingable(entry) {
			return
		}
		m.ping(entry)
	}()
}

// PingSync performs a blocking ping and returns the updated node record.
// Used by API endpoints that must return fresh health data synchronously.
// The record is valid even when the ping itself failed.
func (m *Manager) PingSync(ctx context.Context, id string) (model.Node, error) {
	entry, ok := m.reg.Get(id)
	if !ok {
		return model.Node{}, registry.ErrNotFound
	}
	if !pingable(entry) {
		return entry.Record(), fmt.Errorf("node %s is not pingable", entry.Slug())
	}

	// Wait for a probe slot unless the caller or the manager gives up first.
	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-m.stopCh:
		return entry.Record(), fmt.Errorf("probe scheduler shutting down")
	case <-ctx.Done():
		return entry.Record(), ctx.Err()
	}

	err := m.pingEntry(ctx, entry)
	return entry.Record(), err
}

// ping health-checks one node with a background context. Failures are
// logged here; the registry has already counted them.
func (m *Manager) ping(entry *node.Entry) {
	if err := m.pingEntry(context.Background(), entry); err != nil {
		log.Printf("[probe] ping failed for %s: %v", entry.Slug(), err)
	}
}

// pingEntry runs the registry ping and, on success, lifts a node out of
// the error state. The breaker keeps gating admission independently, so
// flipping status back early never bypasses its half-open probe.
func (m *Manager) pingEntry(ctx context.Context, entry *node.Entry) error {
	if err := m.reg.Ping(ctx, entry); err != nil {
		return err
	}
	if entry.Status() == model.NodeStatusError {
		if err := m.reg.UpdateStatus(entry.ID(), model.NodeStatusActive); err == nil {
			log.Printf("[probe] node %s responding again", entry.Slug())
		}
	}
	return nil
}

// pingable reports whether the scheduler should health-check a node:
// child nodes with an address, unless an operator disabled them.
func pingable(e *node.Entry) bool {
	if e.Type() != model.NodeTypeChild || e.BaseURL() == "" {
		return false
	}
	return e.Status() != model.NodeStatusInactive
}

// isDue checks whether a node needs a ping, based on the last ping
// attempt (not the last success, so failing nodes keep their cadence).
func isDue(e *node.Entry, now time.Time, interval time.Duration) bool {
	last := e.LastPingAttempt()
	if last.IsZero() {
		return true
	}
	nextDue := last.Add(interval).Add(-dueLookahead)
	return !now.Before(nextDue)
}
