// Package registry owns the fleet: node records, their runtime entries,
// health state, and the cached operational views the router and search
// fan-out read. Persistence and breaker wiring are injected as callbacks
// so the package stays free of storage imports.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/netutil"
	"github.com/weftworks/weft/internal/node"
)

var (
	// ErrNotFound is returned when a node ID or slug is not registered.
	ErrNotFound = errors.New("registry: node not found")
	// ErrDuplicateSlug is returned when a register call collides with an
	// existing slug.
	ErrDuplicateSlug = errors.New("registry: duplicate slug")
)

// Fleet events passed to the OnEvent callback.
const (
	EventRegistered    = "registered"
	EventUnregistered  = "unregistered"
	EventStatusChanged = "status_changed"
)

const activeViewKey = "active"

// Config wires the registry's collaborators. Every callback is optional;
// nil callbacks are skipped.
type Config struct {
	RuntimeConfig *atomic.Pointer[config.RuntimeConfig]

	// HTTP builds the default health fetcher. FetchHealth overrides it
	// (tests). With both nil the registry cannot ping.
	HTTP        *netutil.Factory
	FetchHealth HealthFetchFunc

	PersistNode   func(n model.Node) error
	DeleteNode    func(nodeID string) error
	MarkRuntime   func(nodeID string)
	DeleteRuntime func(nodeID string)

	// OnPingResult feeds the circuit breaker.
	OnPingResult func(nodeID string, ok bool)
	// OnNodeRemoved runs after an unregister (breaker reset, query cache
	// purge).
	OnNodeRemoved func(nodeID string)
	// OnMetadataSync runs when a ping changed a node's advertised
	// metadata (digest invalidation).
	OnMetadataSync func(nodeID string)
	OnEvent        func(event string, n model.Node)

	Now func() time.Time
}

// Registry is the concurrent node pool plus two cached views: the
// active-node list and per-collection owner routes. Both views drop on
// any fleet mutation and otherwise expire on their TTL.
type Registry struct {
	runtimeConfig *atomic.Pointer[config.RuntimeConfig]

	nodes *xsync.Map[string, *node.Entry]
	slugs *xsync.Map[string, string]

	activeView otter.CacheWithVariableTTL[string, []*node.Entry]
	routes     otter.CacheWithVariableTTL[string, []string]

	fetchHealth HealthFetchFunc

	persistNode   func(n model.Node) error
	deleteNode    func(nodeID string) error
	markRuntime   func(nodeID string)
	deleteRuntime func(nodeID string)

	onPingResult   func(nodeID string, ok bool)
	onNodeRemoved  func(nodeID string)
	onMetadataSync func(nodeID string)
	onEvent        func(event string, n model.Node)

	nowFn func() time.Time
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	activeView, err := otter.MustBuilder[string, []*node.Entry](8).
		Cost(func(_ string, _ []*node.Entry) uint32 { return 1 }).
		WithVariableTTL().
		Build()
	if err != nil {
		panic("registry: failed to create active view cache: " + err.Error())
	}
	routes, err := otter.MustBuilder[string, []string](4096).
		Cost(func(_ string, ids []string) uint32 { return uint32(1 + len(ids)) }).
		WithVariableTTL().
		Build()
	if err != nil {
		panic("registry: failed to create route cache: " + err.Error())
	}

	fetch := cfg.FetchHealth
	if fetch == nil && cfg.HTTP != nil {
		fetch = factoryHealthFetcher(cfg.HTTP)
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	return &Registry{
		runtimeConfig:  cfg.RuntimeConfig,
		nodes:          xsync.NewMap[string, *node.Entry](),
		slugs:          xsync.NewMap[string, string](),
		activeView:     activeView,
		routes:         routes,
		fetchHealth:    fetch,
		persistNode:    cfg.PersistNode,
		deleteNode:     cfg.DeleteNode,
		markRuntime:    cfg.MarkRuntime,
		deleteRuntime:  cfg.DeleteRuntime,
		onPingResult:   cfg.OnPingResult,
		onNodeRemoved:  cfg.OnNodeRemoved,
		onMetadataSync: cfg.OnMetadataSync,
		onEvent:        cfg.OnEvent,
		nowFn:          nowFn,
	}
}

func (r *Registry) cfg() *config.RuntimeConfig {
	if r.runtimeConfig == nil {
		return nil
	}
	return r.runtimeConfig.Load()
}

func (r *Registry) maxPingFailures() int {
	if c := r.cfg(); c != nil && c.MaxPingFailures > 0 {
		return c.MaxPingFailures
	}
	return 3
}

func (r *Registry) freshnessWindow() time.Duration {
	if c := r.cfg(); c != nil {
		return c.PingFreshnessWindow.Std()
	}
	return 5 * time.Minute
}

func (r *Registry) activeTTL() time.Duration {
	if c := r.cfg(); c != nil && c.ActiveNodesCacheTTL.Std() > 0 {
		return c.ActiveNodesCacheTTL.Std()
	}
	return 5 * time.Minute
}

func (r *Registry) latencyDecay() time.Duration {
	if c := r.cfg(); c != nil && c.LatencyDecayWindow.Std() > 0 {
		return c.LatencyDecayWindow.Std()
	}
	return 10 * time.Minute
}

// Register adds a node to the fleet. Missing fields are defaulted: slug
// from the name, ID and API key generated, weight 1, status active. A
// child node with a base URL gets one best-effort initial ping.
func (r *Registry) Register(ctx context.Context, data model.Node) (*node.Entry, error) {
	name := strings.TrimSpace(data.Name)
	if name == "" {
		return nil, errors.New("registry: node name required")
	}
	if data.Type == "" {
		data.Type = model.NodeTypeChild
	}
	if data.Type == model.NodeTypeChild && strings.TrimSpace(data.BaseURL) == "" {
		return nil, errors.New("registry: base_url required for child nodes")
	}

	slug := strings.TrimSpace(data.Slug)
	if slug == "" {
		slug = Slugify(name)
	}
	if slug == "" {
		return nil, fmt.Errorf("registry: name %q does not yield a slug", name)
	}

	id := data.ID
	if id == "" {
		id = uuid.NewString()
	}

	if _, loaded := r.slugs.LoadOrStore(slug, id); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSlug, slug)
	}

	now := r.nowFn()
	rec := data.Clone()
	rec.ID = id
	rec.Slug = slug
	rec.Name = name
	rec.BaseURL = strings.TrimRight(strings.TrimSpace(rec.BaseURL), "/")
	if rec.Status == "" {
		rec.Status = model.NodeStatusActive
	}
	if rec.Weight <= 0 {
		rec.Weight = 1
	}
	if rec.APIKey == "" {
		rec.APIKey = uuid.NewString()
	}
	rec.CreatedAtNs = now.UnixNano()
	rec.UpdatedAtNs = now.UnixNano()

	entry := node.NewEntry(rec)
	r.applyRateLimit(entry)
	r.nodes.Store(id, entry)

	if r.persistNode != nil {
		if err := r.persistNode(rec); err != nil {
			r.nodes.Delete(id)
			r.slugs.Delete(slug)
			return nil, fmt.Errorf("persist node %s: %w", slug, err)
		}
	}
	if r.markRuntime != nil {
		r.markRuntime(id)
	}
	r.invalidateViews()

	log.Printf("[registry] node registered: %s (%s)", slug, id)
	if r.onEvent != nil {
		r.onEvent(EventRegistered, rec)
	}

	if r.fetchHealth != nil && rec.Type == model.NodeTypeChild && rec.BaseURL != "" {
		if err := r.Ping(ctx, entry); err != nil {
			log.Printf("[registry] initial ping failed for %s: %v", slug, err)
		}
	}
	return entry, nil
}

// Unregister removes a node from the fleet and fires the removal hooks.
func (r *Registry) Unregister(id string) error {
	entry, ok := r.nodes.Load(id)
	if !ok {
		return ErrNotFound
	}
	rec := entry.Record()

	r.nodes.Delete(id)
	r.slugs.Compute(rec.Slug, func(cur string, loaded bool) (string, xsync.ComputeOp) {
		if !loaded || cur != id {
			return cur, xsync.CancelOp // slug was re-pointed, leave it
		}
		return "", xsync.DeleteOp
	})
	r.invalidateViews()

	if r.deleteRuntime != nil {
		r.deleteRuntime(id)
	}
	if r.onNodeRemoved != nil {
		r.onNodeRemoved(id)
	}
	log.Printf("[registry] node unregistered: %s (%s)", rec.Slug, id)
	if r.onEvent != nil {
		r.onEvent(EventUnregistered, rec)
	}

	if r.deleteNode != nil {
		if err := r.deleteNode(id); err != nil {
			return fmt.Errorf("delete node %s: %w", rec.Slug, err)
		}
	}
	return nil
}

// UpdateStatus transitions a node between active, inactive and error.
func (r *Registry) UpdateStatus(id string, status model.NodeStatus) error {
	switch status {
	case model.NodeStatusActive, model.NodeStatusInactive, model.NodeStatusError:
	default:
		return fmt.Errorf("registry: invalid status %q", status)
	}
	entry, ok := r.nodes.Load(id)
	if !ok {
		return ErrNotFound
	}
	if entry.Status() == status {
		return nil
	}

	now := r.nowFn()
	rec := entry.Update(func(n *model.Node) {
		n.Status = status
		n.UpdatedAtNs = now.UnixNano()
	})
	r.invalidateViews()

	log.Printf("[registry] node %s status -> %s", rec.Slug, status)
	if r.onEvent != nil {
		r.onEvent(EventStatusChanged, rec)
	}
	if r.persistNode != nil {
		if err := r.persistNode(rec); err != nil {
			return fmt.Errorf("persist node %s: %w", rec.Slug, err)
		}
	}
	return nil
}

// Apply runs an arbitrary mutation on a node record, then persists it and
// drops the cached views. Identity fields (ID, Slug) are restored if the
// mutation touches them. The metadata-sync hook fires so digests recompile.
func (r *Registry) Apply(id string, mutate func(*model.Node)) (model.Node, error) {
	entry, ok := r.nodes.Load(id)
	if !ok {
		return model.Node{}, ErrNotFound
	}

	now := r.nowFn()
	rec := entry.Update(func(n *model.Node) {
		keepID, keepSlug := n.ID, n.Slug
		mutate(n)
		n.ID, n.Slug = keepID, keepSlug
		n.BaseURL = strings.TrimRight(strings.TrimSpace(n.BaseURL), "/")
		n.UpdatedAtNs = now.UnixNano()
	})
	r.invalidateViews()

	if r.onMetadataSync != nil {
		r.onMetadataSync(id)
	}
	if r.persistNode != nil {
		if err := r.persistNode(rec); err != nil {
			return rec, fmt.Errorf("persist node %s: %w", rec.Slug, err)
		}
	}
	return rec, nil
}

// Get returns the entry for a node ID.
func (r *Registry) Get(id string) (*node.Entry, bool) {
	return r.nodes.Load(id)
}

// GetBySlug returns the entry for a slug.
func (r *Registry) GetBySlug(slug string) (*node.Entry, bool) {
	id, ok := r.slugs.Load(slug)
	if !ok {
		return nil, false
	}
	return r.nodes.Load(id)
}

// List returns all entries in registration order.
func (r *Registry) List() []*node.Entry {
	var out []*node.Entry
	r.nodes.Range(func(_ string, e *node.Entry) bool {
		out = append(out, e)
		return true
	})
	sortEntries(out)
	return out
}

// Size returns the number of registered nodes.
func (r *Registry) Size() int {
	return r.nodes.Size()
}

// Snapshot returns a record copy of every node, registration-ordered.
// Implements the auth service's node store.
func (r *Registry) Snapshot() []model.Node {
	entries := r.List()
	out := make([]model.Node, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Record())
	}
	return out
}

// SetRefreshToken persists a node's refresh-token hash. Implements the
// auth service's node store.
func (r *Registry) SetRefreshToken(nodeID, hash string, expiresAtNs int64) error {
	entry, ok := r.nodes.Load(nodeID)
	if !ok {
		return ErrNotFound
	}
	now := r.nowFn()
	rec := entry.Update(func(n *model.Node) {
		n.RefreshTokenHash = hash
		n.RefreshTokenExpiresAt = expiresAtNs
		n.UpdatedAtNs = now.UnixNano()
	})
	if r.persistNode != nil {
		if err := r.persistNode(rec); err != nil {
			return fmt.Errorf("persist node %s: %w", rec.Slug, err)
		}
	}
	return nil
}

// IsHealthy applies the operational health predicate: active status,
// consecutive ping failures under the limit, and a sufficiently fresh
// successful ping. A zero freshness window disables the freshness check.
func (r *Registry) IsHealthy(e *node.Entry) bool {
	if e == nil || e.Status() != model.NodeStatusActive {
		return false
	}
	if !e.Healthy(r.maxPingFailures()) {
		return false
	}
	if window := r.freshnessWindow(); window > 0 {
		last := e.LastPingAt()
		if last.IsZero() || r.nowFn().Sub(last) > window {
			return false
		}
	}
	return true
}

// ActiveNodes returns the healthy active fleet from a TTL-cached view.
// Any fleet mutation drops the view immediately.
func (r *Registry) ActiveNodes() []*node.Entry {
	if cached, ok := r.activeView.Get(activeViewKey); ok {
		return cached
	}
	var list []*node.Entry
	r.nodes.Range(func(_ string, e *node.Entry) bool {
		if r.IsHealthy(e) {
			list = append(list, e)
		}
		return true
	})
	sortEntries(list)
	r.activeView.Set(activeViewKey, list, r.activeTTL())
	return list
}

// LoadFromBootstrap inserts a recovered node without callbacks or pings.
func (r *Registry) LoadFromBootstrap(rec model.Node, rt *model.NodeRuntime) *node.Entry {
	entry := node.NewEntry(rec)
	if rt != nil {
		entry.RestoreRuntime(*rt)
	}
	r.applyRateLimit(entry)
	r.nodes.Store(rec.ID, entry)
	r.slugs.Store(rec.Slug, rec.ID)
	return entry
}

// ApplyRateLimits reinstalls per-node limiters from the current runtime
// config. Called after a config patch.
func (r *Registry) ApplyRateLimits() {
	r.nodes.Range(func(_ string, e *node.Entry) bool {
		r.applyRateLimit(e)
		return true
	})
}

func (r *Registry) applyRateLimit(e *node.Entry) {
	if c := r.cfg(); c != nil {
		e.SetRateLimit(c.NodeRatePerSec, c.NodeRateBurst)
	}
}

// invalidateViews drops the active-node view and every cached route.
func (r *Registry) invalidateViews() {
	r.activeView.Clear()
	r.routes.Clear()
}

// Close releases the view caches.
func (r *Registry) Close() {
	r.activeView.Close()
	r.routes.Close()
}

// sortEntries orders by creation time then ID so cached views and
// balancer tie-breaks are deterministic.
func sortEntries(entries []*node.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := entries[i].Record(), entries[j].Record()
		if ri.CreatedAtNs != rj.CreatedAtNs {
			return ri.CreatedAtNs < rj.CreatedAtNs
		}
		return ri.ID < rj.ID
	})
}
