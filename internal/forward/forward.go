// Package forward is the stateless transport for single-node calls: chat,
// search and action dispatch with retries, breaker admission and failover
// to alternate owners of the same collection.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/weftworks/weft/internal/breaker"
	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/netutil"
	"github.com/weftworks/weft/internal/node"
	"github.com/weftworks/weft/internal/registry"
)

const (
	defaultMaxRetries   = 1
	defaultBackoffBase  = 200 * time.Millisecond
	defaultLatencyDecay = 10 * time.Minute
)

// Result is the uniform outcome of a forward call.
type Result struct {
	Success      bool            `json:"success"`
	NodeID       string          `json:"node_id,omitempty"`
	Node         string          `json:"node,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        string          `json:"error,omitempty"`
	FailoverFrom string          `json:"failover_from,omitempty"`
}

// Options tunes one forward call.
type Options struct {
	// Collection enables failover for chat and search: alternates owning
	// it are tried when the primary fails. Empty disables failover.
	Collection string

	// Inbound, when set, is the caller request whose whitelisted headers
	// propagate to the peer.
	Inbound *http.Request
}

// Config wires a Forwarder.
type Config struct {
	RuntimeConfig *atomic.Pointer[config.RuntimeConfig]
	HTTP          *netutil.Factory
	Registry      *registry.Registry
	Breaker       *breaker.Breaker
}

// Forwarder dispatches requests to single nodes. It is stateless: all
// health bookkeeping lands on the node entry and the breaker.
type Forwarder struct {
	runtimeConfig *atomic.Pointer[config.RuntimeConfig]
	http          *netutil.Factory
	registry      *registry.Registry
	breaker       *breaker.Breaker
}

// New creates a Forwarder.
func New(cfg Config) *Forwarder {
	if cfg.HTTP == nil {
		panic("forward: New requires a non-nil HTTP factory")
	}
	return &Forwarder{
		runtimeConfig: cfg.RuntimeConfig,
		http:          cfg.HTTP,
		registry:      cfg.Registry,
		breaker:       cfg.Breaker,
	}
}

func (f *Forwarder) cfg() *config.RuntimeConfig {
	if f.runtimeConfig == nil {
		return nil
	}
	return f.runtimeConfig.Load()
}

func (f *Forwarder) maxRetries() int {
	if c := f.cfg(); c != nil && c.ForwardMaxRetries >= 0 {
		return c.ForwardMaxRetries
	}
	return defaultMaxRetries
}

func (f *Forwarder) backoffBase() time.Duration {
	if c := f.cfg(); c != nil && c.ForwardBackoffBase > 0 {
		return c.ForwardBackoffBase.Std()
	}
	return defaultBackoffBase
}

func (f *Forwarder) latencyDecay() time.Duration {
	if c := f.cfg(); c != nil && c.LatencyDecayWindow > 0 {
		return c.LatencyDecayWindow.Std()
	}
	return defaultLatencyDecay
}

// ForwardChat sends a chat payload to the node, failing over to alternate
// owners of opts.Collection when the primary fails.
func (f *Forwarder) ForwardChat(ctx context.Context, e *node.Entry, payload any, opts Options) Result {
	return f.forward(ctx, e, netutil.PathChat, payload, opts, true)
}

// ForwardSearch sends a search payload to the node, with the same failover
// behavior as chat.
func (f *Forwarder) ForwardSearch(ctx context.Context, e *node.Entry, payload any, opts Options) Result {
	return f.forward(ctx, e, netutil.PathSearch, payload, opts, true)
}

// ForwardAction sends an action payload to the node. Actions may be
// side-effectful and node-specific, so they never fail over.
func (f *Forwarder) ForwardAction(ctx context.Context, e *node.Entry, payload any, opts Options) Result {
	return f.forward(ctx, e, netutil.PathActions, payload, opts, false)
}

func (f *Forwarder) forward(ctx context.Context, primary *node.Entry, path string, payload any, opts Options, allowFailover bool) Result {
	res := f.tryNode(ctx, primary, path, payload, opts)
	if res.Success || !allowFailover || opts.Collection == "" || f.registry == nil {
		return res
	}
	if ctx.Err() != nil {
		return res
	}

	for _, alt := range f.registry.AlternatesForCollection(opts.Collection, primary.ID()) {
		if ctx.Err() != nil {
			break
		}
		altRes := f.tryNode(ctx, alt, path, payload, opts)
		if altRes.Success {
			altRes.FailoverFrom = primary.Slug()
			log.Printf("[forward] failover %s -> %s for %s", primary.Slug(), alt.Slug(), opts.Collection)
			return altRes
		}
	}
	// All alternates failed too; report the primary's failure.
	return res
}

// tryNode runs the retry loop against one node. Every attempt re-checks
// the breaker; an open circuit abandons the remaining retries.
func (f *Forwarder) tryNode(ctx context.Context, e *node.Entry, path string, payload any, opts Options) Result {
	id := e.ID()
	slug := e.Slug()
	maxRetries := f.maxRetries()
	base := f.backoffBase()

	var res Result
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := base << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Result{NodeID: id, Node: slug, Error: "request canceled"}
			}
		}

		if f.breaker != nil && f.breaker.IsOpen(id) {
			res = Result{NodeID: id, Node: slug, Error: "circuit open for node " + slug}
			break
		}

		var retry bool
		res, retry = f.attempt(ctx, e, path, payload, opts)
		if res.Success || !retry {
			return res
		}
	}
	return res
}

// attempt performs one dispatch. The second return reports whether a
// failed attempt is worth retrying: client cancellation and request-build
// errors are not.
func (f *Forwarder) attempt(ctx context.Context, e *node.Entry, path string, payload any, opts Options) (Result, bool) {
	id := e.ID()
	res := Result{NodeID: id, Node: e.Slug()}

	e.ActiveConnections.Add(1)
	defer e.ActiveConnections.Add(-1)

	req, cancel, err := f.http.NewFabricRequest(ctx, e.BaseURL(), path, payload, opts.Inbound)
	if err != nil {
		res.Error = err.Error()
		return res, false
	}
	defer cancel()

	start := time.Now()
	resp, err := f.http.Do(req)
	elapsed := time.Since(start)
	res.DurationMs = elapsed.Milliseconds()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Client walked away; not a node failure.
			res.Error = "request canceled"
			return res, false
		}
		if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			f.recordFailure(e, id)
			res.Error = "timeout after " + elapsed.Round(time.Millisecond).String()
			return res, ctx.Err() == nil
		}
		f.recordFailure(e, id)
		res.Error = err.Error()
		return res, true
	}

	body, err := netutil.ReadResponse(resp)
	if err != nil {
		f.recordFailure(e, id)
		res.Error = err.Error()
		return res, true
	}

	e.SuccessCount.Add(1)
	e.ObserveLatency(time.Now(), elapsed, f.latencyDecay())
	if f.breaker != nil {
		f.breaker.RecordSuccess(id)
	}
	res.Success = true
	res.Payload = body
	return res, false
}

func (f *Forwarder) recordFailure(e *node.Entry, id string) {
	e.FailureCount.Add(1)
	if f.breaker != nil {
		f.breaker.RecordFailure(id)
	}
}
