package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/netutil"
	"github.com/weftworks/weft/internal/node"
)

// HealthReport is what a peer's health endpoint advertises.
type HealthReport struct {
	Status  string
	Version string
	Meta    model.NodeMetadata
}

// HealthFetchFunc performs one authenticated health round trip and
// returns the parsed report plus the observed latency.
type HealthFetchFunc func(ctx context.Context, baseURL string) (*HealthReport, time.Duration, error)

// healthWire is the health endpoint body. Metadata fields are inlined
// next to status and version.
type healthWire struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	model.NodeMetadata
}

// factoryHealthFetcher builds the default fetcher on the peer client
// factory. A 2xx with an unparseable body still counts as a successful
// ping, just without advertised metadata.
func factoryHealthFetcher(f *netutil.Factory) HealthFetchFunc {
	return func(ctx context.Context, baseURL string) (*HealthReport, time.Duration, error) {
		req, cancel, err := f.NewHealthRequest(ctx, baseURL)
		if err != nil {
			return nil, 0, err
		}
		defer cancel()

		start := time.Now()
		resp, err := f.Do(req)
		elapsed := time.Since(start)
		if err != nil {
			return nil, elapsed, err
		}
		body, err := netutil.ReadResponse(resp)
		if err != nil {
			return nil, elapsed, err
		}

		var wire healthWire
		if err := json.Unmarshal(body, &wire); err != nil {
			return &HealthReport{}, elapsed, nil
		}
		return &HealthReport{
			Status:  wire.Status,
			Version: wire.Version,
			Meta:    wire.NodeMetadata,
		}, elapsed, nil
	}
}

// Ping health-checks one node. Success clears the failure streak, folds
// the latency into the node's average, and merges any advertised
// metadata into the record; a metadata change persists the record and
// fires the metadata-sync hook. Failure bumps the consecutive-failure
// count. Either way the breaker hook hears about it.
func (r *Registry) Ping(ctx context.Context, e *node.Entry) error {
	if r.fetchHealth == nil {
		return fmt.Errorf("registry: no health fetcher configured")
	}
	e.MarkPingAttempt(r.nowFn())

	report, elapsed, err := r.fetchHealth(ctx, e.BaseURL())
	now := r.nowFn()
	id := e.ID()

	if err != nil {
		e.MarkPingFailure()
		if r.markRuntime != nil {
			r.markRuntime(id)
		}
		if r.onPingResult != nil {
			r.onPingResult(id, false)
		}
		return fmt.Errorf("ping %s: %w", e.Slug(), err)
	}

	e.MarkPingSuccess(now)
	e.ObserveLatency(now, elapsed, r.latencyDecay())
	if r.markRuntime != nil {
		r.markRuntime(id)
	}
	if r.onPingResult != nil {
		r.onPingResult(id, true)
	}

	if changed, rec := r.mergeAdvertised(e, report, now); changed {
		if r.persistNode != nil {
			if perr := r.persistNode(rec); perr != nil {
				log.Printf("[registry] persist after metadata sync failed for %s: %v", rec.Slug, perr)
			}
		}
		r.invalidateViews()
		if r.onMetadataSync != nil {
			r.onMetadataSync(id)
		}
	}
	return nil
}

// mergeAdvertised folds non-empty advertised fields into the record and
// reports whether anything changed.
func (r *Registry) mergeAdvertised(e *node.Entry, report *HealthReport, now time.Time) (bool, model.Node) {
	changed := false
	rec := e.Update(func(n *model.Node) {
		if v := strings.TrimSpace(report.Version); v != "" && v != n.Version {
			n.Version = v
			changed = true
		}
		m := report.Meta
		if m.Description != "" && m.Description != n.Description {
			n.Description = m.Description
			changed = true
		}
		mergeStrings(&n.Capabilities, m.Capabilities, &changed)
		mergeStrings(&n.Domains, m.Domains, &changed)
		mergeStrings(&n.DataTypes, m.DataTypes, &changed)
		mergeStrings(&n.Keywords, m.Keywords, &changed)
		mergeStrings(&n.Workflows, m.Workflows, &changed)
		mergeStrings(&n.AutonomousCollectors, m.AutonomousCollectors, &changed)
		if len(m.Collections) > 0 && !equalCollections(n.Collections, m.Collections) {
			n.Collections = append([]model.CollectionRef(nil), m.Collections...)
			changed = true
		}
		if changed {
			n.UpdatedAtNs = now.UnixNano()
		}
	})
	return changed, rec
}

// mergeStrings replaces dst with src when src is non-empty and differs.
func mergeStrings(dst *[]string, src []string, changed *bool) {
	if len(src) == 0 || equalStrings(*dst, src) {
		return
	}
	*dst = append([]string(nil), src...)
	*changed = true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalCollections(a, b []model.CollectionRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
