// Package fedsearch runs one query across the fabric: the local corpus
// plus a bounded parallel fan-out to the active peers, merged into a
// single ranked result set.
package fedsearch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/weftworks/weft/internal/balance"
	"github.com/weftworks/weft/internal/breaker"
	"github.com/weftworks/weft/internal/cache"
	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/merge"
	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/netutil"
	"github.com/weftworks/weft/internal/node"
	"github.com/weftworks/weft/internal/registry"
)

const (
	defaultLimit          = 20
	defaultRequestTimeout = 30 * time.Second
	defaultLatencyDecay   = 10 * time.Minute

	// collectGrace bounds how long the collector waits past the peer
	// timeout before declaring the merge partial.
	collectGrace = 2 * time.Second
)

// errDegraded marks fallback and partial responses so they never enter
// the cache.
var errDegraded = errors.New("fedsearch: degraded result not cached")

// LocalSearcher answers queries from the local corpus. Implementations
// are provided by the host process; a nil searcher means the local node
// contributes no results.
type LocalSearcher interface {
	Search(ctx context.Context, query string, limit int, opts map[string]any) ([]model.SearchResult, error)
}

// Request is one federated search invocation.
type Request struct {
	Query   string
	NodeIDs []string
	Limit   int
	Options map[string]any
	UserID  string

	// Inbound, when set, donates trace and identity headers to the
	// peer calls.
	Inbound *http.Request
}

// Response is the merged federation result. Field names follow the
// fabric wire format.
type Response struct {
	Query         string               `json:"query"`
	TotalResults  int                  `json:"totalResults"`
	Results       []model.SearchResult `json:"results"`
	NodesSearched []string             `json:"nodesSearched"`
	NodeBreakdown map[string]int       `json:"nodeBreakdown"`
	TypeBreakdown map[string]int       `json:"typeBreakdown,omitempty"`
	MergeStrategy string               `json:"mergeStrategy,omitempty"`
	AvgScore      float64              `json:"avgScore,omitempty"`
	DurationMs    int64                `json:"durationMs"`
	Cached        bool                 `json:"cached,omitempty"`
	Fallback      bool                 `json:"fallback,omitempty"`
	Partial       bool                 `json:"partial,omitempty"`
}

// Config wires the federation pipeline. Local may be nil.
type Config struct {
	RuntimeConfig *atomic.Pointer[config.RuntimeConfig]
	Registry      *registry.Registry
	Breaker       *breaker.Breaker
	Balancer      *balance.Balancer
	Merger        *merge.Merger
	Cache         *cache.QueryCache
	HTTP          *netutil.Factory
	Local         LocalSearcher
	LocalStats    LocalAggregator

	// Log receives one record per completed search. May be nil.
	Log func(model.SearchLogRecord)

	// LocalName labels local rows in breakdowns. Defaults to "local".
	LocalName string
}

// Service executes federated searches and aggregates.
type Service struct {
	runtimeConfig *atomic.Pointer[config.RuntimeConfig]
	reg           *registry.Registry
	brk           *breaker.Breaker
	balancer      *balance.Balancer
	merger        *merge.Merger
	cache         *cache.QueryCache
	http          *netutil.Factory
	local         LocalSearcher
	localStats    LocalAggregator
	logFn         func(model.SearchLogRecord)
	localName     string
}

// New creates the federation service.
func New(cfg Config) *Service {
	name := cfg.LocalName
	if name == "" {
		name = "local"
	}
	return &Service{
		runtimeConfig: cfg.RuntimeConfig,
		reg:           cfg.Registry,
		brk:           cfg.Breaker,
		balancer:      cfg.Balancer,
		merger:        cfg.Merger,
		cache:         cfg.Cache,
		http:          cfg.HTTP,
		local:         cfg.Local,
		localStats:    cfg.LocalStats,
		logFn:         cfg.Log,
		localName:     name,
	}
}

func (s *Service) cfg() *config.RuntimeConfig {
	if s.runtimeConfig == nil {
		return nil
	}
	return s.runtimeConfig.Load()
}

func (s *Service) peerTimeout() time.Duration {
	if c := s.cfg(); c != nil && c.RequestTimeout > 0 {
		return c.RequestTimeout.Std()
	}
	return defaultRequestTimeout
}

func (s *Service) latencyDecay() time.Duration {
	if c := s.cfg(); c != nil && c.LatencyDecayWindow > 0 {
		return c.LatencyDecayWindow.Std()
	}
	return defaultLatencyDecay
}

func (s *Service) fanoutGrace() time.Duration {
	if c := s.cfg(); c != nil && c.SearchFanoutGrace > 0 {
		return c.SearchFanoutGrace.Std()
	}
	return collectGrace
}

func (s *Service) mergeStrategy(requested string) string {
	if requested != "" {
		return requested
	}
	if c := s.cfg(); c != nil && c.MergeStrategy != "" {
		return c.MergeStrategy
	}
	return config.MergeScore
}

// Search never returns an error: every failure mode degrades to a
// local-only or partial response instead. Each call emits one search
// log record when a log sink is wired.
func (s *Service) Search(ctx context.Context, req Request) *Response {
	resp := s.search(ctx, req)
	s.logSearch(req, resp)
	return resp
}

func (s *Service) search(ctx context.Context, req Request) *Response {
	start := time.Now()
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	if s.cache == nil {
		resp := s.federate(ctx, req, limit)
		resp.DurationMs = time.Since(start).Milliseconds()
		return resp
	}

	var computed *Response
	payload, _, outcome, err := s.cache.GetOrCompute(ctx, req.Query, req.NodeIDs, req.Options,
		func(ctx context.Context) (cache.FillResult, error) {
			resp := s.federate(ctx, req, limit)
			computed = resp
			if resp.Fallback || resp.Partial {
				return cache.FillResult{}, errDegraded
			}
			body, merr := json.Marshal(resp)
			if merr != nil {
				return cache.FillResult{}, merr
			}
			return cache.FillResult{
				Payload:     body,
				ResultCount: resp.TotalResults,
				DurationMs:  time.Since(start).Milliseconds(),
			}, nil
		})

	// This caller ran the pipeline itself; its response is authoritative
	// whether or not it was cacheable.
	if computed != nil {
		computed.DurationMs = time.Since(start).Milliseconds()
		return computed
	}
	if err == nil && payload != nil {
		var resp Response
		if uerr := json.Unmarshal(payload, &resp); uerr == nil {
			resp.Cached = outcome == cache.OutcomeHit
			resp.DurationMs = time.Since(start).Milliseconds()
			return &resp
		}
		log.Printf("[fedsearch] corrupt cached payload for %q, recomputing", req.Query)
	}

	// A coalesced caller shared a degraded fill, or the cached bytes were
	// unreadable. Run the pipeline directly, uncached.
	resp := s.federate(ctx, req, limit)
	resp.DurationMs = time.Since(start).Milliseconds()
	return resp
}

func (s *Service) logSearch(req Request, resp *Response) {
	if s.logFn == nil {
		return
	}
	s.logFn(model.SearchLogRecord{
		Query:         req.Query,
		Fingerprint:   cache.Fingerprint(req.Query, req.NodeIDs, req.Options).Hex(),
		NodeCount:     len(resp.NodesSearched),
		ResultCount:   resp.TotalResults,
		DurationMs:    resp.DurationMs,
		CacheHit:      resp.Cached,
		Partial:       resp.Partial,
		Fallback:      resp.Fallback,
		MergeStrategy: resp.MergeStrategy,
	})
}

type peerResult struct {
	entry    *node.Entry
	results  []model.SearchResult
	err      error
	canceled bool
}

// federate resolves candidates, gathers local results, filters admission,
// fans out to peers and merges. A panic anywhere inside degrades to the
// local-only fallback.
func (s *Service) federate(ctx context.Context, req Request, limit int) (resp *Response) {
	local, localErr := s.localResults(ctx, req, limit)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[fedsearch] federation panic, serving local fallback: %v", r)
			resp = s.localOnly(req, limit, local, true)
		}
	}()

	selected := s.selectPeers(req.NodeIDs)
	if len(selected) == 0 {
		return s.localOnly(req, limit, local, false)
	}

	fanCtx, fanCancel := context.WithCancel(ctx)
	defer fanCancel()

	resCh := make(chan peerResult, len(selected))
	for _, e := range selected {
		go s.searchPeer(fanCtx, e, req, limit, resCh)
	}

	var (
		all       = append([]model.SearchResult(nil), local...)
		searched  = []string{}
		partial   bool
		collected int
	)
	if localErr == nil && s.local != nil {
		searched = append(searched, s.localName)
	}

	timer := time.NewTimer(s.peerTimeout() + s.fanoutGrace())
	defer timer.Stop()
collect:
	for collected < len(selected) {
		select {
		case pr := <-resCh:
			collected++
			if pr.err == nil {
				all = append(all, pr.results...)
				searched = append(searched, pr.entry.Slug())
			} else if !pr.canceled {
				log.Printf("[fedsearch] peer %s failed: %v", pr.entry.Slug(), pr.err)
			}
		case <-ctx.Done():
			partial = true
			break collect
		case <-timer.C:
			partial = true
			break collect
		}
	}

	strategy := s.mergeStrategy(stringOption(req.Options, "mergeStrategy"))
	merged, stats := s.merger.Merge(all, merge.Options{
		Limit:      limit,
		Strategy:   strategy,
		MasterNode: s.localName,
	})
	if merged == nil {
		merged = []model.SearchResult{}
	}
	return &Response{
		Query:         req.Query,
		TotalResults:  len(merged),
		Results:       merged,
		NodesSearched: searched,
		NodeBreakdown: stats.ByNode,
		TypeBreakdown: stats.ByType,
		MergeStrategy: strategy,
		AvgScore:      stats.AvgScore,
		Partial:       partial,
	}
}

// selectPeers resolves, admission-filters and caps the fan-out set.
func (s *Service) selectPeers(nodeIDs []string) []*node.Entry {
	if s.reg == nil {
		return nil
	}
	var wanted map[string]struct{}
	if len(nodeIDs) > 0 {
		wanted = make(map[string]struct{}, len(nodeIDs))
		for _, id := range nodeIDs {
			wanted[id] = struct{}{}
		}
	}

	candidates := make([]*node.Entry, 0)
	for _, e := range s.reg.ActiveNodes() {
		if e.Type() != model.NodeTypeChild || !s.reg.IsHealthy(e) {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[e.ID()]; !ok {
				continue
			}
		}
		if s.brk != nil && s.brk.IsOpen(e.ID()) {
			continue
		}
		if !e.AllowRequest() {
			continue
		}
		candidates = append(candidates, e)
	}
	if s.balancer == nil {
		return candidates
	}
	return s.balancer.Select(candidates, 0, "")
}

func (s *Service) localResults(ctx context.Context, req Request, limit int) ([]model.SearchResult, error) {
	if s.local == nil {
		return nil, nil
	}
	results, err := s.local.Search(ctx, req.Query, limit, req.Options)
	if err != nil {
		log.Printf("[fedsearch] local search failed: %v", err)
		return nil, err
	}
	for i := range results {
		if results[i].SourceNode == "" {
			results[i].SourceNode = s.localName
		}
	}
	return results, nil
}

// searchPeer posts the query to one node. Accounting wraps the whole
// call: the connection gauge increments before dispatch and the deferred
// decrement runs on every exit path.
func (s *Service) searchPeer(ctx context.Context, e *node.Entry, req Request, limit int, out chan<- peerResult) {
	e.ActiveConnections.Add(1)
	defer e.ActiveConnections.Add(-1)

	payload := map[string]any{
		"query": req.Query,
		"limit": limit,
	}
	if len(req.Options) > 0 {
		payload["options"] = req.Options
	}
	if req.UserID != "" {
		payload["userId"] = req.UserID
	}

	start := time.Now()
	httpReq, cancel, err := s.http.NewFabricRequest(ctx, e.BaseURL(), netutil.PathSearch, payload, req.Inbound)
	if err != nil {
		out <- peerResult{entry: e, err: err}
		return
	}
	defer cancel()

	httpResp, err := s.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Collector gave up or the caller left; not a node failure.
			out <- peerResult{entry: e, err: err, canceled: true}
			return
		}
		s.recordFailure(e)
		out <- peerResult{entry: e, err: err}
		return
	}
	data, err := netutil.ReadResponse(httpResp)
	if err != nil {
		s.recordFailure(e)
		out <- peerResult{entry: e, err: err}
		return
	}
	var parsed model.PeerSearchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		s.recordFailure(e)
		out <- peerResult{entry: e, err: err}
		return
	}

	e.SuccessCount.Add(1)
	e.ObserveLatency(time.Now(), time.Since(start), s.latencyDecay())
	if s.brk != nil {
		s.brk.RecordSuccess(e.ID())
	}
	rec := e.Record()
	for i := range parsed.Results {
		if parsed.Results[i].SourceNode == "" {
			parsed.Results[i].SourceNode = rec.Slug
		}
		if parsed.Results[i].SourceNodeName == "" {
			parsed.Results[i].SourceNodeName = rec.Name
		}
	}
	out <- peerResult{entry: e, results: parsed.Results}
}

func (s *Service) recordFailure(e *node.Entry) {
	e.FailureCount.Add(1)
	if s.brk != nil {
		s.brk.RecordFailure(e.ID())
	}
}

func (s *Service) localOnly(req Request, limit int, local []model.SearchResult, fallback bool) *Response {
	strategy := s.mergeStrategy(stringOption(req.Options, "mergeStrategy"))
	merged, stats := s.merger.Merge(local, merge.Options{
		Limit:      limit,
		Strategy:   strategy,
		MasterNode: s.localName,
	})
	if merged == nil {
		merged = []model.SearchResult{}
	}
	searched := []string{}
	if s.local != nil {
		searched = append(searched, s.localName)
	}
	return &Response{
		Query:         req.Query,
		TotalResults:  len(merged),
		Results:       merged,
		NodesSearched: searched,
		NodeBreakdown: stats.ByNode,
		TypeBreakdown: stats.ByType,
		MergeStrategy: strategy,
		AvgScore:      stats.AvgScore,
		Fallback:      fallback,
	}
}

func stringOption(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}
