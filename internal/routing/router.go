// Package routing decides where a query executes: on a remote node that
// owns the data, on a node an LLM picked from the digest prompt, on the
// best keyword scorer, or locally when nothing qualifies.
package routing

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/weftworks/weft/internal/breaker"
	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/discovery"
	"github.com/weftworks/weft/internal/llm"
	"github.com/weftworks/weft/internal/node"
	"github.com/weftworks/weft/internal/registry"
)

const (
	defaultMinKeywordScore = 10
	defaultLLMTimeout      = 5 * time.Second
)

// Via values name the mechanism that produced a decision, including the
// local ones.
const (
	ViaPinned     = "pinned"
	ViaCollection = "collection"
	ViaIntent     = "intent"
	ViaKeyword    = "keyword"
)

// Decision is the outcome of one routing pass. Node is nil when IsLocal.
type Decision struct {
	Node        *node.Entry `json:"-"`
	NodeID      string      `json:"node_id,omitempty"`
	Slug        string      `json:"node,omitempty"`
	IsLocal     bool        `json:"is_local"`
	Via         string      `json:"via"`
	Reason      string      `json:"reason"`
	Collections []string    `json:"collections,omitempty"`
}

// Options tune a single routing pass.
type Options struct {
	// PreferredNode pins the decision to a slug when that node is
	// available; otherwise routing proceeds normally.
	PreferredNode string

	// KeywordOnly skips intent routing. Action dispatch sets it so an
	// LLM verdict can never redirect a side-effectful call.
	KeywordOnly bool
}

// Config wires the router to its collaborators. LLM and Digests may be
// nil; intent routing is then skipped entirely.
type Config struct {
	RuntimeConfig *atomic.Pointer[config.RuntimeConfig]
	Registry      *registry.Registry
	Breaker       *breaker.Breaker
	Digests       *discovery.DigestService
	LLM           llm.Client
}

// Router picks the node a query should run on. All state lives in the
// collaborators; the router itself is stateless and safe for concurrent
// use.
type Router struct {
	runtimeConfig *atomic.Pointer[config.RuntimeConfig]
	reg           *registry.Registry
	brk           *breaker.Breaker
	digests       *discovery.DigestService
	llm           llm.Client
}

// New creates a router.
func New(cfg Config) *Router {
	return &Router{
		runtimeConfig: cfg.RuntimeConfig,
		reg:           cfg.Registry,
		brk:           cfg.Breaker,
		digests:       cfg.Digests,
		llm:           cfg.LLM,
	}
}

func (r *Router) cfg() *config.RuntimeConfig {
	if r.runtimeConfig == nil {
		return nil
	}
	return r.runtimeConfig.Load()
}

func (r *Router) minKeywordScore() int {
	if cfg := r.cfg(); cfg != nil && cfg.MinKeywordScore > 0 {
		return cfg.MinKeywordScore
	}
	return defaultMinKeywordScore
}

func (r *Router) llmTimeout() time.Duration {
	if cfg := r.cfg(); cfg != nil && cfg.RoutingLLMTimeout > 0 {
		return time.Duration(cfg.RoutingLLMTimeout)
	}
	return defaultLLMTimeout
}

func (r *Router) routingModel() string {
	if cfg := r.cfg(); cfg != nil {
		return cfg.RoutingModel
	}
	return ""
}

// Route decides where a query should execute. Requested collections win
// over everything else: the first available owner takes the query, and
// when no owner is available the query stays local rather than being
// guessed onto an unrelated node.
func (r *Router) Route(ctx context.Context, query string, collections []string, opts Options) Decision {
	if opts.PreferredNode != "" {
		if e, ok := r.reg.GetBySlug(opts.PreferredNode); ok && r.available(e) {
			return r.remote(e, ViaPinned, "requested node "+e.Slug(), collections)
		}
		log.Printf("[routing] preferred node %q unavailable, routing normally", opts.PreferredNode)
	}
	if len(collections) > 0 {
		return r.routeByCollection(collections)
	}
	if !opts.KeywordOnly {
		if d, done := r.routeByIntent(ctx, query); done {
			return d
		}
	}
	return r.routeByKeywords(query)
}

func (r *Router) routeByCollection(collections []string) Decision {
	for _, coll := range collections {
		for _, e := range r.reg.NodesForCollection(coll) {
			if r.available(e) {
				return r.remote(e, ViaCollection, "owns collection "+coll, collections)
			}
		}
	}
	return localDecision(ViaCollection, "no available node owns the requested collections", collections)
}

// routeByIntent asks the LLM to pick a node from the digest prompt. The
// second return is false when intent routing could not decide and the
// keyword fallback should run: no client, no digests, LLM error,
// unparseable reply, unknown slug, or an explicit LOCAL verdict.
func (r *Router) routeByIntent(ctx context.Context, query string) (Decision, bool) {
	if r.llm == nil || r.digests == nil {
		return Decision{}, false
	}
	digest := r.digests.FullDigest(ctx)
	if strings.TrimSpace(digest) == "" {
		return Decision{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, r.llmTimeout())
	defer cancel()
	out, err := r.llm.Complete(ctx, llm.CompletionRequest{
		Model:     r.routingModel(),
		System:    intentSystemPrompt,
		Prompt:    intentPrompt(digest, query),
		MaxTokens: 150,
	})
	if err != nil {
		log.Printf("[routing] intent routing failed, falling back to keywords: %v", err)
		return Decision{}, false
	}

	slug, reason, ok := parseIntent(out)
	if !ok {
		log.Printf("[routing] unparseable intent reply %q, falling back to keywords", truncate(out, 120))
		return Decision{}, false
	}
	if strings.EqualFold(slug, "LOCAL") {
		return Decision{}, false
	}
	e, found := r.reg.GetBySlug(slug)
	if !found {
		log.Printf("[routing] intent picked unknown node %q, falling back to keywords", slug)
		return Decision{}, false
	}
	if !r.available(e) {
		return localDecision(ViaIntent, "selected node "+slug+" unavailable", nil), true
	}
	if reason == "" {
		reason = "intent match"
	}
	return r.remote(e, ViaIntent, reason, nil), true
}

func (r *Router) routeByKeywords(query string) Decision {
	var (
		best      *node.Entry
		bestScore int
	)
	for _, e := range r.reg.ActiveNodes() {
		if s := KeywordScore(e.Record(), query); s > bestScore {
			best, bestScore = e, s
		}
	}
	if best == nil || bestScore < r.minKeywordScore() {
		return localDecision(ViaKeyword, "no node scored above the keyword threshold", nil)
	}
	if !r.available(best) {
		return localDecision(ViaKeyword, "best keyword match "+best.Slug()+" unavailable", nil)
	}
	return r.remote(best, ViaKeyword, fmt.Sprintf("keyword score %d", bestScore), nil)
}

// available is the admission check applied to every chosen node: breaker
// closed (or probing half-open), healthy per the registry, and a
// rate-limit token granted. AllowRequest runs last so tokens are only
// consumed by nodes that pass the free checks.
func (r *Router) available(e *node.Entry) bool {
	if e == nil {
		return false
	}
	if r.brk != nil && r.brk.IsOpen(e.ID()) {
		return false
	}
	if r.reg != nil && !r.reg.IsHealthy(e) {
		return false
	}
	return e.AllowRequest()
}

func (r *Router) remote(e *node.Entry, via, reason string, collections []string) Decision {
	return Decision{
		Node:        e,
		NodeID:      e.ID(),
		Slug:        e.Slug(),
		Via:         via,
		Reason:      reason,
		Collections: collections,
	}
}

func localDecision(via, reason string, collections []string) Decision {
	return Decision{IsLocal: true, Via: via, Reason: reason, Collections: collections}
}

// NodeScore is one row of an ExplainRouting response.
type NodeScore struct {
	NodeID    string `json:"node_id"`
	Slug      string `json:"node"`
	Score     int    `json:"score"`
	Available bool   `json:"available"`
}

// Explanation pairs a decision with the keyword scores of every active
// node, strongest first.
type Explanation struct {
	Decision Decision    `json:"decision"`
	Scores   []NodeScore `json:"scores"`
}

// ExplainRouting runs a routing pass and reports per-node keyword scores
// alongside it. The availability column ignores rate-limit admission so
// explaining a route never consumes tokens.
func (r *Router) ExplainRouting(ctx context.Context, query string, collections []string) Explanation {
	scores := []NodeScore{}
	for _, e := range r.reg.ActiveNodes() {
		avail := (r.brk == nil || !r.brk.IsOpen(e.ID())) && r.reg.IsHealthy(e)
		scores = append(scores, NodeScore{
			NodeID:    e.ID(),
			Slug:      e.Slug(),
			Score:     KeywordScore(e.Record(), query),
			Available: avail,
		})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	return Explanation{
		Decision: r.Route(ctx, query, collections, Options{}),
		Scores:   scores,
	}
}

const intentSystemPrompt = "You route user queries to nodes in a federation. " +
	"Reply with exactly two lines:\nNODE: <slug or LOCAL>\nREASON: <one short sentence>"

func intentPrompt(digest, query string) string {
	return "Nodes:\n" + digest + "\n\nQuery: " + query + "\n\nWhich node should handle this query?"
}

// parseIntent extracts the NODE and REASON lines from an intent reply.
// The NODE line is mandatory; anything else fails the parse.
func parseIntent(out string) (slug, reason string, ok bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if rest, found := strings.CutPrefix(line, "NODE:"); found && slug == "" {
			slug = strings.TrimSpace(rest)
		} else if rest, found := strings.CutPrefix(line, "REASON:"); found && reason == "" {
			reason = strings.TrimSpace(rest)
		}
	}
	return slug, reason, slug != ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
