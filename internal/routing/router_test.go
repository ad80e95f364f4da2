package routing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weftworks/weft/internal/breaker"
	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/discovery"
	"github.com/weftworks/weft/internal/llm"
	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/registry"
)

type fakeLLM struct {
	mu    sync.Mutex
	calls int
	reply string
	err   error
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type routerHarness struct {
	cfgPtr *atomic.Pointer[config.RuntimeConfig]
	reg    *registry.Registry
	brk    *breaker.Breaker
	llm    *fakeLLM
	router *Router
}

// newHarness builds a router over a real registry and breaker. withAI
// adds a digest service and the fake LLM so the intent step runs.
func newHarness(t *testing.T, withAI bool, mutate func(*config.RuntimeConfig)) *routerHarness {
	t.Helper()
	cfg := config.NewDefaultRuntimeConfig()
	if mutate != nil {
		mutate(cfg)
	}
	ptr := &atomic.Pointer[config.RuntimeConfig]{}
	ptr.Store(cfg)

	reg := registry.New(registry.Config{
		RuntimeConfig: ptr,
		FetchHealth: func(ctx context.Context, baseURL string) (*registry.HealthReport, time.Duration, error) {
			return &registry.HealthReport{Status: "healthy"}, time.Millisecond, nil
		},
	})
	h := &routerHarness{
		cfgPtr: ptr,
		reg:    reg,
		brk:    breaker.New(ptr, nil),
		llm:    &fakeLLM{},
	}
	rc := Config{
		RuntimeConfig: ptr,
		Registry:      reg,
		Breaker:       h.brk,
	}
	if withAI {
		rc.Digests = discovery.NewDigestService(discovery.DigestConfig{
			RuntimeConfig: ptr,
			Registry:      reg,
			Catalog:       discovery.NewCatalog(discovery.CatalogConfig{Name: "gateway"}),
		})
		rc.LLM = h.llm
	}
	h.router = New(rc)
	return h
}

func (h *routerHarness) register(t *testing.T, data model.Node) string {
	t.Helper()
	if data.Type == "" {
		data.Type = model.NodeTypeChild
	}
	if data.BaseURL == "" {
		data.BaseURL = "http://" + data.Name + ".internal"
	}
	e, err := h.reg.Register(context.Background(), data)
	if err != nil {
		t.Fatalf("Register %s: %v", data.Name, err)
	}
	return e.ID()
}

func (h *routerHarness) openBreaker(id string) {
	for i := 0; i < 10; i++ {
		h.brk.RecordFailure(id)
	}
}

func billingMeta() model.Node {
	return model.Node{
		Name: "billing",
		Collections: []model.CollectionRef{
			{Name: `App\Models\Invoice`},
		},
		Keywords: []string{"billing", "payment"},
		Domains:  []string{"finance"},
	}
}

func TestRoute_ByCollection(t *testing.T) {
	h := newHarness(t, false, nil)
	h.register(t, billingMeta())
	h.register(t, model.Node{Name: "hr", Keywords: []string{"employee"}})

	d := h.router.Route(context.Background(), "anything", []string{"invoices"}, Options{})
	if d.IsLocal {
		t.Fatalf("expected remote decision, got local (%s)", d.Reason)
	}
	if d.Slug != "billing" || d.Via != ViaCollection {
		t.Errorf("got slug %q via %q", d.Slug, d.Via)
	}
	if !strings.Contains(d.Reason, "invoices") {
		t.Errorf("reason %q should name the collection", d.Reason)
	}
	if len(d.Collections) != 1 || d.Collections[0] != "invoices" {
		t.Errorf("collections not echoed: %v", d.Collections)
	}
}

func TestRoute_CollectionOwnerUnavailableStaysLocal(t *testing.T) {
	h := newHarness(t, false, nil)
	id := h.register(t, billingMeta())
	h.openBreaker(id)

	d := h.router.Route(context.Background(), "billing payment finance", []string{"invoices"}, Options{})
	if !d.IsLocal {
		t.Fatalf("expected local fallback, got node %q", d.Slug)
	}
	// Requested collections are terminal: the decision must not fall
	// through to keyword scoring against other nodes.
	if d.Via != ViaCollection {
		t.Errorf("via: got %q, want %q", d.Via, ViaCollection)
	}
}

func TestRoute_CollectionUnknownStaysLocal(t *testing.T) {
	h := newHarness(t, false, nil)
	h.register(t, billingMeta())

	d := h.router.Route(context.Background(), "anything", []string{"spaceships"}, Options{})
	if !d.IsLocal || d.Via != ViaCollection {
		t.Errorf("got local=%v via %q", d.IsLocal, d.Via)
	}
}

func TestRoute_PreferredNode(t *testing.T) {
	h := newHarness(t, false, nil)
	h.register(t, billingMeta())
	h.register(t, model.Node{Name: "hr"})

	d := h.router.Route(context.Background(), "anything", nil, Options{PreferredNode: "hr"})
	if d.Slug != "hr" || d.Via != ViaPinned {
		t.Errorf("got slug %q via %q", d.Slug, d.Via)
	}
}

func TestRoute_PreferredNodeUnavailableRoutesNormally(t *testing.T) {
	h := newHarness(t, false, nil)
	h.register(t, billingMeta())
	hrID := h.register(t, model.Node{Name: "hr"})
	h.openBreaker(hrID)

	d := h.router.Route(context.Background(), "billing payment", nil, Options{PreferredNode: "hr"})
	if d.Slug != "billing" {
		t.Errorf("expected fallback to keyword routing, got %+v", d)
	}
}

func TestRoute_ByIntent(t *testing.T) {
	h := newHarness(t, true, nil)
	h.register(t, billingMeta())
	h.llm.reply = "NODE: billing\nREASON: handles invoices"

	d := h.router.Route(context.Background(), "who issued invoice 42?", nil, Options{})
	if d.IsLocal || d.Slug != "billing" {
		t.Fatalf("got %+v", d)
	}
	if d.Via != ViaIntent || d.Reason != "handles invoices" {
		t.Errorf("via %q reason %q", d.Via, d.Reason)
	}
}

func TestRoute_KeywordOnlySkipsIntent(t *testing.T) {
	h := newHarness(t, true, nil)
	h.register(t, billingMeta())
	h.llm.reply = "NODE: billing\nREASON: should never be consulted"

	d := h.router.Route(context.Background(), "billing payment", nil, Options{KeywordOnly: true})
	if d.Via != ViaKeyword || d.Slug != "billing" {
		t.Errorf("expected keyword decision, got %+v", d)
	}
	if h.llm.calls != 0 {
		t.Errorf("LLM consulted %d times in keyword-only mode", h.llm.calls)
	}
}

func TestRoute_IntentLocalVerdictFallsToKeywords(t *testing.T) {
	h := newHarness(t, true, nil)
	h.register(t, billingMeta())
	h.llm.reply = "NODE: LOCAL\nREASON: general conversation"

	d := h.router.Route(context.Background(), "billing payment", nil, Options{})
	if d.Via != ViaKeyword || d.Slug != "billing" {
		t.Errorf("expected keyword fallback to billing, got %+v", d)
	}
}

func TestRoute_IntentErrorFallsToKeywords(t *testing.T) {
	h := newHarness(t, true, nil)
	h.register(t, billingMeta())
	h.llm.err = errors.New("model down")

	d := h.router.Route(context.Background(), "billing payment", nil, Options{})
	if d.Via != ViaKeyword || d.Slug != "billing" {
		t.Errorf("expected keyword fallback, got %+v", d)
	}
}

func TestRoute_IntentUnparseableFallsToKeywords(t *testing.T) {
	h := newHarness(t, true, nil)
	h.register(t, billingMeta())
	h.llm.reply = "I would send this to the billing node."

	d := h.router.Route(context.Background(), "billing payment", nil, Options{})
	if d.Via != ViaKeyword {
		t.Errorf("expected keyword fallback, got via %q", d.Via)
	}
}

func TestRoute_IntentUnknownSlugFallsToKeywords(t *testing.T) {
	h := newHarness(t, true, nil)
	h.register(t, billingMeta())
	h.llm.reply = "NODE: ghost\nREASON: sounds right"

	d := h.router.Route(context.Background(), "billing payment", nil, Options{})
	if d.Via != ViaKeyword || d.Slug != "billing" {
		t.Errorf("expected keyword fallback, got %+v", d)
	}
}

func TestRoute_IntentUnavailableNodeIsTerminalLocal(t *testing.T) {
	h := newHarness(t, true, nil)
	id := h.register(t, billingMeta())
	h.openBreaker(id)
	h.llm.reply = "NODE: billing\nREASON: handles invoices"

	d := h.router.Route(context.Background(), "billing payment", nil, Options{})
	if !d.IsLocal || d.Via != ViaIntent {
		t.Errorf("expected terminal local via intent, got %+v", d)
	}
}

func TestRoute_ByKeywords(t *testing.T) {
	h := newHarness(t, false, nil)
	h.register(t, billingMeta())
	h.register(t, model.Node{Name: "hr", Keywords: []string{"employee", "leave"}})

	d := h.router.Route(context.Background(), "find the invoice", nil, Options{})
	if d.Slug != "billing" || d.Via != ViaKeyword {
		t.Fatalf("got %+v", d)
	}
	if !strings.Contains(d.Reason, "15") {
		t.Errorf("reason should carry the score: %q", d.Reason)
	}
}

func TestRoute_KeywordBelowThresholdStaysLocal(t *testing.T) {
	h := newHarness(t, false, nil)
	h.register(t, billingMeta())

	d := h.router.Route(context.Background(), "what is the weather", nil, Options{})
	if !d.IsLocal || d.Via != ViaKeyword {
		t.Errorf("got %+v", d)
	}
}

func TestRoute_KeywordThresholdFromConfig(t *testing.T) {
	h := newHarness(t, false, func(c *config.RuntimeConfig) {
		c.MinKeywordScore = 20
	})
	h.register(t, billingMeta())

	// A single collection hit scores 15, now under the raised bar.
	d := h.router.Route(context.Background(), "find the invoice", nil, Options{})
	if !d.IsLocal {
		t.Errorf("expected local under raised threshold, got %q", d.Slug)
	}
}

func TestRoute_NoNodes(t *testing.T) {
	h := newHarness(t, false, nil)
	d := h.router.Route(context.Background(), "anything at all", nil, Options{})
	if !d.IsLocal {
		t.Errorf("got %+v", d)
	}
}

func TestExplainRouting(t *testing.T) {
	h := newHarness(t, false, nil)
	h.register(t, billingMeta())
	hrID := h.register(t, model.Node{Name: "hr", Keywords: []string{"employee"}})
	h.openBreaker(hrID)

	ex := h.router.ExplainRouting(context.Background(), "unpaid invoice", nil)
	if ex.Decision.Slug != "billing" {
		t.Errorf("decision: %+v", ex.Decision)
	}
	if len(ex.Scores) != 2 {
		t.Fatalf("scores: got %d rows", len(ex.Scores))
	}
	if ex.Scores[0].Slug != "billing" || ex.Scores[0].Score != weightCollection {
		t.Errorf("top score row: %+v", ex.Scores[0])
	}
	for _, s := range ex.Scores {
		if s.Slug == "hr" && s.Available {
			t.Errorf("breaker-open node reported available")
		}
		if s.Slug == "billing" && !s.Available {
			t.Errorf("healthy node reported unavailable")
		}
	}
}

func TestParseIntent(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		slug   string
		reason string
		ok     bool
	}{
		{"two lines", "NODE: billing\nREASON: owns invoices", "billing", "owns invoices", true},
		{"node only", "NODE: hr", "hr", "", true},
		{"whitespace", "  NODE:   billing  \n  REASON:  r  ", "billing", "r", true},
		{"first node wins", "NODE: a\nNODE: b", "a", "", true},
		{"missing node", "REASON: because", "", "", false},
		{"prose", "send it to billing", "", "", false},
		{"empty", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slug, reason, ok := parseIntent(tt.in)
			if slug != tt.slug || reason != tt.reason || ok != tt.ok {
				t.Errorf("parseIntent(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.in, slug, reason, ok, tt.slug, tt.reason, tt.ok)
			}
		})
	}
}
