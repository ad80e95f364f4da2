package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/llm"
	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/registry"
)

// fakeLLM records prompts and plays back a canned completion.
type fakeLLM struct {
	mu    sync.Mutex
	calls []llm.CompletionRequest
	reply string
	err   error
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func billingNode() model.Node {
	return model.Node{
		ID:           "node-1",
		Slug:         "billing-node",
		Name:         "Billing",
		Description:  "manages invoices and bills",
		Capabilities: []string{"create invoices", "search transactions"},
		Domains:      []string{"finance"},
		Collections: []model.CollectionRef{
			{Name: `App\Models\Invoice`, DisplayName: "Invoices"},
		},
	}
}

func TestTemplateDigest(t *testing.T) {
	tests := []struct {
		name string
		rec  model.Node
		want string
	}{
		{
			name: "full record",
			rec:  billingNode(),
			want: "- Billing (billing-node): manages invoices and bills. Can: create invoices, search transactions. Domains: finance.",
		},
		{
			name: "description falls back to collections",
			rec: model.Node{
				Slug: "hr-node",
				Name: "HR",
				Collections: []model.CollectionRef{
					{Name: `App\Models\Employee`},
					{Name: `App\Models\Leave`, DisplayName: "Leave Requests"},
				},
			},
			want: "- HR (hr-node): owns Employee, Leave Requests.",
		},
		{
			name: "name defaults to slug",
			rec:  model.Node{Slug: "bare-node"},
			want: "- bare-node",
		},
		{
			name: "trailing period not doubled",
			rec:  model.Node{Slug: "docs", Name: "Docs", Description: "stores manuals."},
			want: "- Docs (docs): stores manuals.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := templateDigest(tt.rec); got != tt.want {
				t.Errorf("templateDigest:\n got  %q\n want %q", got, tt.want)
			}
		})
	}
}

func digestRuntime(t *testing.T, mutate func(*config.RuntimeConfig)) *DigestService {
	t.Helper()
	return NewDigestService(DigestConfig{RuntimeConfig: testRuntime(t, mutate)})
}

func TestNodeDigest_TemplateModeSkipsLLM(t *testing.T) {
	fake := &fakeLLM{reply: "- should not appear"}
	svc := NewDigestService(DigestConfig{
		RuntimeConfig: testRuntime(t, nil),
		LLM:           fake,
	})
	line := svc.NodeDigest(context.Background(), billingNode())
	if !strings.HasPrefix(line, "- Billing (billing-node)") {
		t.Errorf("unexpected digest %q", line)
	}
	if fake.callCount() != 0 {
		t.Errorf("template mode invoked the LLM %d times", fake.callCount())
	}
}

func TestNodeDigest_CachedUntilInvalidated(t *testing.T) {
	fake := &fakeLLM{reply: "- Billing (billing-node): canned."}
	svc := NewDigestService(DigestConfig{
		RuntimeConfig: testRuntime(t, func(c *config.RuntimeConfig) {
			c.DigestMode = config.DigestModeAI
		}),
		LLM: fake,
	})
	ctx := context.Background()
	rec := billingNode()

	first := svc.NodeDigest(ctx, rec)
	second := svc.NodeDigest(ctx, rec)
	if first != second {
		t.Fatalf("digest changed between reads: %q vs %q", first, second)
	}
	if got := fake.callCount(); got != 1 {
		t.Errorf("LLM calls before invalidation: got %d, want 1", got)
	}

	svc.Invalidate(rec.ID)
	svc.NodeDigest(ctx, rec)
	if got := fake.callCount(); got != 2 {
		t.Errorf("LLM calls after invalidation: got %d, want 2", got)
	}
}

func TestNodeDigest_AIMode(t *testing.T) {
	fake := &fakeLLM{reply: "  - Billing (billing-node): invoices, fast.  \nignored second line"}
	svc := NewDigestService(DigestConfig{
		RuntimeConfig: testRuntime(t, func(c *config.RuntimeConfig) {
			c.DigestMode = config.DigestModeAI
			c.RoutingModel = "test-model"
		}),
		LLM: fake,
	})
	line := svc.NodeDigest(context.Background(), billingNode())
	if line != "- Billing (billing-node): invoices, fast." {
		t.Errorf("ai digest: got %q", line)
	}
	if fake.callCount() != 1 {
		t.Fatalf("LLM calls: got %d, want 1", fake.callCount())
	}
	req := fake.calls[0]
	if req.Model != "test-model" {
		t.Errorf("model: got %q", req.Model)
	}
	if !strings.Contains(req.Prompt, "billing-node") {
		t.Errorf("prompt missing node facts: %q", req.Prompt)
	}
}

func TestNodeDigest_AIFallsBackToTemplate(t *testing.T) {
	svc := NewDigestService(DigestConfig{
		RuntimeConfig: testRuntime(t, func(c *config.RuntimeConfig) {
			c.DigestMode = config.DigestModeAI
		}),
		LLM: &fakeLLM{err: errors.New("model unavailable")},
	})
	line := svc.NodeDigest(context.Background(), billingNode())
	if !strings.HasPrefix(line, "- Billing (billing-node): manages invoices") {
		t.Errorf("fallback digest: got %q", line)
	}
}

func TestNodeDigest_AIModeWithoutClientUsesTemplate(t *testing.T) {
	svc := digestRuntime(t, func(c *config.RuntimeConfig) {
		c.DigestMode = config.DigestModeAI
	})
	line := svc.NodeDigest(context.Background(), billingNode())
	if !strings.HasPrefix(line, "- Billing") {
		t.Errorf("digest: got %q", line)
	}
}

func TestNodeDigest_PrefixesBulletWhenMissing(t *testing.T) {
	svc := NewDigestService(DigestConfig{
		RuntimeConfig: testRuntime(t, func(c *config.RuntimeConfig) {
			c.DigestMode = config.DigestModeAI
		}),
		LLM: &fakeLLM{reply: "Billing (billing-node): invoices."},
	})
	line := svc.NodeDigest(context.Background(), billingNode())
	if line != "- Billing (billing-node): invoices." {
		t.Errorf("digest: got %q", line)
	}
}

func TestFullDigest_ActivePeersPlusLocal(t *testing.T) {
	reg := registry.New(registry.Config{
		RuntimeConfig: testRuntime(t, nil),
		FetchHealth: func(ctx context.Context, baseURL string) (*registry.HealthReport, time.Duration, error) {
			return &registry.HealthReport{Status: "healthy"}, time.Millisecond, nil
		},
	})
	ctx := context.Background()
	if _, err := reg.Register(ctx, model.Node{
		Name: "Billing", Type: model.NodeTypeChild,
		BaseURL: "http://billing.internal", Description: "manages invoices",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	inactive, err := reg.Register(ctx, model.Node{
		Name: "Archive", Type: model.NodeTypeChild,
		BaseURL: "http://archive.internal",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.UpdateStatus(inactive.ID(), model.NodeStatusInactive); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	cat := NewCatalog(CatalogConfig{Name: "Gateway", Description: "routes queries"})
	svc := NewDigestService(DigestConfig{
		RuntimeConfig: testRuntime(t, nil),
		Registry:      reg,
		Catalog:       cat,
	})

	full := svc.FullDigest(ctx)
	lines := strings.Split(full, "\n")
	if len(lines) != 2 {
		t.Fatalf("FullDigest lines: got %d (%q), want 2", len(lines), full)
	}
	if !strings.HasPrefix(lines[0], "- Billing (billing)") {
		t.Errorf("peer line: got %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "- Gateway (local)") {
		t.Errorf("local line: got %q", lines[1])
	}
	if strings.Contains(full, "Archive") {
		t.Errorf("inactive node leaked into digest: %q", full)
	}
}

func TestLocalDigest_WithoutCatalog(t *testing.T) {
	svc := digestRuntime(t, nil)
	if got := svc.LocalDigest(context.Background()); got != "- local" {
		t.Errorf("LocalDigest: got %q", got)
	}
}

func TestInvalidateAll(t *testing.T) {
	fake := &fakeLLM{reply: "- Billing (billing-node): canned."}
	svc := NewDigestService(DigestConfig{
		RuntimeConfig: testRuntime(t, func(c *config.RuntimeConfig) {
			c.DigestMode = config.DigestModeAI
		}),
		LLM: fake,
	})
	ctx := context.Background()
	svc.NodeDigest(ctx, billingNode())
	svc.InvalidateAll()
	svc.NodeDigest(ctx, billingNode())
	if fake.callCount() != 2 {
		t.Errorf("LLM calls: got %d, want 2", fake.callCount())
	}
}
