package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/llm"
	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/registry"
)

const (
	defaultDigestTTL = time.Hour
	digestLLMTimeout = 10 * time.Second

	// Digest lines feed an LLM prompt, so long capability lists are
	// clipped rather than rendered in full.
	maxDigestItems = 8

	localDigestKey = "local"
)

// DigestConfig wires the digest compiler to its collaborators. LLM may be
// nil, in which case the ai mode silently degrades to template output.
type DigestConfig struct {
	RuntimeConfig *atomic.Pointer[config.RuntimeConfig]
	Registry      *registry.Registry
	Catalog       *Catalog
	LLM           llm.Client
}

// DigestService compiles per-node routing lines for the router prompt.
// Lines are cached per node and dropped whenever that node's advertised
// metadata changes; the next read recompiles, so ai mode pays for an LLM
// call only when a digest is actually consumed again.
type DigestService struct {
	runtimeConfig *atomic.Pointer[config.RuntimeConfig]
	reg           *registry.Registry
	catalog       *Catalog
	llm           llm.Client

	cache otter.CacheWithVariableTTL[string, string]
}

// NewDigestService creates a digest compiler.
func NewDigestService(cfg DigestConfig) *DigestService {
	cache, err := otter.MustBuilder[string, string](4096).
		Cost(func(_ string, line string) uint32 { return uint32(1 + len(line)) }).
		WithVariableTTL().
		Build()
	if err != nil {
		panic("discovery: failed to create digest cache: " + err.Error())
	}
	return &DigestService{
		runtimeConfig: cfg.RuntimeConfig,
		reg:           cfg.Registry,
		catalog:       cfg.Catalog,
		llm:           cfg.LLM,
		cache:         cache,
	}
}

func (s *DigestService) cfg() *config.RuntimeConfig {
	if s.runtimeConfig == nil {
		return nil
	}
	return s.runtimeConfig.Load()
}

func (s *DigestService) mode() string {
	if cfg := s.cfg(); cfg != nil && cfg.DigestMode != "" {
		return cfg.DigestMode
	}
	return config.DigestModeTemplate
}

func (s *DigestService) cacheTTL() time.Duration {
	if cfg := s.cfg(); cfg != nil && cfg.DigestCacheTTL > 0 {
		return time.Duration(cfg.DigestCacheTTL)
	}
	return defaultDigestTTL
}

func (s *DigestService) routingModel() string {
	if cfg := s.cfg(); cfg != nil {
		return cfg.RoutingModel
	}
	return ""
}

// NodeDigest returns the routing line for one node, compiling and caching
// it on miss.
func (s *DigestService) NodeDigest(ctx context.Context, rec model.Node) string {
	key := rec.ID
	if key == "" {
		key = rec.Slug
	}
	if line, ok := s.cache.Get(key); ok {
		return line
	}
	line := s.compile(ctx, rec)
	s.cache.Set(key, line, s.cacheTTL())
	return line
}

// LocalDigest returns the routing line for the local node, rendered from
// the catalog.
func (s *DigestService) LocalDigest(ctx context.Context) string {
	if line, ok := s.cache.Get(localDigestKey); ok {
		return line
	}
	meta := model.NodeMetadata{}
	name := "local"
	if s.catalog != nil {
		meta = s.catalog.LocalMetadata()
		if s.catalog.Name() != "" {
			name = s.catalog.Name()
		}
	}
	rec := model.Node{
		Slug:         "local",
		Name:         name,
		Description:  meta.Description,
		Capabilities: meta.Capabilities,
		Domains:      meta.Domains,
		DataTypes:    meta.DataTypes,
		Keywords:     meta.Keywords,
		Collections:  meta.Collections,
	}
	line := s.compile(ctx, rec)
	s.cache.Set(localDigestKey, line, s.cacheTTL())
	return line
}

// FullDigest concatenates the routing lines of every active peer plus the
// local node, one per line.
func (s *DigestService) FullDigest(ctx context.Context) string {
	var lines []string
	if s.reg != nil {
		for _, e := range s.reg.ActiveNodes() {
			lines = append(lines, s.NodeDigest(ctx, e.Record()))
		}
	}
	lines = append(lines, s.LocalDigest(ctx))
	return strings.Join(lines, "\n")
}

// Invalidate drops the cached digest for one node. The registry calls
// this from its metadata-sync hook.
func (s *DigestService) Invalidate(nodeID string) {
	if nodeID == "" {
		return
	}
	s.cache.Delete(nodeID)
}

// InvalidateAll drops every cached digest, including the local one.
func (s *DigestService) InvalidateAll() {
	s.cache.Clear()
}

func (s *DigestService) compile(ctx context.Context, rec model.Node) string {
	line := templateDigest(rec)
	if s.mode() != config.DigestModeAI || s.llm == nil {
		return line
	}
	refined, err := s.aiDigest(ctx, rec)
	if err != nil {
		log.Printf("[discovery] ai digest for %s failed, using template: %v", rec.Slug, err)
		return line
	}
	return refined
}

// templateDigest renders the deterministic digest form:
//
//	- Invoicing (billing-node): manages invoices. Can: search invoices. Domains: finance.
func templateDigest(rec model.Node) string {
	var b strings.Builder
	b.WriteString("- ")
	name := rec.Name
	if name == "" {
		name = rec.Slug
	}
	b.WriteString(name)
	if rec.Slug != "" && rec.Slug != name {
		b.WriteString(" (")
		b.WriteString(rec.Slug)
		b.WriteString(")")
	}
	desc := strings.TrimSpace(rec.Description)
	if desc == "" {
		desc = describeCollections(rec.Collections)
	}
	if desc != "" {
		b.WriteString(": ")
		b.WriteString(strings.TrimSuffix(desc, "."))
		b.WriteString(".")
	}
	if caps := clip(rec.Capabilities, maxDigestItems); len(caps) > 0 {
		b.WriteString(" Can: ")
		b.WriteString(strings.Join(caps, ", "))
		b.WriteString(".")
	}
	if doms := clip(rec.Domains, maxDigestItems); len(doms) > 0 {
		b.WriteString(" Domains: ")
		b.WriteString(strings.Join(doms, ", "))
		b.WriteString(".")
	}
	return b.String()
}

func describeCollections(refs []model.CollectionRef) string {
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		switch {
		case ref.DisplayName != "":
			names = append(names, ref.DisplayName)
		case ref.Name != "":
			names = append(names, ref.Basename())
		}
	}
	names = clip(names, maxDigestItems)
	if len(names) == 0 {
		return ""
	}
	return "owns " + strings.Join(names, ", ")
}

func clip(items []string, max int) []string {
	out := make([]string, 0, min(len(items), max))
	for _, v := range items {
		if v == "" {
			continue
		}
		out = append(out, v)
		if len(out) == max {
			break
		}
	}
	return out
}

type digestFacts struct {
	Name         string   `json:"name"`
	Slug         string   `json:"slug"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Domains      []string `json:"domains,omitempty"`
	DataTypes    []string `json:"dataTypes,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	Collections  []string `json:"collections,omitempty"`
}

func (s *DigestService) aiDigest(ctx context.Context, rec model.Node) (string, error) {
	facts := digestFacts{
		Name:         rec.Name,
		Slug:         rec.Slug,
		Description:  rec.Description,
		Capabilities: clip(rec.Capabilities, maxDigestItems),
		Domains:      clip(rec.Domains, maxDigestItems),
		DataTypes:    clip(rec.DataTypes, maxDigestItems),
		Keywords:     clip(rec.Keywords, maxDigestItems),
	}
	for _, ref := range clipRefs(rec.Collections, maxDigestItems) {
		facts.Collections = append(facts.Collections, ref.Basename())
	}
	payload, err := json.Marshal(facts)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, digestLLMTimeout)
	defer cancel()
	out, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Model:       s.routingModel(),
		System:      "You compress node metadata into one-line routing digests for a query router.",
		Prompt:      "Write exactly one line of the form \"- <name> (<slug>): <what it handles>. Can: <key capabilities>. Domains: <domains>.\" for this node:\n" + string(payload),
		MaxTokens:   120,
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return "", errors.New("empty digest from model")
	}
	if !strings.HasPrefix(line, "- ") {
		line = "- " + line
	}
	return line, nil
}

func clipRefs(refs []model.CollectionRef, max int) []model.CollectionRef {
	if len(refs) <= max {
		return refs
	}
	return refs[:max]
}
