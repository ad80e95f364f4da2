// Package discovery compiles what the fabric knows about its nodes into
// routable metadata: the local catalog this process advertises on its
// health endpoint, and the per-node digest lines the router feeds to its
// language model.
package discovery

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/model"
)

const defaultLocalMetadataTTL = 30 * time.Minute

// CollectionDef describes one searchable collection the local node owns.
// Hosts register these explicitly at startup; nothing is discovered by
// reflection or schema scanning.
type CollectionDef struct {
	Name         string
	Table        string
	DisplayName  string
	Description  string
	Capabilities []string
}

// CatalogConfig carries the identity the local node advertises.
type CatalogConfig struct {
	RuntimeConfig *atomic.Pointer[config.RuntimeConfig]

	Name        string
	Description string

	Capabilities []string
	Domains      []string
	DataTypes    []string
	Keywords     []string
	Workflows    []string
}

// Catalog holds the local node's registered collections and identity and
// renders them as advertised metadata. The rendered form is cached because
// the health endpoint and the digest compiler read it on every request.
type Catalog struct {
	runtimeConfig *atomic.Pointer[config.RuntimeConfig]

	name        string
	description string

	mu           sync.RWMutex
	capabilities []string
	domains      []string
	dataTypes    []string
	keywords     []string
	workflows    []string
	defs         []CollectionDef

	view otter.CacheWithVariableTTL[string, model.NodeMetadata]
}

const localViewKey = "local"

// NewCatalog creates a catalog seeded with the configured identity.
// Collections are added afterwards via RegisterCollection.
func NewCatalog(cfg CatalogConfig) *Catalog {
	view, err := otter.MustBuilder[string, model.NodeMetadata](4).
		Cost(func(_ string, _ model.NodeMetadata) uint32 { return 1 }).
		WithVariableTTL().
		Build()
	if err != nil {
		panic("discovery: failed to create metadata cache: " + err.Error())
	}
	return &Catalog{
		runtimeConfig: cfg.RuntimeConfig,
		name:          cfg.Name,
		description:   cfg.Description,
		capabilities:  append([]string(nil), cfg.Capabilities...),
		domains:       append([]string(nil), cfg.Domains...),
		dataTypes:     append([]string(nil), cfg.DataTypes...),
		keywords:      append([]string(nil), cfg.Keywords...),
		workflows:     append([]string(nil), cfg.Workflows...),
		view:          view,
	}
}

func (c *Catalog) cfg() *config.RuntimeConfig {
	if c.runtimeConfig == nil {
		return nil
	}
	return c.runtimeConfig.Load()
}

func (c *Catalog) metadataTTL() time.Duration {
	if cfg := c.cfg(); cfg != nil && cfg.LocalMetadataCacheTTL > 0 {
		return time.Duration(cfg.LocalMetadataCacheTTL)
	}
	return defaultLocalMetadataTTL
}

// Name returns the advertised node name.
func (c *Catalog) Name() string { return c.name }

// RegisterCollection adds collection definitions to the catalog. A
// definition whose Name matches an existing one replaces it, so hosts can
// re-register with updated descriptions during reloads.
func (c *Catalog) RegisterCollection(defs ...CollectionDef) {
	if len(defs) == 0 {
		return
	}
	c.mu.Lock()
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		replaced := false
		for i := range c.defs {
			if c.defs[i].Name == def.Name {
				c.defs[i] = def
				replaced = true
				break
			}
		}
		if !replaced {
			c.defs = append(c.defs, def)
		}
	}
	c.mu.Unlock()
	c.Invalidate()
}

// Collections returns a copy of the registered collection definitions in
// registration order.
func (c *Catalog) Collections() []CollectionDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CollectionDef(nil), c.defs...)
}

// LocalMetadata renders the catalog as the metadata block advertised on
// the health endpoint. The result is cached until a collection is
// registered or the TTL lapses.
func (c *Catalog) LocalMetadata() model.NodeMetadata {
	if meta, ok := c.view.Get(localViewKey); ok {
		return meta
	}
	meta := c.render()
	c.view.Set(localViewKey, meta, c.metadataTTL())
	return meta
}

// Invalidate drops the cached metadata view.
func (c *Catalog) Invalidate() {
	c.view.Delete(localViewKey)
}

func (c *Catalog) render() model.NodeMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()

	caps := make([]string, 0, len(c.capabilities))
	seen := make(map[string]struct{}, len(c.capabilities))
	add := func(v string) {
		if v == "" {
			return
		}
		if _, dup := seen[v]; dup {
			return
		}
		seen[v] = struct{}{}
		caps = append(caps, v)
	}
	for _, v := range c.capabilities {
		add(v)
	}
	refs := make([]model.CollectionRef, 0, len(c.defs))
	for _, def := range c.defs {
		for _, v := range def.Capabilities {
			add(v)
		}
		refs = append(refs, model.CollectionRef{
			Name:        def.Name,
			Table:       def.Table,
			DisplayName: def.DisplayName,
			Description: def.Description,
		})
	}
	return model.NodeMetadata{
		Description:  c.description,
		Capabilities: caps,
		Domains:      append([]string(nil), c.domains...),
		DataTypes:    append([]string(nil), c.dataTypes...),
		Keywords:     append([]string(nil), c.keywords...),
		Workflows:    append([]string(nil), c.workflows...),
		Collections:  refs,
	}
}
