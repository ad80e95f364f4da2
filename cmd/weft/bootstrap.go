package main

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/discovery"
	"github.com/weftworks/weft/internal/metrics"
	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/registry"
	"github.com/weftworks/weft/internal/state"
)

// loadRuntimeConfig returns the persisted runtime config, or defaults
// when none has been saved yet. A corrupt row falls back to defaults so
// the node still boots; the next config patch overwrites it.
func loadRuntimeConfig(engine *state.StateEngine) *config.RuntimeConfig {
	cfg, version, err := engine.GetSystemConfig()
	if err != nil {
		log.Printf("Runtime config load failed, using defaults: %v", err)
		return config.NewDefaultRuntimeConfig()
	}
	if cfg == nil {
		return config.NewDefaultRuntimeConfig()
	}
	log.Printf("Runtime config restored (version %d)", version)
	return cfg
}

func runtimeConfigSnapshot(p *atomic.Pointer[config.RuntimeConfig]) *config.RuntimeConfig {
	if cfg := p.Load(); cfg != nil {
		return cfg
	}
	return config.NewDefaultRuntimeConfig()
}

func loadFleet(envCfg *config.EnvConfig) (*registry.FleetFile, error) {
	if envCfg.FleetFile == "" {
		return nil, nil
	}
	fleet, err := registry.LoadFleetFile(envCfg.FleetFile)
	if err != nil {
		return nil, err
	}
	log.Printf("Fleet file loaded: %s (%d seeded nodes)", envCfg.FleetFile, len(fleet.Nodes))
	return fleet, nil
}

// bootstrapNodes restores persisted node records and their runtime
// counters into the registry. Runtime rows without a record are skipped;
// consistency repair already removed true orphans at open.
func bootstrapNodes(engine *state.StateEngine, reg *registry.Registry) (int, error) {
	records, err := engine.ListNodes()
	if err != nil {
		return 0, fmt.Errorf("load nodes: %w", err)
	}
	runtimes, err := engine.LoadAllNodeRuntime()
	if err != nil {
		return 0, fmt.Errorf("load node runtime: %w", err)
	}
	byNode := make(map[string]model.NodeRuntime, len(runtimes))
	for _, rt := range runtimes {
		byNode[rt.NodeID] = rt
	}
	for _, rec := range records {
		var rt *model.NodeRuntime
		if r, ok := byNode[rec.ID]; ok {
			rt = &r
		}
		reg.LoadFromBootstrap(rec, rt)
	}
	return len(records), nil
}

// buildCatalog assembles the local node's advertised surface. Env vars
// give the baseline identity; the fleet file's local section overrides
// it and contributes the collection definitions.
func buildCatalog(envCfg *config.EnvConfig, runtimeCfg *atomic.Pointer[config.RuntimeConfig], fleet *registry.FleetFile) *discovery.Catalog {
	cfg := discovery.CatalogConfig{
		RuntimeConfig: runtimeCfg,
		Name:          envCfg.NodeName,
		Description:   envCfg.Description,
		Capabilities:  envCfg.Capabilities,
	}

	var seeded []registry.CollectionSeed
	if fleet != nil {
		local := fleet.Local
		if local.Name != "" {
			cfg.Name = local.Name
		}
		if local.Description != "" {
			cfg.Description = local.Description
		}
		if len(local.Capabilities) > 0 {
			cfg.Capabilities = local.Capabilities
		}
		cfg.Domains = local.Domains
		cfg.DataTypes = local.DataTypes
		cfg.Keywords = local.Keywords
		cfg.Workflows = local.Workflows
		seeded = local.Collections
	}

	catalog := discovery.NewCatalog(cfg)
	for _, c := range seeded {
		catalog.RegisterCollection(discovery.CollectionDef{
			Name:        c.Name,
			Table:       c.Table,
			DisplayName: c.DisplayName,
			Description: c.Description,
		})
	}
	return catalog
}

// localNodeRecord is the identity the node signs into its own outbound
// fabric tokens. The ID is informational; peers verify signature and
// expiry, not registry membership.
func localNodeRecord(envCfg *config.EnvConfig) model.Node {
	slug := envCfg.NodeSlug
	if slug == "" {
		slug = registry.Slugify(envCfg.NodeName)
	}
	return model.Node{
		ID:           slug,
		Slug:         slug,
		Name:         envCfg.NodeName,
		Type:         model.NodeType(envCfg.NodeType),
		Capabilities: envCfg.Capabilities,
	}
}

// metricsSource adapts the registry to the metrics manager: one sample
// per node with the cumulative counters from its runtime snapshot.
func metricsSource(reg *registry.Registry) func() []metrics.Sample {
	return func() []metrics.Sample {
		entries := reg.List()
		samples := make([]metrics.Sample, 0, len(entries))
		for _, e := range entries {
			rt := e.RuntimeSnapshot()
			samples = append(samples, metrics.Sample{
				NodeID:            e.ID(),
				Slug:              e.Slug(),
				Successes:         rt.SuccessCount,
				Failures:          rt.FailureCount,
				AvgResponseMs:     float64(rt.AvgResponseMs),
				ActiveConnections: rt.ActiveConnections,
			})
		}
		return samples
	}
}

func nodeRuntimeReader(reg *registry.Registry) func(nodeID string) *model.NodeRuntime {
	return func(nodeID string) *model.NodeRuntime {
		e, ok := reg.Get(nodeID)
		if !ok {
			return nil
		}
		rt := e.RuntimeSnapshot()
		return &rt
	}
}

func warnWeakSecrets(envCfg *config.EnvConfig) {
	if envCfg.AdminToken == "" {
		log.Println("WARNING: WEFT_ADMIN_TOKEN is empty; the admin API accepts any bearer token")
	} else if config.IsWeakSecret(envCfg.AdminToken) {
		log.Println("WARNING: WEFT_ADMIN_TOKEN is weak; prefer a long random value")
	}
	if envCfg.JWTSecret == "" {
		log.Println("WARNING: WEFT_JWT_SECRET is empty; fabric endpoints accept unauthenticated peers")
	} else if config.IsWeakSecret(envCfg.JWTSecret) {
		log.Println("WARNING: WEFT_JWT_SECRET is weak; fabric tokens are only as strong as the secret")
	}
}
