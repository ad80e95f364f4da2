package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weftworks/weft/internal/model"
)

// FleetFile is the optional YAML seed loaded at startup: static peers to
// register if absent, plus the local node's own catalog definition.
type FleetFile struct {
	Local LocalSeed  `yaml:"local"`
	Nodes []NodeSeed `yaml:"nodes"`
}

// NodeSeed describes one static peer.
type NodeSeed struct {
	Name                 string           `yaml:"name"`
	Slug                 string           `yaml:"slug"`
	BaseURL              string           `yaml:"base_url"`
	APIKey               string           `yaml:"api_key"`
	Type                 string           `yaml:"type"`
	Weight               int              `yaml:"weight"`
	Description          string           `yaml:"description"`
	Capabilities         []string         `yaml:"capabilities"`
	Collections          []CollectionSeed `yaml:"collections"`
	Domains              []string         `yaml:"domains"`
	DataTypes            []string         `yaml:"data_types"`
	Keywords             []string         `yaml:"keywords"`
	Workflows            []string         `yaml:"workflows"`
	AutonomousCollectors []string         `yaml:"autonomous_collectors"`
}

// CollectionSeed describes one searchable collection in the seed file.
type CollectionSeed struct {
	Name        string `yaml:"name"`
	Table       string `yaml:"table"`
	DisplayName string `yaml:"display_name"`
	Description string `yaml:"description"`
}

// LocalSeed describes the local node's advertised surface. The discovery
// catalog is built from it at startup.
type LocalSeed struct {
	Name         string           `yaml:"name"`
	Description  string           `yaml:"description"`
	Capabilities []string         `yaml:"capabilities"`
	Domains      []string         `yaml:"domains"`
	DataTypes    []string         `yaml:"data_types"`
	Keywords     []string         `yaml:"keywords"`
	Workflows    []string         `yaml:"workflows"`
	Collections  []CollectionSeed `yaml:"collections"`
}

// LoadFleetFile reads and validates a fleet seed file.
func LoadFleetFile(path string) (*FleetFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}
	var ff FleetFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse fleet file %s: %w", path, err)
	}
	for i, ns := range ff.Nodes {
		if strings.TrimSpace(ns.Name) == "" {
			return nil, fmt.Errorf("fleet file %s: nodes[%d] missing name", path, i)
		}
		if strings.TrimSpace(ns.BaseURL) == "" {
			return nil, fmt.Errorf("fleet file %s: nodes[%d] (%s) missing base_url", path, i, ns.Name)
		}
	}
	return &ff, nil
}

// ToNode converts a seed into a registerable record.
func (ns NodeSeed) ToNode() model.Node {
	nodeType := model.NodeTypeChild
	if ns.Type != "" {
		nodeType = model.NodeType(ns.Type)
	}
	collections := make([]model.CollectionRef, 0, len(ns.Collections))
	for _, c := range ns.Collections {
		collections = append(collections, model.CollectionRef{
			Name:        c.Name,
			Table:       c.Table,
			DisplayName: c.DisplayName,
			Description: c.Description,
		})
	}
	return model.Node{
		Name:                 ns.Name,
		Slug:                 ns.Slug,
		Type:                 nodeType,
		BaseURL:              ns.BaseURL,
		APIKey:               ns.APIKey,
		Weight:               ns.Weight,
		Description:          ns.Description,
		Capabilities:         ns.Capabilities,
		Collections:          collections,
		Domains:              ns.Domains,
		DataTypes:            ns.DataTypes,
		Keywords:             ns.Keywords,
		Workflows:            ns.Workflows,
		AutonomousCollectors: ns.AutonomousCollectors,
	}
}

// ApplySeed registers every seeded peer that is not already present.
// Individual failures are logged and skipped so one bad peer does not
// block startup. Returns the number of nodes added.
func (r *Registry) ApplySeed(ctx context.Context, ff *FleetFile) int {
	if ff == nil {
		return 0
	}
	added := 0
	for _, ns := range ff.Nodes {
		slug := strings.TrimSpace(ns.Slug)
		if slug == "" {
			slug = Slugify(ns.Name)
		}
		if _, ok := r.GetBySlug(slug); ok {
			continue
		}
		if _, err := r.Register(ctx, ns.ToNode()); err != nil {
			if errors.Is(err, ErrDuplicateSlug) {
				continue
			}
			log.Printf("[registry] seed node %s skipped: %v", ns.Name, err)
			continue
		}
		added++
	}
	return added
}
