// Package model holds the plain data types every layer shares: persisted
// node records, the metadata nodes advertise, and search result shapes.
package model

import "strings"

// NodeType distinguishes the routing master from responding children.
type NodeType string

const (
	NodeTypeMaster NodeType = "master"
	NodeTypeChild  NodeType = "child"
)

// NodeStatus is the operational state of a node record.
type NodeStatus string

const (
	NodeStatusActive   NodeStatus = "active"
	NodeStatusInactive NodeStatus = "inactive"
	NodeStatusError    NodeStatus = "error"
)

// Node is the persistent record of a peer in the fleet.
// Runtime counters (connections, ping failures, response time) live on
// node.Entry; this struct holds what survives a restart.
type Node struct {
	ID      string   `json:"id"`
	Slug    string   `json:"slug"`
	Name    string   `json:"name"`
	Type    NodeType `json:"type"`
	Version string   `json:"version"`

	BaseURL               string `json:"base_url"`
	APIKey                string `json:"api_key"`
	RefreshTokenHash      string `json:"refresh_token_hash"`
	RefreshTokenExpiresAt int64  `json:"refresh_token_expires_at_ns"`

	Capabilities         []string        `json:"capabilities"`
	Collections          []CollectionRef `json:"collections"`
	Domains              []string        `json:"domains"`
	DataTypes            []string        `json:"data_types"`
	Keywords             []string        `json:"keywords"`
	Workflows            []string        `json:"workflows"`
	AutonomousCollectors []string        `json:"autonomous_collectors"`
	Description          string          `json:"description"`

	Status NodeStatus `json:"status"`
	Weight int        `json:"weight"`

	CreatedAtNs int64 `json:"created_at_ns"`
	UpdatedAtNs int64 `json:"updated_at_ns"`
}

// HasCapability reports whether the node advertises the given capability.
func (n *Node) HasCapability(cap string) bool {
	for _, c := range n.Capabilities {
		if strings.EqualFold(c, cap) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy: mutating the clone's slices leaves the
// original untouched.
func (n *Node) Clone() Node {
	out := *n
	out.Capabilities = append([]string(nil), n.Capabilities...)
	out.Collections = append([]CollectionRef(nil), n.Collections...)
	out.Domains = append([]string(nil), n.Domains...)
	out.DataTypes = append([]string(nil), n.DataTypes...)
	out.Keywords = append([]string(nil), n.Keywords...)
	out.Workflows = append([]string(nil), n.Workflows...)
	out.AutonomousCollectors = append([]string(nil), n.AutonomousCollectors...)
	return out
}

// CollectionRef describes one searchable collection a node owns.
// Name may be a bare name ("Invoice") or a namespaced class path
// ("App\\Models\\Invoice"); Basename resolves the last segment.
type CollectionRef struct {
	Name        string `json:"name"`
	Table       string `json:"table,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
	Count       int64  `json:"count,omitempty"`
}

// Basename returns the final segment of a namespaced collection name.
func (c CollectionRef) Basename() string {
	return CollectionBasename(c.Name)
}

// CollectionBasename strips namespace qualifiers from a collection name,
// accepting both backslash (PHP-style class paths) and slash separators.
func CollectionBasename(name string) string {
	if i := strings.LastIndexAny(name, `\/`); i >= 0 {
		return name[i+1:]
	}
	return name
}

// NodeMetadata is the capability payload a node advertises on its health
// endpoint. The registry merges it into the Node record on every ping.
type NodeMetadata struct {
	Description          string          `json:"description,omitempty"`
	Capabilities         []string        `json:"capabilities,omitempty"`
	Domains              []string        `json:"domains,omitempty"`
	DataTypes            []string        `json:"dataTypes,omitempty"`
	Keywords             []string        `json:"keywords,omitempty"`
	Collections          []CollectionRef `json:"collections,omitempty"`
	Workflows            []string        `json:"workflows,omitempty"`
	AutonomousCollectors []string        `json:"autonomousCollectors,omitempty"`
}

// NodeRuntime holds the mutable runtime counters of a node, persisted to
// cache.db via the dirty-set flush worker.
type NodeRuntime struct {
	NodeID            string `json:"node_id"`
	ActiveConnections int64  `json:"active_connections"`
	SuccessCount      int64  `json:"success_count"`
	FailureCount      int64  `json:"failure_count"`
	PingFailures      int    `json:"ping_failures"`
	AvgResponseMs     int64  `json:"avg_response_ms"`
	LastPingAtNs      int64  `json:"last_ping_at_ns"`
}

// SearchResult is one ranked hit returned by a node.
type SearchResult struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Score          float64        `json:"score"`
	ModelClass     string         `json:"modelClass"`
	ModelType      string         `json:"modelType,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	SourceNode     string         `json:"sourceNode,omitempty"`
	SourceNodeName string         `json:"sourceNodeName,omitempty"`
}

// PeerSearchResponse is the body a node returns from its search endpoint.
type PeerSearchResponse struct {
	Results    []SearchResult `json:"results"`
	Count      int            `json:"count"`
	DurationMs int64          `json:"durationMs"`
}

// CollectionStats summarizes one collection in an aggregate response.
type CollectionStats struct {
	Count        int64  `json:"count"`
	IndexedCount int64  `json:"indexedCount"`
	DisplayName  string `json:"displayName"`
	Description  string `json:"description"`
}

// AggregateResponse is the body a node returns from its aggregate endpoint.
type AggregateResponse struct {
	AggregateData map[string]CollectionStats `json:"aggregateData"`
}

// QueryCacheEntry is one durable row of the federated query cache. The
// payload is the fully merged response body; NodeIDs tags the entry for
// per-node invalidation.
type QueryCacheEntry struct {
	Fingerprint string   `json:"fingerprint"`
	Query       string   `json:"query"`
	NodeIDs     []string `json:"node_ids"`
	Payload     []byte   `json:"payload"`
	ResultCount int      `json:"result_count"`
	DurationMs  int64    `json:"duration_ms"`
	HitCount    int64    `json:"hit_count"`
	CreatedAtNs int64    `json:"created_at_ns"`
	ExpiresAtNs int64    `json:"expires_at_ns"`
}

// SearchLogRecord is one row of the durable federated-search log.
type SearchLogRecord struct {
	ID            string `json:"id"`
	TsNs          int64  `json:"ts_ns"`
	Query         string `json:"query"`
	Fingerprint   string `json:"fingerprint"`
	NodeCount     int    `json:"node_count"`
	ResultCount   int    `json:"result_count"`
	DurationMs    int64  `json:"duration_ms"`
	CacheHit      bool   `json:"cache_hit"`
	Partial       bool   `json:"partial"`
	Fallback      bool   `json:"fallback"`
	MergeStrategy string `json:"merge_strategy"`
}
