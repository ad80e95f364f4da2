package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/weftworks/weft/internal/auth"
	"github.com/weftworks/weft/internal/breaker"
	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/node"
	"github.com/weftworks/weft/internal/registry"
)

// ------------------------------------------------------------------
// Nodes
// ------------------------------------------------------------------

// NodeFilters narrows ListNodes; nil fields match everything.
type NodeFilters struct {
	Status     *string
	Type       *string
	Collection *string
	Keyword    *string
}

// NodeSummary is the API response for a node. Credentials (API key,
// refresh-token hash) never leave the service layer.
type NodeSummary struct {
	ID          string           `json:"id"`
	Slug        string           `json:"slug"`
	Name        string           `json:"name"`
	Type        model.NodeType   `json:"type"`
	Version     string           `json:"version,omitempty"`
	BaseURL     string           `json:"base_url,omitempty"`
	Description string           `json:"description,omitempty"`
	Status      model.NodeStatus `json:"status"`
	Weight      int              `json:"weight"`

	Capabilities []string              `json:"capabilities"`
	Collections  []model.CollectionRef `json:"collections"`
	Domains      []string              `json:"domains"`
	DataTypes    []string              `json:"data_types"`
	Keywords     []string              `json:"keywords"`

	Healthy           bool                 `json:"healthy"`
	Circuit           breaker.CircuitState `json:"circuit"`
	AvgResponseMs     float64              `json:"avg_response_ms"`
	SuccessRate       float64              `json:"success_rate"`
	ActiveConnections int64                `json:"active_connections"`
	PingFailures      int                  `json:"ping_failures"`
	LastPingAt        string               `json:"last_ping_at,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func (s *ControlPlaneService) nodeEntryToSummary(entry *node.Entry) NodeSummary {
	rec := entry.Record()
	ns := NodeSummary{
		ID:          rec.ID,
		Slug:        rec.Slug,
		Name:        rec.Name,
		Type:        rec.Type,
		Version:     rec.Version,
		BaseURL:     rec.BaseURL,
		Description: rec.Description,
		Status:      rec.Status,
		Weight:      rec.Weight,

		Capabilities: rec.Capabilities,
		Collections:  rec.Collections,
		Domains:      rec.Domains,
		DataTypes:    rec.DataTypes,
		Keywords:     rec.Keywords,

		AvgResponseMs:     entry.AvgResponseMs(),
		SuccessRate:       entry.SuccessRate(),
		ActiveConnections: entry.ActiveConnections.Load(),
		PingFailures:      int(entry.PingFailures.Load()),

		CreatedAt: time.Unix(0, rec.CreatedAtNs).UTC().Format(time.RFC3339Nano),
		UpdatedAt: time.Unix(0, rec.UpdatedAtNs).UTC().Format(time.RFC3339Nano),
	}
	if ns.Capabilities == nil {
		ns.Capabilities = []string{}
	}
	if ns.Collections == nil {
		ns.Collections = []model.CollectionRef{}
	}
	if ns.Domains == nil {
		ns.Domains = []string{}
	}
	if ns.DataTypes == nil {
		ns.DataTypes = []string{}
	}
	if ns.Keywords == nil {
		ns.Keywords = []string{}
	}

	if s.Registry != nil {
		ns.Healthy = s.Registry.IsHealthy(entry)
	}
	ns.Circuit = breaker.StateClosed
	if s.Breaker != nil {
		ns.Circuit = s.Breaker.Stats(rec.ID).State
	}
	if lp := entry.LastPingAt(); !lp.IsZero() {
		ns.LastPingAt = lp.UTC().Format(time.RFC3339Nano)
	}
	return ns
}

// ListNodes returns nodes from the registry with optional filters, sorted
// by slug.
func (s *ControlPlaneService) ListNodes(filters NodeFilters) ([]NodeSummary, error) {
	var result []NodeSummary
	for _, entry := range s.Registry.List() {
		if !nodeEntryMatchesFilters(entry, filters) {
			continue
		}
		result = append(result, s.nodeEntryToSummary(entry))
	}
	if result == nil {
		result = []NodeSummary{}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Slug < result[j].Slug })
	return result, nil
}

func nodeEntryMatchesFilters(entry *node.Entry, filters NodeFilters) bool {
	rec := entry.Record()

	if filters.Status != nil && string(rec.Status) != *filters.Status {
		return false
	}
	if filters.Type != nil && string(rec.Type) != *filters.Type {
		return false
	}
	// Collection filter matches the bare basename, case-insensitively.
	if filters.Collection != nil {
		want := strings.ToLower(model.CollectionBasename(*filters.Collection))
		matched := false
		for _, ref := range rec.Collections {
			if strings.ToLower(ref.Basename()) == want {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	// Keyword fuzzy search across the descriptive fields.
	if filters.Keyword != nil {
		keyword := strings.ToLower(strings.TrimSpace(*filters.Keyword))
		if keyword != "" && !nodeMatchesKeyword(rec, keyword) {
			return false
		}
	}
	return true
}

func nodeMatchesKeyword(rec model.Node, keyword string) bool {
	haystacks := []string{rec.Slug, rec.Name, rec.Description}
	haystacks = append(haystacks, rec.Keywords...)
	haystacks = append(haystacks, rec.Domains...)
	for _, h := range haystacks {
		if strings.Contains(strings.ToLower(h), keyword) {
			return true
		}
	}
	for _, ref := range rec.Collections {
		if strings.Contains(strings.ToLower(ref.Name), keyword) ||
			strings.Contains(strings.ToLower(ref.DisplayName), keyword) {
			return true
		}
	}
	return false
}

// resolveEntry accepts either a node ID or a slug. IDs win on collision.
func (s *ControlPlaneService) resolveEntry(idOrSlug string) (*node.Entry, bool) {
	if entry, ok := s.Registry.Get(idOrSlug); ok {
		return entry, true
	}
	return s.Registry.GetBySlug(idOrSlug)
}

// GetNode returns a single node by ID or slug.
func (s *ControlPlaneService) GetNode(idOrSlug string) (*NodeSummary, error) {
	entry, ok := s.resolveEntry(idOrSlug)
	if !ok {
		return nil, notFound("node not found")
	}
	ns := s.nodeEntryToSummary(entry)
	return &ns, nil
}

// CreateNodeRequest holds create node parameters.
type CreateNodeRequest struct {
	Name        *string `json:"name"`
	Slug        *string `json:"slug"`
	BaseURL     *string `json:"base_url"`
	Type        *string `json:"type"`
	Description *string `json:"description"`
	Weight      *int    `json:"weight"`

	Capabilities []string `json:"capabilities"`
	Domains      []string `json:"domains"`
	DataTypes    []string `json:"data_types"`
	Keywords     []string `json:"keywords"`
	Workflows    []string `json:"workflows"`
}

// CreateNode registers a new node and persists it.
func (s *ControlPlaneService) CreateNode(ctx context.Context, req CreateNodeRequest) (*NodeSummary, error) {
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		return nil, invalidArg("name is required")
	}
	name := strings.TrimSpace(*req.Name)

	slug := ""
	if req.Slug != nil {
		slug = strings.TrimSpace(*req.Slug)
	}
	if slug == "" && registry.Slugify(name) == "" {
		return nil, invalidArg("name: does not yield a slug, provide one explicitly")
	}

	nodeType := model.NodeTypeChild
	if req.Type != nil && *req.Type != "" {
		switch model.NodeType(*req.Type) {
		case model.NodeTypeChild, model.NodeTypeMaster:
			nodeType = model.NodeType(*req.Type)
		default:
			return nil, invalidArg("type: must be \"child\" or \"master\"")
		}
	}

	baseURL := ""
	if req.BaseURL != nil {
		baseURL = strings.TrimSpace(*req.BaseURL)
	}
	if nodeType == model.NodeTypeChild {
		if baseURL == "" {
			return nil, invalidArg("base_url is required for child nodes")
		}
		if _, verr := parseHTTPAbsoluteURL("base_url", baseURL); verr != nil {
			return nil, verr
		}
	}

	weight := 0
	if req.Weight != nil {
		if *req.Weight < 1 {
			return nil, invalidArg("weight: must be >= 1")
		}
		weight = *req.Weight
	}

	rec := model.Node{
		Name:         name,
		Slug:         slug,
		BaseURL:      baseURL,
		Type:         nodeType,
		Weight:       weight,
		Capabilities: req.Capabilities,
		Domains:      req.Domains,
		DataTypes:    req.DataTypes,
		Keywords:     req.Keywords,
		Workflows:    req.Workflows,
	}
	if req.Description != nil {
		rec.Description = strings.TrimSpace(*req.Description)
	}

	entry, err := s.Registry.Register(ctx, rec)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateSlug) {
			return nil, conflict("a node with this slug already exists")
		}
		return nil, internal("register node", err)
	}

	ns := s.nodeEntryToSummary(entry)
	return &ns, nil
}

// UpdateNode applies a constrained partial patch to a node record.
// This is not RFC 7396 JSON Merge Patch: patch must be a non-empty object
// and null values are rejected. Slug and ID are immutable.
func (s *ControlPlaneService) UpdateNode(idOrSlug string, patchJSON []byte) (*NodeSummary, error) {
	patch, verr := parseMergePatch(patchJSON)
	if verr != nil {
		return nil, verr
	}
	if err := patch.validateFields(nodePatchAllowedFields, func(key string) string {
		return "field \"" + key + "\" is read-only or unknown"
	}); err != nil {
		return nil, err
	}

	entry, ok := s.resolveEntry(idOrSlug)
	if !ok {
		return nil, notFound("node not found")
	}
	id := entry.ID()
	current := entry.Record()

	// Extract and validate everything before mutating anything.
	name, nameSet, err := patch.optionalNonEmptyString("name")
	if err != nil {
		return nil, err
	}
	baseURL, baseURLSet, err := patch.optionalString("base_url")
	if err != nil {
		return nil, err
	}
	if baseURLSet {
		baseURL = strings.TrimSpace(baseURL)
		if baseURL == "" && current.Type == model.NodeTypeChild {
			return nil, invalidArg("base_url: required for child nodes")
		}
		if baseURL != "" {
			if _, verr := parseHTTPAbsoluteURL("base_url", baseURL); verr != nil {
				return nil, verr
			}
		}
	}
	description, descriptionSet, err := patch.optionalString("description")
	if err != nil {
		return nil, err
	}
	version, versionSet, err := patch.optionalString("version")
	if err != nil {
		return nil, err
	}
	weight, weightSet, err := patch.optionalInt("weight")
	if err != nil {
		return nil, err
	}
	if weightSet && weight < 1 {
		return nil, invalidArg("weight: must be >= 1")
	}
	statusStr, statusSet, err := patch.optionalNonEmptyString("status")
	if err != nil {
		return nil, err
	}
	status := model.NodeStatus(statusStr)
	if statusSet {
		switch status {
		case model.NodeStatusActive, model.NodeStatusInactive, model.NodeStatusError:
		default:
			return nil, invalidArg("status: must be \"active\", \"inactive\" or \"error\"")
		}
	}
	capabilities, capabilitiesSet, err := patch.optionalStringSlice("capabilities")
	if err != nil {
		return nil, err
	}
	domains, domainsSet, err := patch.optionalStringSlice("domains")
	if err != nil {
		return nil, err
	}
	dataTypes, dataTypesSet, err := patch.optionalStringSlice("data_types")
	if err != nil {
		return nil, err
	}
	keywords, keywordsSet, err := patch.optionalStringSlice("keywords")
	if err != nil {
		return nil, err
	}
	workflows, workflowsSet, err := patch.optionalStringSlice("workflows")
	if err != nil {
		return nil, err
	}

	if _, err := s.Registry.Apply(id, func(n *model.Node) {
		if nameSet {
			n.Name = name
		}
		if baseURLSet {
			n.BaseURL = baseURL
		}
		if descriptionSet {
			n.Description = strings.TrimSpace(description)
		}
		if versionSet {
			n.Version = version
		}
		if weightSet {
			n.Weight = weight
		}
		if capabilitiesSet {
			n.Capabilities = capabilities
		}
		if domainsSet {
			n.Domains = domains
		}
		if dataTypesSet {
			n.DataTypes = dataTypes
		}
		if keywordsSet {
			n.Keywords = keywords
		}
		if workflowsSet {
			n.Workflows = workflows
		}
	}); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, notFound("node not found")
		}
		return nil, internal("persist node", err)
	}

	// Status transitions go through the registry so fleet events fire.
	if statusSet {
		if err := s.Registry.UpdateStatus(id, status); err != nil {
			return nil, internal("update node status", err)
		}
	}

	return s.GetNode(id)
}

// DeleteNode unregisters a node, resets its circuit, and drops its cached
// query results.
func (s *ControlPlaneService) DeleteNode(idOrSlug string) error {
	entry, ok := s.resolveEntry(idOrSlug)
	if !ok {
		return notFound("node not found")
	}
	if err := s.Registry.Unregister(entry.ID()); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return notFound("node not found")
		}
		return internal("delete node", err)
	}
	return nil
}

// PingResult is the outcome of a synchronous health probe. A failed probe
// is still a successful API call; Error carries the probe failure.
type PingResult struct {
	Node    NodeSummary `json:"node"`
	Healthy bool        `json:"healthy"`
	Error   string      `json:"error,omitempty"`
}

// PingNode runs a blocking health probe and returns the refreshed node.
func (s *ControlPlaneService) PingNode(ctx context.Context, idOrSlug string) (*PingResult, error) {
	entry, ok := s.resolveEntry(idOrSlug)
	if !ok {
		return nil, notFound("node not found")
	}
	_, err := s.ProbeMgr.PingSync(ctx, entry.ID())
	if errors.Is(err, registry.ErrNotFound) {
		return nil, notFound("node not found")
	}

	result := PingResult{
		Node:    s.nodeEntryToSummary(entry),
		Healthy: s.Registry.IsHealthy(entry),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return &result, nil
}

// TokenGrant is a freshly issued credential pair for a node.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresAt    string `json:"expires_at"`
}

// IssueNodeToken mints an access/refresh token pair for a node. The
// refresh token plaintext is only returned here; the registry keeps its
// hash.
func (s *ControlPlaneService) IssueNodeToken(idOrSlug string) (*TokenGrant, error) {
	entry, ok := s.resolveEntry(idOrSlug)
	if !ok {
		return nil, notFound("node not found")
	}
	rec := entry.Record()

	access, err := s.Auth.GenerateToken(&rec, 0)
	if err != nil {
		if errors.Is(err, auth.ErrNoSigner) {
			return nil, conflict("token signing is not configured")
		}
		return nil, internal("issue access token", err)
	}
	refresh, err := s.Auth.GenerateRefreshToken(&rec, 0)
	if err != nil {
		return nil, internal("issue refresh token", err)
	}

	accessTTL := time.Hour
	if cfg := s.RuntimeCfg.Load(); cfg != nil {
		accessTTL = time.Duration(cfg.AccessTokenTTL)
	}
	return &TokenGrant{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(accessTTL).UTC().Format(time.RFC3339Nano),
	}, nil
}

// RevokeNodeToken invalidates a node's refresh token. Outstanding access
// tokens stay valid until they expire.
func (s *ControlPlaneService) RevokeNodeToken(idOrSlug string) error {
	entry, ok := s.resolveEntry(idOrSlug)
	if !ok {
		return notFound("node not found")
	}
	rec := entry.Record()
	if err := s.Auth.RevokeRefreshToken(&rec); err != nil {
		return internal("revoke refresh token", err)
	}
	return nil
}
