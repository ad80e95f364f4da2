package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/model"
)

// StateRepo wraps state.db and provides transactional CRUD for strong-persist
// data. A mutex serializes writers; SQLite gets one writer at a time anyway.
type StateRepo struct {
	db *sql.DB
	mu sync.Mutex
}

// newStateRepo wraps an open state.db handle.
func newStateRepo(db *sql.DB) *StateRepo {
	return &StateRepo{db: db}
}

// --- system_config ---

// GetSystemConfig loads the persisted runtime config and its version.
// A database that has never been patched yields (nil, 0, nil).
func (r *StateRepo) GetSystemConfig() (*config.RuntimeConfig, int, error) {
	row := r.db.QueryRow("SELECT config_json, version FROM system_config WHERE id = 1")
	var configJSON string
	var version int
	if err := row.Scan(&configJSON, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("scan system_config: %w", err)
	}
	cfg := &config.RuntimeConfig{}
	if err := json.Unmarshal([]byte(configJSON), cfg); err != nil {
		return nil, 0, fmt.Errorf("unmarshal system_config: %w", err)
	}
	return cfg, version, nil
}

// SaveSystemConfig writes the single runtime-config row at the given version.
func (r *StateRepo) SaveSystemConfig(cfg *config.RuntimeConfig, version int, updatedAtNs int64) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal system_config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO system_config (id, config_json, version, updated_at_ns)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config_json   = excluded.config_json,
			version       = excluded.version,
			updated_at_ns = excluded.updated_at_ns
	`, string(data), version, updatedAtNs)
	return err
}

// --- nodes ---

// UpsertNode inserts or updates a node by ID. On update, created_at_ns is
// preserved. A slug collision with a different node reports ErrConflict.
func (r *StateRepo) UpsertNode(n model.Node) error {
	caps, err := encodeJSONColumn(n.Capabilities)
	if err != nil {
		return fmt.Errorf("encode node capabilities: %w", err)
	}
	colls, err := encodeJSONColumn(n.Collections)
	if err != nil {
		return fmt.Errorf("encode node collections: %w", err)
	}
	domains, err := encodeJSONColumn(n.Domains)
	if err != nil {
		return fmt.Errorf("encode node domains: %w", err)
	}
	dataTypes, err := encodeJSONColumn(n.DataTypes)
	if err != nil {
		return fmt.Errorf("encode node data types: %w", err)
	}
	keywords, err := encodeJSONColumn(n.Keywords)
	if err != nil {
		return fmt.Errorf("encode node keywords: %w", err)
	}
	workflows, err := encodeJSONColumn(n.Workflows)
	if err != nil {
		return fmt.Errorf("encode node workflows: %w", err)
	}
	collectors, err := encodeJSONColumn(n.AutonomousCollectors)
	if err != nil {
		return fmt.Errorf("encode node autonomous collectors: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO nodes (id, slug, name, type, version, base_url, api_key,
		                   refresh_token_hash, refresh_token_expires_at_ns,
		                   capabilities_json, collections_json, domains_json,
		                   data_types_json, keywords_json, workflows_json,
		                   autonomous_collectors_json, description, status,
		                   weight, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			slug                        = excluded.slug,
			name                        = excluded.name,
			type                        = excluded.type,
			version                     = excluded.version,
			base_url                    = excluded.base_url,
			api_key                     = excluded.api_key,
			refresh_token_hash          = excluded.refresh_token_hash,
			refresh_token_expires_at_ns = excluded.refresh_token_expires_at_ns,
			capabilities_json           = excluded.capabilities_json,
			collections_json            = excluded.collections_json,
			domains_json                = excluded.domains_json,
			data_types_json             = excluded.data_types_json,
			keywords_json               = excluded.keywords_json,
			workflows_json              = excluded.workflows_json,
			autonomous_collectors_json  = excluded.autonomous_collectors_json,
			description                 = excluded.description,
			status                      = excluded.status,
			weight                      = excluded.weight,
			updated_at_ns               = excluded.updated_at_ns
	`, n.ID, n.Slug, n.Name, string(n.Type), n.Version, n.BaseURL, n.APIKey,
		n.RefreshTokenHash, n.RefreshTokenExpiresAt,
		caps, colls, domains, dataTypes, keywords, workflows,
		collectors, n.Description, string(n.Status),
		n.Weight, n.CreatedAtNs, n.UpdatedAtNs)
	if isConstraintViolation(err) {
		return fmt.Errorf("node slug %q already in use: %w", n.Slug, ErrConflict)
	}
	return err
}

// DeleteNode removes a node by ID.
func (r *StateRepo) DeleteNode(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec("DELETE FROM nodes WHERE id = ?", id)
	return err
}

const selectNodeColumns = `id, slug, name, type, version, base_url, api_key,
	refresh_token_hash, refresh_token_expires_at_ns,
	capabilities_json, collections_json, domains_json, data_types_json,
	keywords_json, workflows_json, autonomous_collectors_json,
	description, status, weight, created_at_ns, updated_at_ns`

// ListNodes returns all persisted nodes.
func (r *StateRepo) ListNodes() ([]model.Node, error) {
	rows, err := r.db.Query("SELECT " + selectNodeColumns + " FROM nodes")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// GetNode loads one node by ID. Returns ErrNotFound when absent.
func (r *StateRepo) GetNode(id string) (model.Node, error) {
	row := r.db.QueryRow("SELECT "+selectNodeColumns+" FROM nodes WHERE id = ?", id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return model.Node{}, ErrNotFound
	}
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (model.Node, error) {
	var n model.Node
	var nodeType, status string
	var caps, colls, domains, dataTypes, keywords, workflows, collectors string
	if err := row.Scan(&n.ID, &n.Slug, &n.Name, &nodeType, &n.Version, &n.BaseURL,
		&n.APIKey, &n.RefreshTokenHash, &n.RefreshTokenExpiresAt,
		&caps, &colls, &domains, &dataTypes, &keywords, &workflows, &collectors,
		&n.Description, &status, &n.Weight, &n.CreatedAtNs, &n.UpdatedAtNs); err != nil {
		return model.Node{}, err
	}
	n.Type = model.NodeType(nodeType)
	n.Status = model.NodeStatus(status)

	for _, col := range []struct {
		raw  string
		dest any
	}{
		{caps, &n.Capabilities},
		{colls, &n.Collections},
		{domains, &n.Domains},
		{dataTypes, &n.DataTypes},
		{keywords, &n.Keywords},
		{workflows, &n.Workflows},
		{collectors, &n.AutonomousCollectors},
	} {
		if err := decodeJSONColumn(col.raw, col.dest); err != nil {
			return model.Node{}, fmt.Errorf("decode node %s column: %w", n.ID, err)
		}
	}
	return n, nil
}

// --- JSON column helpers ---

func encodeJSONColumn(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	// Normalize nil slices so columns always hold a JSON array.
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

func decodeJSONColumn(raw string, dest any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dest)
}
