// Package state owns everything that touches SQLite: the repositories
// over state.db and cache.db, the StateEngine write path with its
// dirty-set flush worker, schema migrations, consistency repair, and
// process bootstrap.
package state

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// CreateStateDDL builds the state.db schema in one script. It must mirror
// the newest migration under migrations/state; tests use it via InitDB while
// production goes through MigrateStateDB.
const CreateStateDDL = `
CREATE TABLE IF NOT EXISTS system_config (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	config_json     TEXT    NOT NULL,
	version         INTEGER NOT NULL,
	updated_at_ns   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
	id                          TEXT PRIMARY KEY,
	slug                        TEXT NOT NULL UNIQUE,
	name                        TEXT NOT NULL,
	type                        TEXT NOT NULL DEFAULT 'child',
	version                     TEXT NOT NULL DEFAULT '',
	base_url                    TEXT NOT NULL,
	api_key                     TEXT NOT NULL DEFAULT '',
	refresh_token_hash          TEXT NOT NULL DEFAULT '',
	refresh_token_expires_at_ns INTEGER NOT NULL DEFAULT 0,
	capabilities_json           TEXT NOT NULL DEFAULT '[]',
	collections_json            TEXT NOT NULL DEFAULT '[]',
	domains_json                TEXT NOT NULL DEFAULT '[]',
	data_types_json             TEXT NOT NULL DEFAULT '[]',
	keywords_json               TEXT NOT NULL DEFAULT '[]',
	workflows_json              TEXT NOT NULL DEFAULT '[]',
	autonomous_collectors_json  TEXT NOT NULL DEFAULT '[]',
	description                 TEXT NOT NULL DEFAULT '',
	status                      TEXT NOT NULL DEFAULT 'active',
	weight                      INTEGER NOT NULL DEFAULT 1,
	created_at_ns               INTEGER NOT NULL,
	updated_at_ns               INTEGER NOT NULL
);
`

// CreateCacheDDL builds the cache.db schema in one script, mirroring the
// newest migration under migrations/cache.
const CreateCacheDDL = `
CREATE TABLE IF NOT EXISTS node_runtime (
	node_id            TEXT PRIMARY KEY,
	active_connections INTEGER NOT NULL DEFAULT 0,
	success_count      INTEGER NOT NULL DEFAULT 0,
	failure_count      INTEGER NOT NULL DEFAULT 0,
	ping_failures      INTEGER NOT NULL DEFAULT 0,
	avg_response_ms    INTEGER NOT NULL DEFAULT 0,
	last_ping_at_ns    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS query_cache (
	fingerprint    TEXT PRIMARY KEY,
	query          TEXT NOT NULL,
	node_ids_json  TEXT NOT NULL DEFAULT '[]',
	payload        BLOB NOT NULL,
	result_count   INTEGER NOT NULL DEFAULT 0,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	hit_count      INTEGER NOT NULL DEFAULT 0,
	created_at_ns  INTEGER NOT NULL,
	expires_at_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_query_cache_expires ON query_cache(expires_at_ns);

CREATE TABLE IF NOT EXISTS search_log (
	id             TEXT PRIMARY KEY,
	ts_ns          INTEGER NOT NULL,
	query          TEXT NOT NULL,
	fingerprint    TEXT NOT NULL DEFAULT '',
	node_count     INTEGER NOT NULL DEFAULT 0,
	result_count   INTEGER NOT NULL DEFAULT 0,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	cache_hit      INTEGER NOT NULL DEFAULT 0,
	partial        INTEGER NOT NULL DEFAULT 0,
	fallback       INTEGER NOT NULL DEFAULT 0,
	merge_strategy TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_search_log_ts ON search_log(ts_ns DESC);
`

// OpenDB opens or creates a SQLite database at path, with WAL journaling,
// synchronous=NORMAL, foreign keys, and a 5s busy timeout.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// One connection keeps SQLite's writer lock uncontended.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}

// InitDB runs a DDL script against db in a single Exec.
func InitDB(db *sql.DB, ddl string) error {
	_, err := db.Exec(ddl)
	return err
}
