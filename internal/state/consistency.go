package state

import (
	"database/sql"
	"fmt"
)

// RepairConsistency removes cache.db rows that no longer have a valid owner,
// cross-referencing state.db via ATTACH. Every DELETE runs inside one
// transaction so a crash cannot leave the repair half done.
//
// Cleanup order:
//  1. node_runtime: counters whose node_id is missing from state.nodes (the
//     node was unregistered while its counters sat dirty).
//  2. query_cache: rows already expired at nowNs.
//
// Search-log rows are history and survive node deletion.
func RepairConsistency(stateDBPath string, cacheDB *sql.DB, nowNs int64) error {
	// Cross-database DELETEs need state.db visible from the cache connection.
	attachSQL := fmt.Sprintf("ATTACH DATABASE %q AS state_db", stateDBPath)
	if _, err := cacheDB.Exec(attachSQL); err != nil {
		return fmt.Errorf("attach state.db: %w", err)
	}
	defer cacheDB.Exec("DETACH DATABASE state_db")

	tx, err := cacheDB.Begin()
	if err != nil {
		return fmt.Errorf("begin repair transaction: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		name string
		stmt string
		args []any
	}{
		{
			name: "orphaned node_runtime",
			stmt: `DELETE FROM node_runtime
			 WHERE node_id NOT IN (SELECT id FROM state_db.nodes)`,
		},
		{
			name: "expired query_cache",
			stmt: `DELETE FROM query_cache WHERE expires_at_ns <= ?`,
			args: []any{nowNs},
		},
	}

	for _, s := range steps {
		if _, err := tx.Exec(s.stmt, s.args...); err != nil {
			return fmt.Errorf("repair %s: %w", s.name, err)
		}
	}

	return tx.Commit()
}
