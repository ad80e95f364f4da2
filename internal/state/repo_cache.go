package state

import (
	"database/sql"
	"fmt"

	"github.com/weftworks/weft/internal/model"
)

// CacheRepo wraps cache.db and provides batch read/write for weak-persist data
// plus the durable query-cache and search-log tables.
type CacheRepo struct {
	db *sql.DB
}

// newCacheRepo wraps an open cache.db handle.
func newCacheRepo(db *sql.DB) *CacheRepo {
	return &CacheRepo{db: db}
}

// --- node_runtime ---

// BulkUpsertNodeRuntime batch-inserts or updates node runtime counters.
func (r *CacheRepo) BulkUpsertNodeRuntime(rows []model.NodeRuntime) error {
	return bulkExecRows(
		r,
		upsertNodeRuntimeSQL,
		rows,
		func(stmt *sql.Stmt, n model.NodeRuntime) error {
			_, err := stmt.Exec(
				n.NodeID,
				n.ActiveConnections,
				n.SuccessCount,
				n.FailureCount,
				n.PingFailures,
				n.AvgResponseMs,
				n.LastPingAtNs,
			)
			return err
		},
	)
}

// BulkDeleteNodeRuntime batch-deletes node runtime rows by node ID.
func (r *CacheRepo) BulkDeleteNodeRuntime(nodeIDs []string) error {
	return bulkExecRows(
		r,
		deleteNodeRuntimeSQL,
		nodeIDs,
		func(stmt *sql.Stmt, id string) error {
			_, err := stmt.Exec(id)
			return err
		},
	)
}

// LoadAllNodeRuntime reads all node runtime rows.
func (r *CacheRepo) LoadAllNodeRuntime() ([]model.NodeRuntime, error) {
	rows, err := r.db.Query(`
		SELECT node_id, active_connections, success_count, failure_count,
		       ping_failures, avg_response_ms, last_ping_at_ns
		FROM node_runtime`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.NodeRuntime
	for rows.Next() {
		var n model.NodeRuntime
		if err := rows.Scan(
			&n.NodeID,
			&n.ActiveConnections,
			&n.SuccessCount,
			&n.FailureCount,
			&n.PingFailures,
			&n.AvgResponseMs,
			&n.LastPingAtNs,
		); err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// --- query_cache ---

// UpsertQueryCacheEntry writes one durable query-cache row.
func (r *CacheRepo) UpsertQueryCacheEntry(e model.QueryCacheEntry) error {
	nodeIDs, err := encodeJSONColumn(e.NodeIDs)
	if err != nil {
		return fmt.Errorf("encode query cache node ids: %w", err)
	}
	_, err = r.db.Exec(`
		INSERT INTO query_cache (fingerprint, query, node_ids_json, payload,
		                         result_count, duration_ms, hit_count,
		                         created_at_ns, expires_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			query         = excluded.query,
			node_ids_json = excluded.node_ids_json,
			payload       = excluded.payload,
			result_count  = excluded.result_count,
			duration_ms   = excluded.duration_ms,
			hit_count     = excluded.hit_count,
			created_at_ns = excluded.created_at_ns,
			expires_at_ns = excluded.expires_at_ns
	`, e.Fingerprint, e.Query, nodeIDs, e.Payload,
		e.ResultCount, e.DurationMs, e.HitCount, e.CreatedAtNs, e.ExpiresAtNs)
	return err
}

// GetQueryCacheEntry loads one row by fingerprint. Expired rows are still
// returned; the caller checks ExpiresAtNs. Returns ErrNotFound when absent.
func (r *CacheRepo) GetQueryCacheEntry(fingerprint string) (model.QueryCacheEntry, error) {
	row := r.db.QueryRow(`
		SELECT fingerprint, query, node_ids_json, payload, result_count,
		       duration_ms, hit_count, created_at_ns, expires_at_ns
		FROM query_cache WHERE fingerprint = ?`, fingerprint)

	var e model.QueryCacheEntry
	var nodeIDs string
	err := row.Scan(&e.Fingerprint, &e.Query, &nodeIDs, &e.Payload,
		&e.ResultCount, &e.DurationMs, &e.HitCount, &e.CreatedAtNs, &e.ExpiresAtNs)
	if err == sql.ErrNoRows {
		return model.QueryCacheEntry{}, ErrNotFound
	}
	if err != nil {
		return model.QueryCacheEntry{}, err
	}
	if err := decodeJSONColumn(nodeIDs, &e.NodeIDs); err != nil {
		return model.QueryCacheEntry{}, fmt.Errorf("decode query cache node_ids_json: %w", err)
	}
	return e, nil
}

// BumpQueryCacheHit increments a row's hit counter. Best-effort: missing
// rows are a no-op.
func (r *CacheRepo) BumpQueryCacheHit(fingerprint string) error {
	_, err := r.db.Exec(
		"UPDATE query_cache SET hit_count = hit_count + 1 WHERE fingerprint = ?",
		fingerprint)
	return err
}

// DeleteQueryCacheEntry removes one row by fingerprint.
func (r *CacheRepo) DeleteQueryCacheEntry(fingerprint string) error {
	_, err := r.db.Exec("DELETE FROM query_cache WHERE fingerprint = ?", fingerprint)
	return err
}

// DeleteQueryCacheByNode removes every row whose node id set includes
// nodeID, returning the number of rows purged.
func (r *CacheRepo) DeleteQueryCacheByNode(nodeID string) (int64, error) {
	// node_ids_json holds a JSON array; match the quoted id substring.
	res, err := r.db.Exec(
		"DELETE FROM query_cache WHERE node_ids_json LIKE '%' || ? || '%'",
		`"`+nodeID+`"`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteQueryCacheExpired removes rows with expires_at_ns at or before now.
func (r *CacheRepo) DeleteQueryCacheExpired(nowNs int64) (int64, error) {
	res, err := r.db.Exec("DELETE FROM query_cache WHERE expires_at_ns <= ?", nowNs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteQueryCacheAll truncates the query cache.
func (r *CacheRepo) DeleteQueryCacheAll() (int64, error) {
	res, err := r.db.Exec("DELETE FROM query_cache")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountQueryCache returns the number of durable cache rows.
func (r *CacheRepo) CountQueryCache() (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM query_cache").Scan(&n)
	return n, err
}

// --- search_log ---

// InsertSearchLogBatch writes a batch of search log rows in one transaction.
func (r *CacheRepo) InsertSearchLogBatch(records []model.SearchLogRecord) error {
	return bulkExecRows(
		r,
		insertSearchLogSQL,
		records,
		func(stmt *sql.Stmt, rec model.SearchLogRecord) error {
			_, err := stmt.Exec(
				rec.ID,
				rec.TsNs,
				rec.Query,
				rec.Fingerprint,
				rec.NodeCount,
				rec.ResultCount,
				rec.DurationMs,
				boolToInt(rec.CacheHit),
				boolToInt(rec.Partial),
				boolToInt(rec.Fallback),
				rec.MergeStrategy,
			)
			return err
		},
	)
}

// SearchLogQuery filters and pages ListSearchLog.
type SearchLogQuery struct {
	// Query filters rows by substring match when non-empty.
	Query  string
	Limit  int
	Offset int
}

// ListSearchLog returns matching rows newest-first plus the total match count.
func (r *CacheRepo) ListSearchLog(q SearchLogQuery) ([]model.SearchLogRecord, int, error) {
	where := ""
	args := []any{}
	if q.Query != "" {
		where = " WHERE query LIKE '%' || ? || '%'"
		args = append(args, q.Query)
	}

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM search_log"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search_log: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, q.Offset)
	rows, err := r.db.Query(`
		SELECT id, ts_ns, query, fingerprint, node_count, result_count,
		       duration_ms, cache_hit, partial, fallback, merge_strategy
		FROM search_log`+where+`
		ORDER BY ts_ns DESC
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []model.SearchLogRecord
	for rows.Next() {
		var rec model.SearchLogRecord
		var cacheHit, partial, fallback int
		if err := rows.Scan(&rec.ID, &rec.TsNs, &rec.Query, &rec.Fingerprint,
			&rec.NodeCount, &rec.ResultCount, &rec.DurationMs,
			&cacheHit, &partial, &fallback, &rec.MergeStrategy); err != nil {
			return nil, 0, err
		}
		rec.CacheHit = cacheHit != 0
		rec.Partial = partial != 0
		rec.Fallback = fallback != 0
		result = append(result, rec)
	}
	return result, total, rows.Err()
}

// PruneSearchLog keeps the newest retainRows rows and deletes the rest,
// returning the number of rows removed.
func (r *CacheRepo) PruneSearchLog(retainRows int) (int64, error) {
	if retainRows <= 0 {
		return 0, nil
	}
	res, err := r.db.Exec(`
		DELETE FROM search_log WHERE id NOT IN (
			SELECT id FROM search_log ORDER BY ts_ns DESC LIMIT ?
		)`, retainRows)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- statement plumbing ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// bulkExecTx prepares query inside tx and runs it once per row index.
func bulkExecTx(tx *sql.Tx, query string, n int, execFn func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := execFn(stmt, i); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}

// bulkExec is bulkExecTx with its own transaction around it.
func (r *CacheRepo) bulkExec(query string, n int, execFn func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := bulkExecTx(tx, query, n, execFn); err != nil {
		return err
	}
	return tx.Commit()
}

func bulkExecRows[T any](
	r *CacheRepo,
	query string,
	rows []T,
	execFn func(stmt *sql.Stmt, row T) error,
) error {
	return r.bulkExec(query, len(rows), func(stmt *sql.Stmt, i int) error {
		return execFn(stmt, rows[i])
	})
}

// FlushOps carries everything one flush writes to cache.db.
type FlushOps struct {
	UpsertNodeRuntime []model.NodeRuntime
	DeleteNodeRuntime []string
}

// FlushTx applies ops inside one transaction so a crash never leaves a
// partial flush behind.
func (r *CacheRepo) FlushTx(ops FlushOps) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush transaction: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		name  string
		query string
		n     int
		exec  func(*sql.Stmt, int) error
	}{
		{"upsert_node_runtime", upsertNodeRuntimeSQL, len(ops.UpsertNodeRuntime), func(s *sql.Stmt, i int) error {
			n := ops.UpsertNodeRuntime[i]
			_, err := s.Exec(
				n.NodeID,
				n.ActiveConnections,
				n.SuccessCount,
				n.FailureCount,
				n.PingFailures,
				n.AvgResponseMs,
				n.LastPingAtNs,
			)
			return err
		}},
		{"delete_node_runtime", deleteNodeRuntimeSQL, len(ops.DeleteNodeRuntime), func(s *sql.Stmt, i int) error {
			_, err := s.Exec(ops.DeleteNodeRuntime[i])
			return err
		}},
	}

	for _, step := range steps {
		if err := bulkExecTx(tx, step.query, step.n, step.exec); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	return tx.Commit()
}

// SQL constants shared by FlushTx and the bulk methods.
const (
	upsertNodeRuntimeSQL = `INSERT INTO node_runtime (
			node_id, active_connections, success_count, failure_count,
			ping_failures, avg_response_ms, last_ping_at_ns
		)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET
			active_connections = excluded.active_connections,
			success_count      = excluded.success_count,
			failure_count      = excluded.failure_count,
			ping_failures      = excluded.ping_failures,
			avg_response_ms    = excluded.avg_response_ms,
			last_ping_at_ns    = excluded.last_ping_at_ns`

	deleteNodeRuntimeSQL = "DELETE FROM node_runtime WHERE node_id = ?"

	insertSearchLogSQL = `INSERT INTO search_log (
			id, ts_ns, query, fingerprint, node_count, result_count,
			duration_ms, cache_hit, partial, fallback, merge_strategy
		)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`
)
