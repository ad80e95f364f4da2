package state

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// persistenceCloser owns both DB handles. Implements io.Closer.
type persistenceCloser struct {
	stateDB *sql.DB
	cacheDB *sql.DB
}

func (c *persistenceCloser) Close() error {
	return errors.Join(c.stateDB.Close(), c.cacheDB.Close())
}

// PersistenceBootstrap opens both databases, migrates them, repairs
// cross-database consistency, and returns a ready StateEngine plus an
// io.Closer for the handles.
//
// Steps:
//  1. Open or create state.db and cache.db with the standard pragmas.
//  2. Apply embedded migrations to both databases.
//  3. Repair consistency (orphaned runtime rows, expired cache entries).
//  4. Construct the StateEngine.
func PersistenceBootstrap(stateDir, cacheDir string) (engine *StateEngine, closer io.Closer, err error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create cache dir %s: %w", cacheDir, err)
	}

	stateDBPath := filepath.Join(stateDir, "state.db")
	cacheDBPath := filepath.Join(cacheDir, "cache.db")

	stateDB, err := OpenDB(stateDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open state.db: %w", err)
	}
	cacheDB, err := OpenDB(cacheDBPath)
	if err != nil {
		stateDB.Close()
		return nil, nil, fmt.Errorf("open cache.db: %w", err)
	}
	// Both handles are open from here; close them on any failure below.
	defer func() {
		if err != nil {
			stateDB.Close()
			cacheDB.Close()
		}
	}()

	if err = MigrateStateDB(stateDB); err != nil {
		return nil, nil, fmt.Errorf("migrate state.db: %w", err)
	}
	if err = MigrateCacheDB(cacheDB); err != nil {
		return nil, nil, fmt.Errorf("migrate cache.db: %w", err)
	}
	if err = RepairConsistency(stateDBPath, cacheDB, time.Now().UnixNano()); err != nil {
		return nil, nil, fmt.Errorf("repair consistency: %w", err)
	}

	engine = newStateEngine(newStateRepo(stateDB), newCacheRepo(cacheDB))
	return engine, &persistenceCloser{stateDB: stateDB, cacheDB: cacheDB}, nil
}
