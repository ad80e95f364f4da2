package cache

import (
	"context"
	"errors"

	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/state"
)

// SQLiteBackend stores cache entries in the query_cache table of
// cache.db. All SQL lives in the state repo; this adapter only
// translates the repo's not-found convention.
type SQLiteBackend struct {
	repo *state.CacheRepo
}

// NewSQLiteBackend wraps a cache repo as a durable cache backend.
func NewSQLiteBackend(repo *state.CacheRepo) *SQLiteBackend {
	if repo == nil {
		panic("cache: NewSQLiteBackend requires non-nil repo")
	}
	return &SQLiteBackend{repo: repo}
}

func (b *SQLiteBackend) Put(_ context.Context, e model.QueryCacheEntry) error {
	return b.repo.UpsertQueryCacheEntry(e)
}

func (b *SQLiteBackend) Get(_ context.Context, fingerprint string) (model.QueryCacheEntry, bool, error) {
	e, err := b.repo.GetQueryCacheEntry(fingerprint)
	if errors.Is(err, state.ErrNotFound) {
		return model.QueryCacheEntry{}, false, nil
	}
	if err != nil {
		return model.QueryCacheEntry{}, false, err
	}
	return e, true, nil
}

func (b *SQLiteBackend) BumpHit(_ context.Context, fingerprint string) error {
	return b.repo.BumpQueryCacheHit(fingerprint)
}

func (b *SQLiteBackend) Forget(_ context.Context, fingerprint string) error {
	return b.repo.DeleteQueryCacheEntry(fingerprint)
}

func (b *SQLiteBackend) ForgetByNode(_ context.Context, nodeID string) (int64, error) {
	return b.repo.DeleteQueryCacheByNode(nodeID)
}

func (b *SQLiteBackend) FlushAll(_ context.Context) error {
	_, err := b.repo.DeleteQueryCacheAll()
	return err
}

func (b *SQLiteBackend) CleanExpired(_ context.Context, nowNs int64) (int64, error) {
	return b.repo.DeleteQueryCacheExpired(nowNs)
}

func (b *SQLiteBackend) Count(_ context.Context) (int64, error) {
	n, err := b.repo.CountQueryCache()
	return int64(n), err
}
