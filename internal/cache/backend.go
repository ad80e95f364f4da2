package cache

import (
	"context"

	"github.com/weftworks/weft/internal/model"
)

// Backend is a durable cache tier. Implementations store fully merged
// response payloads keyed by fingerprint and support per-node
// invalidation.
//
// Get returns (zero, false, nil) when the fingerprint is absent; expired
// entries may still be returned and are filtered by the caller.
type Backend interface {
	Put(ctx context.Context, e model.QueryCacheEntry) error
	Get(ctx context.Context, fingerprint string) (model.QueryCacheEntry, bool, error)
	// BumpHit increments the stored hit counter. Best-effort; a missing
	// entry is not an error.
	BumpHit(ctx context.Context, fingerprint string) error
	Forget(ctx context.Context, fingerprint string) error
	// ForgetByNode removes every entry whose node ID set includes nodeID
	// and returns the number removed.
	ForgetByNode(ctx context.Context, nodeID string) (int64, error)
	FlushAll(ctx context.Context) error
	// CleanExpired removes entries past their expiry. Backends with
	// native TTL may treat this as a no-op.
	CleanExpired(ctx context.Context, nowNs int64) (int64, error)
	Count(ctx context.Context) (int64, error)
}
