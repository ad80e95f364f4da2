// Package cache provides the two-tier query cache for federated search
// responses: an in-process TTL tier plus an optional durable backend.
package cache

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"
)

// Key is a 128-bit query fingerprint derived from canonical JSON of the
// query text, the sorted node ID set, and the canonicalized options map.
// Two requests that differ only in node ID order or option key order
// produce the same Key.
type Key [16]byte

// ZeroKey is the zero-value Key.
var ZeroKey Key

// Fingerprint computes the cache Key for a search request.
// Go's encoding/json sorts map keys at all nesting levels, so the output
// is deterministic without any manual option sorting. The node ID slice
// is sorted on a copy. If JSON encoding fails (non-encodable option
// values), it falls back to hashing the raw parts joined directly.
func Fingerprint(query string, nodeIDs []string, opts map[string]any) Key {
	ids := make([]string, len(nodeIDs))
	copy(ids, nodeIDs)
	sort.Strings(ids)

	if opts == nil {
		opts = map[string]any{}
	}

	canonical, err := json.Marshal(map[string]any{
		"query":   query,
		"nodes":   ids,
		"options": opts,
	})
	if err != nil {
		return hashBytes([]byte(query + "|" + strings.Join(ids, ",")))
	}
	return hashBytes(canonical)
}

// Hex returns the lowercase hex encoding of the key.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return k.Hex()
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k == ZeroKey
}

// ParseHex decodes a 32-character hex string into a Key.
func ParseHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroKey, fmt.Errorf("cache.ParseHex: %w", err)
	}
	if len(b) != 16 {
		return ZeroKey, fmt.Errorf("cache.ParseHex: expected 16 bytes, got %d", len(b))
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// hashBytes computes xxh3-128 of the given bytes and returns it as a Key.
func hashBytes(data []byte) Key {
	h128 := xxh3.Hash128(data)
	var k Key
	binary.LittleEndian.PutUint64(k[:8], h128.Lo)
	binary.LittleEndian.PutUint64(k[8:], h128.Hi)
	return k
}
