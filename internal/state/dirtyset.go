package state

import "sync"

// DirtyOp distinguishes pending write-backs from pending deletes.
type DirtyOp int

const (
	// OpUpsert queues a key for write-back. The row value is read from
	// memory when the flush runs, not when the key is marked.
	OpUpsert DirtyOp = iota
	// OpDelete queues a key for removal.
	OpDelete
)

// DirtySet accumulates keys whose cache.db rows are stale. Only keys are
// stored, so marking the same key many times between flushes costs one map
// entry and the flush writes the latest value once.
type DirtySet[K comparable] struct {
	mu sync.Mutex
	m  map[K]DirtyOp
}

// NewDirtySet returns an empty set ready for marking.
func NewDirtySet[K comparable]() *DirtySet[K] {
	return &DirtySet[K]{m: make(map[K]DirtyOp)}
}

// MarkUpsert queues key for write-back.
func (d *DirtySet[K]) MarkUpsert(key K) { d.mark(key, OpUpsert) }

// MarkDelete queues key for removal. A MarkDelete overrides an earlier
// MarkUpsert for the same key.
func (d *DirtySet[K]) MarkDelete(key K) { d.mark(key, OpDelete) }

func (d *DirtySet[K]) mark(key K, op DirtyOp) {
	d.mu.Lock()
	d.m[key] = op
	d.mu.Unlock()
}

// Drain swaps in a fresh map and returns the old one as a stable snapshot.
// Marks that arrive while the flush is running land in the new map.
func (d *DirtySet[K]) Drain() map[K]DirtyOp {
	d.mu.Lock()
	old := d.m
	d.m = make(map[K]DirtyOp, len(old)/2)
	d.mu.Unlock()
	return old
}

// Merge restores a drained snapshot after a failed flush. Keys re-marked
// since the drain keep their newer op.
func (d *DirtySet[K]) Merge(old map[K]DirtyOp) {
	d.mu.Lock()
	for k, v := range old {
		if _, exists := d.m[k]; !exists {
			d.m[k] = v
		}
	}
	d.mu.Unlock()
}

// Len returns the current number of dirty keys.
func (d *DirtySet[K]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.m)
}
