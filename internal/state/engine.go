package state

import (
	"fmt"
	"log"

	"github.com/weftworks/weft/internal/model"
)

// CacheReaders supplies the current in-memory value for each dirty key when
// a flush runs. A nil return for a key marked OpUpsert downgrades it to a
// delete; the node was removed between the mark and the flush.
type CacheReaders struct {
	ReadNodeRuntime func(nodeID string) *model.NodeRuntime
}

// StateEngine is the one write path into persistence. Node records and
// runtime config go straight to state.db inside transactions. Runtime
// counters only get their key marked dirty here and reach cache.db in
// batches via FlushDirtySets.
type StateEngine struct {
	*StateRepo
	*CacheRepo

	dirtyNodeRuntime *DirtySet[string]
}

func newStateEngine(stateRepo *StateRepo, cacheRepo *CacheRepo) *StateEngine {
	return &StateEngine{
		StateRepo:        stateRepo,
		CacheRepo:        cacheRepo,
		dirtyNodeRuntime: NewDirtySet[string](),
	}
}

// --- dirty marks (no immediate write) ---

func (e *StateEngine) MarkNodeRuntime(nodeID string)       { e.dirtyNodeRuntime.MarkUpsert(nodeID) }
func (e *StateEngine) MarkNodeRuntimeDelete(nodeID string) { e.dirtyNodeRuntime.MarkDelete(nodeID) }

// DirtyCount reports how many keys are waiting for the next flush.
func (e *StateEngine) DirtyCount() int {
	return e.dirtyNodeRuntime.Len()
}

// classifyDirtySet resolves a drained snapshot into upsert values and delete
// keys, reading each OpUpsert key through the reader. Nil reads become
// deletes.
func classifyDirtySet[K comparable, V any](
	drained map[K]DirtyOp,
	reader func(K) *V,
) (upserts []V, deletes []K) {
	for key, op := range drained {
		if op == OpDelete {
			deletes = append(deletes, key)
			continue
		}
		v := reader(key)
		if v == nil {
			deletes = append(deletes, key)
		} else {
			upserts = append(upserts, *v)
		}
	}
	return
}

// FlushDirtySets drains the dirty sets and writes the resolved rows to
// cache.db in one transaction. When the transaction fails the drained keys
// are merged back so the next flush retries them.
func (e *StateEngine) FlushDirtySets(readers CacheReaders) error {
	drained := e.dirtyNodeRuntime.Drain()

	upserts, deletes := classifyDirtySet(drained, readers.ReadNodeRuntime)

	if err := e.CacheRepo.FlushTx(FlushOps{
		UpsertNodeRuntime: upserts,
		DeleteNodeRuntime: deletes,
	}); err != nil {
		e.dirtyNodeRuntime.Merge(drained)
		return fmt.Errorf("flush: %w", err)
	}

	log.Printf("[state] flushed dirty sets: node_runtime=%d", len(drained))
	return nil
}
