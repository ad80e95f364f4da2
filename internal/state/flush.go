package state

import (
	"log"
	"sync"
	"time"
)

// CacheFlushWorker writes dirty node-runtime state back to cache.db in the
// background. A flush runs when the dirty count reaches the threshold, or
// when the interval has passed since the last flush and anything is dirty.
// Stop performs one final flush so counters survive a clean shutdown.
type CacheFlushWorker struct {
	engine        *StateEngine
	readers       CacheReaders
	readThreshold func() int
	readInterval  func() time.Duration
	tick          time.Duration // how often flush conditions are evaluated

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCacheFlushWorker creates a flush worker. Threshold and interval are read
// through callbacks on every tick so runtime config changes take effect
// without a restart. tick is the evaluation period (e.g. 5s).
func NewCacheFlushWorker(
	engine *StateEngine,
	readers CacheReaders,
	readThreshold func() int,
	readInterval func() time.Duration,
	tick time.Duration,
) *CacheFlushWorker {
	if readThreshold == nil {
		panic("state: NewCacheFlushWorker needs a threshold callback")
	}
	if readInterval == nil {
		panic("state: NewCacheFlushWorker needs an interval callback")
	}
	if tick <= 0 {
		panic("state: NewCacheFlushWorker needs a positive tick")
	}

	return &CacheFlushWorker{
		engine:        engine,
		readers:       readers,
		readThreshold: readThreshold,
		readInterval:  readInterval,
		tick:          tick,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the flush goroutine.
func (w *CacheFlushWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the worker, waits for the goroutine to exit, and flushes any
// remaining dirty entries. Safe to call more than once.
func (w *CacheFlushWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *CacheFlushWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	lastFlush := time.Now()

	for {
		select {
		case <-w.stopCh:
			// One last flush so nothing dirty is lost on shutdown.
			w.doFlush()
			return
		case <-ticker.C:
			if w.due(lastFlush) {
				w.doFlush()
				lastFlush = time.Now()
			}
		}
	}
}

// due reports whether a flush should run now. Empty dirty sets never flush;
// past that, either the volume threshold or the age of the last flush fires.
func (w *CacheFlushWorker) due(lastFlush time.Time) bool {
	dirty := w.engine.DirtyCount()
	if dirty == 0 {
		return false
	}
	return dirty >= w.readThreshold() || time.Since(lastFlush) >= w.readInterval()
}

func (w *CacheFlushWorker) doFlush() {
	if err := w.engine.FlushDirtySets(w.readers); err != nil {
		log.Printf("[state] flush failed, dirty entries re-merged: %v", err)
	}
}
