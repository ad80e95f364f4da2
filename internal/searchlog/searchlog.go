// Package searchlog persists a durable record of every federated
// search. Records are queued by the search path and flushed to cache.db
// in batches by a background goroutine.
package searchlog

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/model"
	"github.com/weftworks/weft/internal/state"
)

const (
	defaultQueueSize     = 8192
	defaultFlushBatch    = 512
	defaultFlushInterval = time.Minute
	defaultRetainRows    = 50000
)

// Config wires the search log service.
type Config struct {
	Repo          *state.CacheRepo
	RuntimeConfig *atomic.Pointer[config.RuntimeConfig]

	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration

	// RetainRows bounds the table size enforced by Prune.
	RetainRows int
}

// Service is an async search log writer. Record performs a non-blocking
// channel send (drops on overflow); a background goroutine flushes
// batches to the repo.
type Service struct {
	repo          *state.CacheRepo
	runtimeConfig *atomic.Pointer[config.RuntimeConfig]
	queue         chan model.SearchLogRecord
	batchSize     int
	interval      time.Duration
	retainRows    int

	syncCh chan chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a search log service. Zero config values fall back to the
// package defaults.
func New(cfg Config) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = defaultFlushBatch
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	retain := cfg.RetainRows
	if retain <= 0 {
		retain = defaultRetainRows
	}
	return &Service{
		repo:          cfg.Repo,
		runtimeConfig: cfg.RuntimeConfig,
		queue:         make(chan model.SearchLogRecord, queueSize),
		batchSize:     batchSize,
		interval:      interval,
		retainRows:    retain,
		syncCh:        make(chan chan struct{}),
		stopCh:        make(chan struct{}),
	}
}

func (s *Service) enabled() bool {
	if s.runtimeConfig == nil {
		return true
	}
	c := s.runtimeConfig.Load()
	if c == nil {
		return true
	}
	return c.SearchLogEnabled
}

// Start launches the background flush goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop signals the flush loop to stop, drains remaining records, and
// returns once the final batch is written.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Record enqueues one record, filling ID and timestamp when unset.
// Non-blocking; drops when the queue is full or logging is disabled.
func (s *Service) Record(rec model.SearchLogRecord) {
	if !s.enabled() {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.TsNs == 0 {
		rec.TsNs = time.Now().UnixNano()
	}
	select {
	case s.queue <- rec:
	default:
		// Queue full. Dropping beats blocking the search path.
	}
}

// List flushes queued records, then returns matching rows newest-first
// plus the total match count.
func (s *Service) List(q state.SearchLogQuery) ([]model.SearchLogRecord, int, error) {
	s.Sync()
	return s.repo.ListSearchLog(q)
}

// Sync blocks until every record queued before the call is flushed.
// After Stop it returns immediately; Stop already drained the queue.
func (s *Service) Sync() {
	ack := make(chan struct{})
	select {
	case s.syncCh <- ack:
		<-ack
	case <-s.stopCh:
	}
}

// Prune trims the table to the retention bound, returning rows removed.
func (s *Service) Prune() (int64, error) {
	return s.repo.PruneSearchLog(s.retainRows)
}

// flushLoop runs until stopCh is closed, flushing on batch size, timer,
// or an explicit Sync.
func (s *Service) flushLoop() {
	defer s.wg.Done()

	batch := make([]model.SearchLogRecord, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-s.queue:
			batch = append(batch, rec)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}

		case ack := <-s.syncCh:
			batch = s.drain(batch)
			close(ack)

		case <-s.stopCh:
			s.drain(batch)
			return
		}
	}
}

// drain empties the queue into batch and flushes everything collected,
// returning the reusable zero-length batch slice.
func (s *Service) drain(batch []model.SearchLogRecord) []model.SearchLogRecord {
	for {
		select {
		case rec := <-s.queue:
			batch = append(batch, rec)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return batch[:0]
		}
	}
}

func (s *Service) flush(records []model.SearchLogRecord) {
	if err := s.repo.InsertSearchLogBatch(records); err != nil {
		log.Printf("[searchlog] flush %d records failed: %v", len(records), err)
	}
}
