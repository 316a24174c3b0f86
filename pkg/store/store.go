// Package store is the asynchronous persistence layer: a bounded
// multi-producer queue in front of a single writer goroutine that owns
// the embedded SQLite file and commits records in batches.
package store

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/carlbeek/gasdivergence/pkg/classifier"
	"github.com/carlbeek/gasdivergence/pkg/metrics"
)

const (
	defaultQueueCapacity  = 4096
	defaultBatchSize      = 256
	defaultDrainTimeout   = 30 * time.Second
	gasLoopQueueCapacity  = 1024
	degradedLogInterval   = time.Minute
	writerIdleFlushPeriod = time.Second
)

// Config configures the store.
type Config struct {
	// Path is the SQLite file location.
	Path string `yaml:"dbPath" default:"./divergence.db"`
	// QueueCapacity bounds the submit queue.
	QueueCapacity int `yaml:"queueCapacity" default:"4096"`
	// BatchSize is the writer's per-transaction batch limit.
	BatchSize int `yaml:"batchSize" default:"256"`
	// DrainTimeout bounds how long Close waits for the queue to drain.
	DrainTimeout time.Duration `yaml:"drainTimeout" default:"30s"`
}

func (c *Config) withDefaults() Config {
	out := *c

	if out.Path == "" {
		out.Path = "./divergence.db"
	}

	if out.QueueCapacity <= 0 {
		out.QueueCapacity = defaultQueueCapacity
	}

	if out.BatchSize <= 0 {
		out.BatchSize = defaultBatchSize
	}

	if out.DrainTimeout <= 0 {
		out.DrainTimeout = defaultDrainTimeout
	}

	return out
}

// Store accepts divergence records over a bounded queue and persists them
// in batches. Submit never blocks and never fails user-visibly; data loss
// is counted, not hidden.
type Store struct {
	log     logrus.FieldLogger
	cfg     Config
	metrics *metrics.Facade

	db       *sql.DB
	queue    chan *classifier.Divergence
	gasLoops chan *classifier.GasLoopObservation

	started  atomic.Bool
	closed   atomic.Bool
	degraded atomic.Bool
	dropped  atomic.Uint64

	// lastDegradedLog holds unix nanos of the last degraded-mode log line.
	lastDegradedLog atomic.Int64

	stopChan   chan struct{}
	writerDone chan struct{}
	startOnce  sync.Once
	closeOnce  sync.Once
}

// New opens the backing file, applies the schema, and returns a Store
// ready to Start. Open failures are fatal and surface here.
func New(log logrus.FieldLogger, cfg Config, m *metrics.Facade) (*Store, error) {
	cfg = cfg.withDefaults()

	db, err := openDatabase(cfg.Path)
	if err != nil {
		return nil, err
	}

	return &Store{
		log:        log.WithField("component", "store"),
		cfg:        cfg,
		metrics:    m,
		db:         db,
		queue:      make(chan *classifier.Divergence, cfg.QueueCapacity),
		gasLoops:   make(chan *classifier.GasLoopObservation, gasLoopQueueCapacity),
		stopChan:   make(chan struct{}),
		writerDone: make(chan struct{}),
	}, nil
}

// Start launches the writer goroutine. Writes deliberately run on a
// background context: canceling the caller's context must not abort the
// drain, which is bounded by DrainTimeout instead.
func (s *Store) Start(_ context.Context) {
	s.startOnce.Do(func() {
		s.started.Store(true)

		go s.runWriter(context.Background())

		s.log.WithFields(logrus.Fields{
			"path":       s.cfg.Path,
			"queue_cap":  s.cfg.QueueCapacity,
			"batch_size": s.cfg.BatchSize,
		}).Info("Divergence store started")
	})
}

// Submit enqueues one record. It returns true when the record was
// accepted and false when it was dropped (queue full, store closed, or
// degraded mode).
func (s *Store) Submit(div *classifier.Divergence) bool {
	if s.closed.Load() || s.degraded.Load() {
		s.countDrop(1)

		return false
	}

	select {
	case s.queue <- div:
		s.metrics.StoreQueueDepth.Set(float64(len(s.queue)))

		return true
	default:
		s.countDrop(1)

		return false
	}
}

// SubmitGasLoop enqueues one advisory gas-loop observation. Drops are
// silent; the table is advisory data.
func (s *Store) SubmitGasLoop(obs *classifier.GasLoopObservation) bool {
	if s.closed.Load() || s.degraded.Load() {
		return false
	}

	select {
	case s.gasLoops <- obs:
		return true
	default:
		return false
	}
}

// Dropped returns the total number of dropped records.
func (s *Store) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops accepting submissions, drains the queue up to the
// configured deadline, and releases the backing file handle.
func (s *Store) Close(ctx context.Context) error {
	var err error

	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopChan)

		if !s.started.Load() {
			err = s.db.Close()

			return
		}

		select {
		case <-s.writerDone:
		case <-time.After(s.cfg.DrainTimeout):
			remaining := len(s.queue)
			if remaining > 0 {
				s.countDrop(uint64(remaining))
				s.log.WithField("abandoned", remaining).Warn("Drain deadline reached, abandoning queued records")
			}
		case <-ctx.Done():
		}

		err = s.db.Close()
	})

	return err
}

// runWriter is the single consumer: it pops up to BatchSize records,
// writes them in one transaction with retry, and repeats until stopped
// and drained.
func (s *Store) runWriter(ctx context.Context) {
	defer close(s.writerDone)

	ticker := time.NewTicker(writerIdleFlushPeriod)
	defer ticker.Stop()

	for {
		select {
		case div := <-s.queue:
			s.writeBatch(ctx, s.collectBatch(div))
		case obs := <-s.gasLoops:
			s.writeGasLoops(ctx, s.collectGasLoops(obs))
		case <-ticker.C:
		case <-s.stopChan:
			s.drain(ctx)

			return
		}

		s.metrics.StoreQueueDepth.Set(float64(len(s.queue)))
	}
}

// drain flushes everything still queued after stop was signaled.
func (s *Store) drain(ctx context.Context) {
	for {
		select {
		case div := <-s.queue:
			s.writeBatch(ctx, s.collectBatch(div))
		case obs := <-s.gasLoops:
			s.writeGasLoops(ctx, s.collectGasLoops(obs))
		default:
			s.metrics.StoreQueueDepth.Set(0)

			return
		}
	}
}

func (s *Store) collectBatch(first *classifier.Divergence) []*classifier.Divergence {
	batch := make([]*classifier.Divergence, 0, s.cfg.BatchSize)
	batch = append(batch, first)

	for len(batch) < s.cfg.BatchSize {
		select {
		case div := <-s.queue:
			batch = append(batch, div)
		default:
			return batch
		}
	}

	return batch
}

func (s *Store) collectGasLoops(first *classifier.GasLoopObservation) []*classifier.GasLoopObservation {
	batch := make([]*classifier.GasLoopObservation, 0, s.cfg.BatchSize)
	batch = append(batch, first)

	for len(batch) < s.cfg.BatchSize {
		select {
		case obs := <-s.gasLoops:
			batch = append(batch, obs)
		default:
			return batch
		}
	}

	return batch
}

func (s *Store) writeBatch(ctx context.Context, batch []*classifier.Divergence) {
	if len(batch) == 0 {
		return
	}

	operation := func() error {
		return insertBatch(ctx, s.db, batch)
	}

	if err := backoff.Retry(operation, newWriteBackOff()); err != nil {
		s.countDrop(uint64(len(batch)))
		s.log.WithError(err).WithField("batch_size", len(batch)).Error("Dropping batch after exhausted retries")
		s.checkDegraded(ctx)
	}
}

func (s *Store) writeGasLoops(ctx context.Context, batch []*classifier.GasLoopObservation) {
	operation := func() error {
		return insertGasLoops(ctx, s.db, batch)
	}

	if err := backoff.Retry(operation, newWriteBackOff()); err != nil {
		s.log.WithError(err).WithField("batch_size", len(batch)).Warn("Dropping gas_loops batch after exhausted retries")
	}
}

// checkDegraded probes the handle after an exhausted retry. An unreachable
// file flips the store into degraded mode: every subsequent submit is
// dropped and an error is logged at most once per minute.
func (s *Store) checkDegraded(ctx context.Context) {
	if err := s.db.PingContext(ctx); err != nil {
		if s.degraded.CompareAndSwap(false, true) {
			s.log.WithError(err).Error("Store entered degraded mode, dropping all submissions")
			s.lastDegradedLog.Store(time.Now().UnixNano())
		}
	}
}

func (s *Store) countDrop(n uint64) {
	s.dropped.Add(n)
	s.metrics.StoreRecordsDropped.Add(float64(n))

	if !s.degraded.Load() {
		return
	}

	last := s.lastDegradedLog.Load()

	now := time.Now().UnixNano()
	if now-last >= int64(degradedLogInterval) && s.lastDegradedLog.CompareAndSwap(last, now) {
		s.log.Error("Store degraded, submissions are being dropped")
	}
}
