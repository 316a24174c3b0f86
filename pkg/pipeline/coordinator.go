// Package pipeline subscribes to the host's block stream and drives each
// committed block through replay, classification, and persistence.
package pipeline

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/carlbeek/gasdivergence/pkg/classifier"
	"github.com/carlbeek/gasdivergence/pkg/metrics"
	"github.com/carlbeek/gasdivergence/pkg/replay"
)

// BlockState is the per-block state machine position.
type BlockState string

const (
	StateReceived    BlockState = "RECEIVED"
	StateGated       BlockState = "GATED"
	StateReplaying   BlockState = "REPLAYING"
	StateClassifying BlockState = "CLASSIFYING"
	StateSubmitting  BlockState = "SUBMITTING"
	StateDone        BlockState = "DONE"
	StateSkipped     BlockState = "SKIPPED"
	StateFailed      BlockState = "FAILED"
)

// Analyzer runs the dual execution for one block. *replay.Driver is the
// production implementation.
type Analyzer interface {
	Analyze(ctx context.Context, block *replay.RecoveredBlock, result *replay.BlockExecutionResult) ([]replay.TxPair, error)
}

// RecordSink receives classified output. *store.Store is the production
// implementation.
type RecordSink interface {
	Submit(div *classifier.Divergence) bool
	SubmitGasLoop(obs *classifier.GasLoopObservation) bool
	Close(ctx context.Context) error
}

// Config configures the coordinator.
type Config struct {
	// StartBlock gates analysis: blocks below it are skipped.
	StartBlock uint64
	// Workers bounds concurrent block processing. Zero means available
	// cores minus one.
	Workers int
	// ShutdownTimeout bounds the store drain on shutdown.
	ShutdownTimeout time.Duration
}

// Coordinator is the pipeline's one logical task: it consumes the block
// stream, dispatches per-block work onto a fixed-size pool, and abandons
// in-flight work for reorged-out blocks. No failure here ever propagates
// into the host's commit path.
type Coordinator struct {
	log        logrus.FieldLogger
	cfg        Config
	notifier   replay.BlockNotifier
	driver     Analyzer
	classifier *classifier.Classifier
	sink       RecordSink
	metrics    *metrics.Facade

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
}

// New wires a Coordinator.
func New(
	log logrus.FieldLogger,
	cfg Config,
	notifier replay.BlockNotifier,
	driver Analyzer,
	cls *classifier.Classifier,
	sink RecordSink,
	m *metrics.Facade,
) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU() - 1
		if cfg.Workers < 1 {
			cfg.Workers = 1
		}
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &Coordinator{
		log:        log.WithField("component", "pipeline"),
		cfg:        cfg,
		notifier:   notifier,
		driver:     driver,
		classifier: cls,
		sink:       sink,
		metrics:    m,
		inflight:   make(map[uint64]context.CancelFunc),
	}
}

// Run consumes the block stream until it closes or ctx is canceled, then
// finishes in-flight blocks and drains the store.
func (c *Coordinator) Run(ctx context.Context) error {
	group := &errgroup.Group{}
	group.SetLimit(c.cfg.Workers)

	c.log.WithFields(logrus.Fields{
		"workers":     c.cfg.Workers,
		"start_block": c.cfg.StartBlock,
	}).Info("Pipeline started")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case notification, ok := <-c.notifier.Notifications():
			if !ok {
				break loop
			}

			c.handle(ctx, group, notification)
		}
	}

	// Finish in-flight blocks, then drain the store up to its deadline.
	group.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()

	if err := c.sink.Close(closeCtx); err != nil {
		c.log.WithError(err).Warn("Store close failed")
	}

	c.log.Info("Pipeline stopped")

	return nil
}

func (c *Coordinator) handle(ctx context.Context, group *errgroup.Group, notification replay.Notification) {
	switch notification.Kind {
	case replay.KindCommitted:
		c.dispatch(ctx, group, notification.Block, notification.Result)
	case replay.KindReverted:
		c.abandonRange(notification.RevertedFrom, notification.RevertedTo)
	}
}

func (c *Coordinator) dispatch(ctx context.Context, group *errgroup.Group, block *replay.RecoveredBlock, result *replay.BlockExecutionResult) {
	if block == nil {
		return
	}

	number := block.Header.Number

	c.logState(number, StateReceived)
	c.logState(number, StateGated)

	if number < c.cfg.StartBlock {
		c.logState(number, StateSkipped)

		return
	}

	blockCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.inflight[number] = cancel
	c.mu.Unlock()

	group.Go(func() error {
		defer func() {
			cancel()

			c.mu.Lock()
			delete(c.inflight, number)
			c.mu.Unlock()

			if r := recover(); r != nil {
				c.log.WithField("block", number).WithField("panic", r).Error("Recovered panic in block processing")
			}
		}()

		c.processBlock(blockCtx, block, result)

		return nil
	})
}

// abandonRange cancels in-flight work for orphaned block numbers.
// Persisted records are left alone: they are immutable observations
// dated by the block number they were produced under.
func (c *Coordinator) abandonRange(from, to uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	abandoned := 0

	for number, cancel := range c.inflight {
		if number >= from && number <= to {
			cancel()

			abandoned++
		}
	}

	c.log.WithFields(logrus.Fields{
		"from":      from,
		"to":        to,
		"abandoned": abandoned,
	}).Info("Chain reverted, abandoned in-flight work")
}

func (c *Coordinator) processBlock(ctx context.Context, block *replay.RecoveredBlock, result *replay.BlockExecutionResult) {
	number := block.Header.Number
	started := time.Now()

	c.logState(number, StateReplaying)

	pairs, err := c.driver.Analyze(ctx, block, result)
	if err != nil {
		if replay.IsSkip(err) {
			c.log.WithError(err).WithField("block", number).Warn("Block skipped")
			c.logState(number, StateSkipped)
		} else {
			c.log.WithError(err).WithField("block", number).Error("Block failed")
			c.logState(number, StateFailed)
		}

		return
	}

	if ctx.Err() != nil {
		// Reorged out mid-replay; discard without submitting.
		c.logState(number, StateFailed)

		return
	}

	c.logState(number, StateClassifying)

	divergences := make([]*classifier.Divergence, 0, len(pairs))
	gasLoops := make([]*classifier.GasLoopObservation, 0)

	for i := range pairs {
		pair := &pairs[i]
		meta := classifier.TxMeta{
			BlockNumber: number,
			TxIndex:     uint32(pair.Index),
			TxHash:      pair.Tx.Hash,
			Input:       pair.Tx.Input,
		}

		if div := c.classifier.Classify(meta, pair.Normal, pair.Experimental); div != nil {
			divergences = append(divergences, div)
		}

		if obs := c.classifier.GasLoopCandidate(meta, pair.Normal, pair.Experimental); obs != nil {
			gasLoops = append(gasLoops, obs)
		}
	}

	c.logState(number, StateSubmitting)

	for _, div := range divergences {
		c.sink.Submit(div)
		c.observeDivergence(div)
	}

	for _, obs := range gasLoops {
		c.sink.SubmitGasLoop(obs)
	}

	c.metrics.BlocksProcessed.Inc()
	c.metrics.BlockProcessingTime.Observe(time.Since(started).Seconds())

	c.logState(number, StateDone)

	c.log.WithFields(logrus.Fields{
		"block":       number,
		"txs":         len(pairs),
		"divergences": len(divergences),
	}).Debug("Block processed")
}

func (c *Coordinator) observeDivergence(div *classifier.Divergence) {
	c.metrics.DivergencesTotal.Inc()
	c.metrics.GasEfficiencyRatio.Observe(div.GasAnalysis.GasEfficiencyRatio)

	for _, t := range div.Types {
		c.metrics.DivergencesByType.WithLabelValues(string(t)).Inc()
	}

	if div.OOG != nil {
		c.metrics.OOGEventsTotal.WithLabelValues(string(div.OOG.Pattern)).Inc()
	}
}

func (c *Coordinator) logState(number uint64, state BlockState) {
	c.log.WithFields(logrus.Fields{
		"block": number,
		"state": state,
	}).Trace("Block state transition")
}
