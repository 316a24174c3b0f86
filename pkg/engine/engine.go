// Package engine assembles the dual-execution pipeline: gas policy,
// replay driver, classifier, store, and coordinator. Hosts embed it by
// handing over their notifier, state source, and EVM factory.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carlbeek/gasdivergence/pkg/classifier"
	"github.com/carlbeek/gasdivergence/pkg/config"
	"github.com/carlbeek/gasdivergence/pkg/gaspolicy"
	"github.com/carlbeek/gasdivergence/pkg/inspector"
	"github.com/carlbeek/gasdivergence/pkg/metrics"
	"github.com/carlbeek/gasdivergence/pkg/pipeline"
	"github.com/carlbeek/gasdivergence/pkg/replay"
	"github.com/carlbeek/gasdivergence/pkg/store"
)

// Engine is one assembled analysis pipeline.
type Engine struct {
	log     logrus.FieldLogger
	enabled bool

	store       *store.Store
	coordinator *pipeline.Coordinator
}

// New validates cfg and wires the pipeline against the given
// collaborators. Store-open failures surface here, per the fatal error
// taxonomy. A disabled engine is valid: Run returns immediately.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	notifier replay.BlockNotifier,
	stateSource replay.StateSource,
	evmFactory replay.EvmFactory,
	m *metrics.Facade,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if !cfg.Enabled {
		return &Engine{log: log, enabled: false}, nil
	}

	if m == nil {
		m = metrics.New()
	}

	policy, err := gaspolicy.New(gaspolicy.Options{
		GasMultiplier:      cfg.GasMultiplier,
		RefundMultiplier:   cfg.RefundMultiplier,
		StipendMultiplier:  cfg.StipendMultiplier,
		GasLimitMultiplier: cfg.EffectiveGasLimitMultiplier(),
	})
	if err != nil {
		return nil, err
	}

	divergenceStore, err := store.New(log, store.Config{
		Path:          cfg.DBPath,
		QueueCapacity: int(cfg.QueueCapacity),
		BatchSize:     int(cfg.BatchSize),
		DrainTimeout:  cfg.ShutdownTimeout,
	}, m)
	if err != nil {
		return nil, err
	}

	fpOpts := inspector.FingerprintOptions{IncludeTransientStorage: cfg.IncludeTransientStorage}
	driver := replay.NewDriver(log, policy, stateSource, evmFactory, fpOpts)

	coordinator := pipeline.New(log, pipeline.Config{
		StartBlock:      cfg.StartBlock,
		Workers:         cfg.Workers,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, notifier, driver, classifier.New(cfg.GasMultiplier), divergenceStore, m)

	return &Engine{
		log:         log.WithField("component", "engine"),
		enabled:     true,
		store:       divergenceStore,
		coordinator: coordinator,
	}, nil
}

// Run starts the store writer and blocks in the coordinator loop until
// the notifier stream ends or ctx is canceled. Shutdown drains the store
// up to the configured deadline.
func (e *Engine) Run(ctx context.Context) error {
	if !e.enabled {
		e.log.Info("Divergence analysis disabled")

		return nil
	}

	e.store.Start(ctx)

	started := time.Now()
	err := e.coordinator.Run(ctx)

	e.log.WithField("uptime", time.Since(started)).Info("Engine stopped")

	return err
}
