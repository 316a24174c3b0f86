package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/0xsequence/ethkit/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlbeek/gasdivergence/pkg/config"
	"github.com/carlbeek/gasdivergence/pkg/inspector"
	"github.com/carlbeek/gasdivergence/pkg/metrics"
	"github.com/carlbeek/gasdivergence/pkg/replay"
	"github.com/carlbeek/gasdivergence/pkg/source"
)

type stubOverlay struct{}

func (stubOverlay) Release() {}

type stubSnapshot struct{}

func (stubSnapshot) NewOverlay() replay.Overlay { return stubOverlay{} }

type stubStateSource struct{}

func (stubStateSource) SnapshotAt(context.Context, uint64) (replay.StateSnapshot, error) {
	return stubSnapshot{}, nil
}

// stubFactory builds EVMs that run a canned script whose experimental
// pass blows through an un-inflated gas limit, guaranteeing a divergence.
type stubFactory struct{}

func (stubFactory) Build(replay.BlockEnv, replay.Overlay) (replay.Evm, error) {
	return stubEvm{}, nil
}

type stubEvm struct{}

func (stubEvm) Transact(_ context.Context, tx replay.Transaction, gasLimit uint64, hooks inspector.Hooks) (replay.ExecutionOutcome, error) {
	hooks.OnTxStart(inspector.TxContext{
		Hash:         tx.Hash,
		GasLimit:     gasLimit,
		IntrinsicGas: 21_000,
	})

	for pc := uint64(0); pc < 20; pc++ {
		hooks.OnStep(inspector.Step{PC: pc, Opcode: "SSTORE", Depth: 1, BaseCost: 20_000})
	}

	hooks.OnTxEnd(inspector.TxResult{Status: inspector.StatusSuccess, GasUsed: 400_000})

	return replay.ExecutionOutcome{Status: inspector.StatusSuccess, GasUsed: 400_000}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Enabled = true
	cfg.DBPath = filepath.Join(t.TempDir(), "divergence.db")
	cfg.Workers = 1
	// Inflated limit equal to the original, so the multiplied schedule
	// trips OOG immediately.
	cfg.GasLimitMultiplier = 1
	cfg.ShutdownTimeout = 5 * time.Second

	return cfg
}

func TestEngine_DisabledRunsToCompletion(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	eng, err := New(logrus.New(), cfg, nil, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, eng.Run(context.Background()))
}

func TestEngine_EndToEnd(t *testing.T) {
	cfg := testConfig(t)

	notifier := source.NewEmbedded(logrus.New(), 16)

	eng, err := New(logrus.New(), cfg, notifier, stubStateSource{}, stubFactory{},
		metrics.NewWith(prometheus.NewRegistry()))
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- eng.Run(context.Background()) }()

	to := common.HexToAddress("0x02")
	block := &replay.RecoveredBlock{
		Header: replay.BlockHeader{Number: 100},
		Transactions: []replay.Transaction{{
			Hash:     common.HexToHash("0x01"),
			To:       &to,
			GasLimit: 500_000,
		}},
	}

	require.True(t, notifier.CommitBlock(block, nil))
	notifier.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop")
	}

	// The store was drained and closed by the coordinator; reopen the
	// file to verify the divergence was persisted.
	verifyCfg, err := config.Load("")
	require.NoError(t, err)

	verifyCfg.Enabled = true
	verifyCfg.DBPath = cfg.DBPath

	verify, err := New(logrus.New(), verifyCfg, notifier, stubStateSource{}, stubFactory{},
		metrics.NewWith(prometheus.NewRegistry()))
	require.NoError(t, err)

	records, err := verify.store.QueryBlockRange(context.Background(), 100, 100)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(100), records[0].BlockNumber)
	assert.NotEmpty(t, records[0].Types)
}
