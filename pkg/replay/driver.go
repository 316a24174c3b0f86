package replay

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/carlbeek/gasdivergence/pkg/gaspolicy"
	"github.com/carlbeek/gasdivergence/pkg/inspector"
)

// Intrinsic gas constants of the baseline schedule, charged before the
// first opcode executes.
const (
	txGas               uint64 = 21_000
	txGasContractCreate uint64 = 53_000
	txDataZeroGas       uint64 = 4
	txDataNonZeroGas    uint64 = 16
)

// TxPair is the paired per-transaction output of one block analysis.
type TxPair struct {
	Index        int
	Tx           Transaction
	Normal       inspector.TxFacts
	Experimental inspector.TxFacts
}

// Driver runs the dual execution for one block at a time: a baseline pass
// with a TrackingInspector and an experimental pass with an
// ExperimentalInspector, each in its own overlay over the pre-block
// snapshot.
type Driver struct {
	log     logrus.FieldLogger
	policy  *gaspolicy.Policy
	source  StateSource
	factory EvmFactory
	fpOpts  inspector.FingerprintOptions
}

// NewDriver wires a Driver against the host's state source and EVM factory.
func NewDriver(
	log logrus.FieldLogger,
	policy *gaspolicy.Policy,
	source StateSource,
	factory EvmFactory,
	fpOpts inspector.FingerprintOptions,
) *Driver {
	return &Driver{
		log:     log.WithField("component", "replay"),
		policy:  policy,
		source:  source,
		factory: factory,
		fpOpts:  fpOpts,
	}
}

// Analyze executes every transaction of block twice and returns the
// paired facts in block order. All failures are recoverable SkipErrors:
// the caller skips the block without retry.
//
// When the host supplies its baseline result, the tracking pass still
// runs (the host does not ship inspector output), but the host's receipt
// status and gas figure are adopted into the normal facts.
func (d *Driver) Analyze(ctx context.Context, block *RecoveredBlock, result *BlockExecutionResult) ([]TxPair, error) {
	number := block.Header.Number

	if number == 0 {
		return nil, skipf(number, "genesis block has no pre-state")
	}

	snapshot, err := d.source.SnapshotAt(ctx, number-1)
	if err != nil {
		return nil, &SkipError{BlockNumber: number, Err: err}
	}

	normalOverlay := snapshot.NewOverlay()
	defer normalOverlay.Release()

	experimentalOverlay := snapshot.NewOverlay()
	defer experimentalOverlay.Release()

	env := blockEnv(&block.Header)

	normalEvm, err := d.factory.Build(env, normalOverlay)
	if err != nil {
		return nil, skipf(number, "building normal evm: %w", err)
	}

	experimentalEvm, err := d.factory.Build(env, experimentalOverlay)
	if err != nil {
		return nil, skipf(number, "building experimental evm: %w", err)
	}

	pairs := make([]TxPair, 0, len(block.Transactions))

	for i := range block.Transactions {
		tx := block.Transactions[i]

		tracking := inspector.NewTrackingInspector(d.fpOpts)
		if _, err := normalEvm.Transact(ctx, tx, tx.GasLimit, tracking); err != nil {
			return nil, skipf(number, "normal pass tx %d (%s): %w", i, tx.Hash, err)
		}

		experimental := inspector.NewExperimentalInspector(d.policy, d.fpOpts)

		inflated := d.policy.InflateGasLimit(tx.GasLimit)
		if _, err := experimentalEvm.Transact(ctx, tx, inflated, experimental); err != nil {
			return nil, skipf(number, "experimental pass tx %d (%s): %w", i, tx.Hash, err)
		}

		normalFacts := tracking.Facts()

		if result != nil && i < len(result.Receipts) {
			normalFacts.Status = result.Receipts[i].Status
			normalFacts.GasUsed = result.Receipts[i].GasUsed
		}

		pairs = append(pairs, TxPair{
			Index:        i,
			Tx:           tx,
			Normal:       normalFacts,
			Experimental: experimental.Facts(),
		})
	}

	d.log.WithFields(logrus.Fields{
		"block": number,
		"txs":   len(pairs),
	}).Debug("Block analyzed")

	return pairs, nil
}

// blockEnv builds the EVM environment from the header verbatim. Both
// passes share it; no field is scaled.
func blockEnv(h *BlockHeader) BlockEnv {
	return BlockEnv{
		Number:      h.Number,
		Timestamp:   h.Timestamp,
		Coinbase:    h.Coinbase,
		GasLimit:    h.GasLimit,
		BaseFee:     h.BaseFee,
		PrevRandao:  h.PrevRandao,
		BlobBaseFee: h.BlobBaseFee,
	}
}

// IntrinsicGas computes the baseline-schedule intrinsic cost of tx, the
// figure the experimental pass multiplies at transaction start.
func IntrinsicGas(tx *Transaction) uint64 {
	gas := txGas
	if tx.IsCreate() {
		gas = txGasContractCreate
	}

	for _, b := range tx.Input {
		if b == 0 {
			gas += txDataZeroGas
		} else {
			gas += txDataNonZeroGas
		}
	}

	return gas
}
