// Package replay re-executes committed blocks against historical state:
// once under the baseline schedule and once under the experimental one,
// each in its own copy-on-write overlay that never touches the real chain.
//
// The collaborator interfaces use abstract types so host applications can
// implement them with their own client internals without this module
// importing the host's EVM or database packages.
package replay

import (
	"context"

	"github.com/0xsequence/ethkit/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/carlbeek/gasdivergence/pkg/inspector"
)

// BlockHeader carries the header fields the EVM environment is built from.
type BlockHeader struct {
	Number      uint64
	Hash        common.Hash
	ParentHash  common.Hash
	Coinbase    common.Address
	Timestamp   uint64
	GasLimit    uint64
	BaseFee     *uint256.Int
	PrevRandao  common.Hash
	BlobBaseFee *uint256.Int
}

// Transaction is one recovered transaction of a committed block.
type Transaction struct {
	Hash     common.Hash
	From     common.Address
	To       *common.Address
	Nonce    uint64
	GasLimit uint64
	GasPrice *uint256.Int
	Value    *uint256.Int
	Input    []byte
}

// IsCreate reports whether the transaction deploys a contract.
func (t *Transaction) IsCreate() bool {
	return t.To == nil
}

// RecoveredBlock is a committed block with sender-recovered transactions.
type RecoveredBlock struct {
	Header       BlockHeader
	Transactions []Transaction
}

// Receipt is the host's baseline outcome for one transaction.
type Receipt struct {
	Status  inspector.TxStatus
	GasUsed uint64
}

// BlockExecutionResult is the host's baseline result for a whole block,
// when the host ships one with the commit notification.
type BlockExecutionResult struct {
	Receipts []Receipt
}

// NotificationKind distinguishes commit and revert notifications.
type NotificationKind string

const (
	KindCommitted NotificationKind = "committed"
	KindReverted  NotificationKind = "reverted"
)

// Notification is one event on the host's block stream. Committed
// notifications carry a block and optionally the host's execution result;
// reverted notifications carry the orphaned block-number range.
type Notification struct {
	Kind         NotificationKind
	Block        *RecoveredBlock
	Result       *BlockExecutionResult
	RevertedFrom uint64
	RevertedTo   uint64
}

// BlockNotifier is the host's block stream. The channel is closed on host
// shutdown.
type BlockNotifier interface {
	Notifications() <-chan Notification
}

// Overlay is a mutable copy-on-write layer over a read-only snapshot.
// Overlays are owned exclusively by one block's processing task and
// released when the block completes.
type Overlay interface {
	Release()
}

// StateSnapshot is a read-only view of the chain state as of one block.
// Snapshots are cheap to hold and safe for concurrent reads.
type StateSnapshot interface {
	NewOverlay() Overlay
}

// StateSource provides historical state snapshots.
type StateSource interface {
	// SnapshotAt returns a read-only snapshot of the state after block
	// blockNumber was applied.
	SnapshotAt(ctx context.Context, blockNumber uint64) (StateSnapshot, error)
}

// BlockEnv is the EVM environment, built verbatim from the block header.
// The experimental pass inherits it unchanged; header fields are never
// multiplied.
type BlockEnv struct {
	Number      uint64
	Timestamp   uint64
	Coinbase    common.Address
	GasLimit    uint64
	BaseFee     *uint256.Int
	PrevRandao  common.Hash
	BlobBaseFee *uint256.Int
	ChainID     uint64
}

// ExecutionOutcome is the EVM-reported result of one transaction.
type ExecutionOutcome struct {
	Status  inspector.TxStatus
	GasUsed uint64
}

// Evm executes transactions against one overlay, driving the attached
// hooks through the full OnTxStart..OnTxEnd sequence per transaction.
// Each execution commits to the overlay so subsequent transactions
// observe the correct pre-state.
type Evm interface {
	Transact(ctx context.Context, tx Transaction, gasLimit uint64, hooks inspector.Hooks) (ExecutionOutcome, error)
}

// EvmFactory builds EVM instances bound to an environment and an overlay.
type EvmFactory interface {
	Build(env BlockEnv, overlay Overlay) (Evm, error)
}
