// Package inspector implements the two instrumentation passes that observe
// EVM execution: a tracking pass that records facts without touching gas,
// and an experimental pass that additionally keeps a shadow gas ledger
// under an inflated schedule.
package inspector

import (
	"github.com/0xsequence/ethkit/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TxStatus is the terminal status of a transaction in one pass.
type TxStatus string

const (
	StatusSuccess  TxStatus = "success"
	StatusRevert   TxStatus = "revert"
	StatusHalt     TxStatus = "halt"
	StatusOutOfGas TxStatus = "oog"
)

// CallType identifies the opcode that opened a call frame.
type CallType string

const (
	CallTypeCall         CallType = "CALL"
	CallTypeDelegateCall CallType = "DELEGATECALL"
	CallTypeStaticCall   CallType = "STATICCALL"
	CallTypeCreate       CallType = "CREATE"
	CallTypeCreate2      CallType = "CREATE2"
)

// CallFrame is one entry of the per-transaction call tree, recorded in
// call-entry order. The tree is reconstructable from the Depth column.
type CallFrame struct {
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Type        CallType       `json:"call_type"`
	Depth       uint64         `json:"depth"`
	GasProvided uint64         `json:"gas_provided"`
	Success     bool           `json:"success"`
}

// EventLog is one LOG0..LOG4 emission.
type EventLog struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    []byte         `json:"data"`
}

// OOGPattern classifies how the experimental pass ran out of gas.
type OOGPattern string

const (
	PatternLoop            OOGPattern = "LOOP"
	PatternMemoryExpansion OOGPattern = "MEMORY_EXPANSION"
	PatternCallChain       OOGPattern = "CALL_CHAIN"
	PatternStorageHeavy    OOGPattern = "STORAGE_HEAVY"
	PatternUnknown         OOGPattern = "UNKNOWN"
)

// OutOfGasInfo records where and how the shadow ledger crossed the inflated
// gas limit. Produced by the experimental pass only.
type OutOfGasInfo struct {
	Opcode                   string         `json:"opcode"`
	PC                       uint64         `json:"pc"`
	Contract                 common.Address `json:"contract"`
	CallDepth                uint64         `json:"call_depth"`
	GasRemainingExperimental uint64         `json:"gas_remaining_experimental"`
	Pattern                  OOGPattern     `json:"pattern"`
}

// StepRecord is the compact per-instruction record both passes keep so the
// classifier can locate the first diverging instruction.
type StepRecord struct {
	PC       uint64         `json:"pc"`
	Opcode   string         `json:"opcode"`
	Contract common.Address `json:"contract"`
	Depth    uint64         `json:"depth"`
}

// TxFacts is everything one pass observed about one transaction.
type TxFacts struct {
	Status               TxStatus        `json:"status"`
	GasUsed              uint64          `json:"gas_used"`
	Ops                  OperationCounts `json:"ops"`
	Calls                []CallFrame     `json:"calls"`
	Logs                 []EventLog      `json:"logs"`
	Steps                []StepRecord    `json:"-"`
	PostStateFingerprint common.Hash     `json:"post_state_fingerprint"`
	OOG                  *OutOfGasInfo   `json:"oog,omitempty"`
}

// TouchedAccount is one entry of the post-transaction touched-state set,
// as enumerated from the host's journal at transaction end.
type TouchedAccount struct {
	Address  common.Address
	Balance  *uint256.Int
	Nonce    uint64
	CodeHash common.Hash
	Slots    map[common.Hash]common.Hash
	// Transient holds EIP-1153 transient storage slots touched during the
	// transaction. Included in the fingerprint unless disabled via
	// FingerprintOptions.
	Transient map[common.Hash]common.Hash
}

// TxContext is handed to the inspectors at transaction start.
type TxContext struct {
	Hash         common.Hash
	From         common.Address
	To           *common.Address
	Input        []byte
	GasLimit     uint64
	IntrinsicGas uint64
}

// Step is the per-instruction callback payload. BaseCost is the
// host-reported base cost for this step; GasLiteral, when non-nil, is a
// hardcoded gas-argument literal observed at a call site (the 2300
// stipend the transfer path surfaces).
type Step struct {
	PC          uint64
	Opcode      string
	Depth       uint64
	Gas         uint64
	BaseCost    uint64
	GasLiteral  *uint64
	MemoryWords uint64
	Contract    common.Address
}

// CallEnter is the call-frame-entry callback payload.
type CallEnter struct {
	From        common.Address
	To          common.Address
	Type        CallType
	Depth       uint64
	GasProvided uint64
	GasLiteral  *uint64
}

// CallExit is the call-frame-exit callback payload.
type CallExit struct {
	Depth   uint64
	Success bool
}

// TxResult is handed to the inspectors at transaction end, carrying the
// EVM-reported outcome and the journal of touched state.
type TxResult struct {
	Status  TxStatus
	GasUsed uint64
	Refund  uint64
	Touched []TouchedAccount
}
