// Package classifier compares the paired per-transaction facts from the
// two passes and emits typed divergence records.
package classifier

import (
	"time"

	"github.com/0xsequence/ethkit/go-ethereum/common"

	"github.com/carlbeek/gasdivergence/pkg/inspector"
)

// DivergenceType names one observable dimension the two passes can
// differ in.
type DivergenceType string

const (
	DivergenceStatus     DivergenceType = "STATUS"
	DivergenceGasPattern DivergenceType = "GAS_PATTERN"
	DivergenceStateRoot  DivergenceType = "STATE_ROOT"
	DivergenceEventLogs  DivergenceType = "EVENT_LOGS"
	DivergenceCallTree   DivergenceType = "CALL_TREE"
	DivergenceOutOfGas   DivergenceType = "OUT_OF_GAS"
)

// TxMeta identifies the transaction a record belongs to.
type TxMeta struct {
	BlockNumber uint64
	TxIndex     uint32
	TxHash      common.Hash
	Input       []byte
}

// GasAnalysis summarizes the gas figures of both passes.
type GasAnalysis struct {
	NormalGasUsed       uint64  `json:"normal_gas_used"`
	ExperimentalGasUsed uint64  `json:"experimental_gas_used"`
	GasMultiplier       uint64  `json:"gas_multiplier"`
	GasEfficiencyRatio  float64 `json:"gas_efficiency_ratio"`
}

// Location points at the first instruction where the two passes' op
// sequences diverge.
type Location struct {
	Contract         common.Address `json:"contract"`
	FunctionSelector []byte         `json:"function_selector,omitempty"`
	PC               uint64         `json:"pc"`
	CallDepth        uint64         `json:"call_depth"`
	Opcode           string         `json:"opcode"`
}

// CallTrees pairs the two passes' call sequences.
type CallTrees struct {
	Normal       []inspector.CallFrame `json:"normal"`
	Experimental []inspector.CallFrame `json:"experimental"`
}

// EventLogs pairs the two passes' log sequences.
type EventLogs struct {
	Normal       []inspector.EventLog `json:"normal"`
	Experimental []inspector.EventLog `json:"experimental"`
}

// Divergence is one classified behavioral difference between the two
// passes for one transaction. Types is non-empty and sorted.
type Divergence struct {
	BlockNumber     uint64                    `json:"block_number"`
	TxIndex         uint32                    `json:"tx_index"`
	TxHash          common.Hash               `json:"tx_hash"`
	Timestamp       time.Time                 `json:"timestamp"`
	Types           []DivergenceType          `json:"types"`
	GasAnalysis     GasAnalysis               `json:"gas_analysis"`
	NormalOps       inspector.OperationCounts `json:"normal_ops"`
	ExperimentalOps inspector.OperationCounts `json:"experimental_ops"`
	Location        *Location                 `json:"location,omitempty"`
	OOG             *inspector.OutOfGasInfo   `json:"oog,omitempty"`
	CallTrees       *CallTrees                `json:"call_trees,omitempty"`
	EventLogs       *EventLogs                `json:"event_logs,omitempty"`
}

// HasType reports whether t is among the record's divergence dimensions.
func (d *Divergence) HasType(t DivergenceType) bool {
	for _, dt := range d.Types {
		if dt == t {
			return true
		}
	}

	return false
}

// GasLoopObservation is the advisory record for a suspected
// gasleft()-bounded loop: the experimental pass executed well under the
// normal pass's op count with an identical call tree.
type GasLoopObservation struct {
	Contract          common.Address `json:"contract"`
	Selector          []byte         `json:"selector"`
	FirstBlock        uint64         `json:"first_block"`
	ObservedThreshold float64        `json:"observed_threshold"`
}
