package source

import (
	"context"
	"fmt"

	"github.com/0xsequence/ethkit/ethrpc"
	"github.com/0xsequence/ethkit/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/carlbeek/gasdivergence/pkg/inspector"
	"github.com/carlbeek/gasdivergence/pkg/replay"
)

// TraceReplay adapts debug_traceTransaction output to the replay
// contracts for standalone research runs: it implements both
// replay.StateSource and replay.EvmFactory, replaying the recorded
// structlog of each transaction through the attached hooks instead of
// executing an EVM locally.
//
// Limits of this mode, by construction: both passes observe the same
// recorded trace, so the state-fingerprint and event-log dimensions are
// inert, call frames carry types and depths but not addresses, and gas
// literals at call sites are not visible (the stack is not fetched).
// The shadow gas ledger, operation counts, and out-of-gas analysis are
// fully exercised; embedding in a host client lifts the limits.
type TraceReplay struct {
	log      logrus.FieldLogger
	provider *ethrpc.Provider
}

// NewTraceReplay wraps an RPC provider.
func NewTraceReplay(log logrus.FieldLogger, provider *ethrpc.Provider) *TraceReplay {
	return &TraceReplay{
		log:      log.WithField("component", "source/trace"),
		provider: provider,
	}
}

// SnapshotAt implements replay.StateSource. Trace replay needs no local
// state: the recorded trace already embeds the execution against the
// correct pre-state, so snapshots and overlays are inert handles.
func (t *TraceReplay) SnapshotAt(_ context.Context, _ uint64) (replay.StateSnapshot, error) {
	return noopSnapshot{}, nil
}

// Build implements replay.EvmFactory.
func (t *TraceReplay) Build(env replay.BlockEnv, _ replay.Overlay) (replay.Evm, error) {
	return &traceEvm{parent: t, env: env}, nil
}

type noopSnapshot struct{}

func (noopSnapshot) NewOverlay() replay.Overlay { return noopOverlay{} }

type noopOverlay struct{}

func (noopOverlay) Release() {}

type traceResult struct {
	Gas         uint64      `json:"gas"`
	Failed      bool        `json:"failed"`
	ReturnValue string      `json:"returnValue"`
	StructLogs  []structLog `json:"structLogs"`
}

type structLog struct {
	PC      uint64  `json:"pc"`
	Op      string  `json:"op"`
	Gas     uint64  `json:"gas"`
	GasCost uint64  `json:"gasCost"`
	Depth   uint64  `json:"depth"`
	MemSize uint64  `json:"memSize"`
	Refund  *uint64 `json:"refund,omitempty"`
	Error   *string `json:"error,omitempty"`
}

func traceParams(hash string) []any {
	return []any{
		hash,
		map[string]any{
			"disableStorage":   true,
			"disableStack":     true,
			"disableMemory":    true,
			"enableReturnData": false,
		},
	}
}

type traceEvm struct {
	parent *TraceReplay
	env    replay.BlockEnv
}

// Transact replays tx's recorded structlog through hooks, synthesizing
// call enter/exit events from depth changes.
func (e *traceEvm) Transact(ctx context.Context, tx replay.Transaction, gasLimit uint64, hooks inspector.Hooks) (replay.ExecutionOutcome, error) {
	var result traceResult

	call := ethrpc.NewCallBuilder[traceResult]("debug_traceTransaction", nil, traceParams(tx.Hash.Hex())...)
	if _, err := e.parent.provider.Do(ctx, call.Into(&result)); err != nil {
		return replay.ExecutionOutcome{}, fmt.Errorf("tracing %s: %w", tx.Hash, err)
	}

	hooks.OnTxStart(inspector.TxContext{
		Hash:         tx.Hash,
		From:         tx.From,
		To:           tx.To,
		Input:        tx.Input,
		GasLimit:     tx.GasLimit,
		IntrinsicGas: replay.IntrinsicGas(&tx),
	})

	contract := contractAddress(&tx)
	status := e.replaySteps(result.StructLogs, contract, hooks)

	if !result.Failed {
		status = inspector.StatusSuccess
	}

	hooks.OnTxEnd(inspector.TxResult{
		Status:  status,
		GasUsed: result.Gas,
		Refund:  lastRefund(result.StructLogs),
	})

	return replay.ExecutionOutcome{Status: status, GasUsed: result.Gas}, nil
}

// replaySteps walks the structlog in order, emitting steps and deriving
// call enter/exit events from depth transitions the way the recorded
// trace encodes them (entry depth is 1; a call-family opcode followed by
// depth+1 opened a frame). Returns the failure status implied by the
// final step's error, defaulting to revert.
func (e *traceEvm) replaySteps(logs []structLog, contract common.Address, hooks inspector.Hooks) inspector.TxStatus {
	prevDepth := uint64(1)

	var pendingCall *structLog

	var lastError *string

	for i := range logs {
		sl := &logs[i]

		if sl.Depth > prevDepth && pendingCall != nil {
			hooks.OnCallEnter(inspector.CallEnter{
				Type:        callTypeForOpcode(pendingCall.Op),
				Depth:       sl.Depth,
				GasProvided: pendingCall.GasCost,
			})
		}

		for d := prevDepth; d > sl.Depth; d-- {
			hooks.OnCallExit(inspector.CallExit{Depth: d, Success: lastError == nil})
		}

		hooks.OnStep(inspector.Step{
			PC:          sl.PC,
			Opcode:      sl.Op,
			Depth:       sl.Depth,
			Gas:         sl.Gas,
			BaseCost:    sl.GasCost,
			MemoryWords: (sl.MemSize + 31) / 32,
			Contract:    contract,
		})

		if isCallFamilyOpcode(sl.Op) {
			pendingCall = sl
		} else {
			pendingCall = nil
		}

		lastError = sl.Error
		prevDepth = sl.Depth
	}

	for d := prevDepth; d > 1; d-- {
		hooks.OnCallExit(inspector.CallExit{Depth: d, Success: lastError == nil})
	}

	if lastError != nil && *lastError == "out of gas" {
		return inspector.StatusHalt
	}

	return inspector.StatusRevert
}

// lastRefund returns the refund counter of the last structlog entry that
// reports one, or zero when none does.
func lastRefund(logs []structLog) uint64 {
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i].Refund != nil {
			return *logs[i].Refund
		}
	}

	return 0
}

func isCallFamilyOpcode(op string) bool {
	switch op {
	case inspector.OpcodeCALL, inspector.OpcodeCALLCODE, inspector.OpcodeDELEGATECALL,
		inspector.OpcodeSTATICCALL, inspector.OpcodeCREATE, inspector.OpcodeCREATE2:
		return true
	default:
		return false
	}
}

func callTypeForOpcode(op string) inspector.CallType {
	switch op {
	case inspector.OpcodeDELEGATECALL:
		return inspector.CallTypeDelegateCall
	case inspector.OpcodeSTATICCALL:
		return inspector.CallTypeStaticCall
	case inspector.OpcodeCREATE:
		return inspector.CallTypeCreate
	case inspector.OpcodeCREATE2:
		return inspector.CallTypeCreate2
	default:
		return inspector.CallTypeCall
	}
}

func contractAddress(tx *replay.Transaction) common.Address {
	if tx.To != nil {
		return *tx.To
	}

	return common.Address{}
}
