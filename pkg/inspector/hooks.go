package inspector

// Hooks is the capability contract both passes implement. The host's EVM
// (or a structlog replay adapter) drives it in step order: OnTxStart once,
// then OnStep/OnCallEnter/OnCallExit/OnLog interleaved as execution
// proceeds, then OnTxEnd once. Implementations must not alter control
// flow, gas, or state of the underlying execution.
type Hooks interface {
	OnTxStart(tx TxContext)
	OnStep(step Step)
	OnCallEnter(call CallEnter)
	OnCallExit(exit CallExit)
	OnLog(log EventLog)
	OnTxEnd(result TxResult)
}
