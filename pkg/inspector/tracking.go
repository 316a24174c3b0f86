package inspector

// TrackingInspector is the baseline-pass instrumentation. It tallies
// operation counts, records call frames and event logs in order, keeps the
// compact step sequence, and fingerprints the touched state at transaction
// end. It never alters gas, control flow, or state.
type TrackingInspector struct {
	fpOpts FingerprintOptions

	tx      TxContext
	ops     OperationCounts
	tracker *callTracker
	logs    []EventLog
	steps   []StepRecord
	facts   TxFacts
	done    bool
}

// NewTrackingInspector returns a fresh baseline-pass inspector. One
// instance observes exactly one transaction.
func NewTrackingInspector(fpOpts FingerprintOptions) *TrackingInspector {
	return &TrackingInspector{
		fpOpts:  fpOpts,
		ops:     NewOperationCounts(),
		tracker: newCallTracker(),
		logs:    make([]EventLog, 0, 8),
		steps:   make([]StepRecord, 0, 256),
	}
}

// OnTxStart records the transaction context.
func (t *TrackingInspector) OnTxStart(tx TxContext) {
	t.tx = tx
}

// OnStep tallies one executed opcode.
func (t *TrackingInspector) OnStep(step Step) {
	t.ops.Observe(step.Opcode, step.MemoryWords)
	t.steps = append(t.steps, StepRecord{
		PC:       step.PC,
		Opcode:   step.Opcode,
		Contract: step.Contract,
		Depth:    step.Depth,
	})
}

// OnCallEnter records a new call frame.
func (t *TrackingInspector) OnCallEnter(call CallEnter) {
	t.tracker.enter(call)
}

// OnCallExit finalizes the matching frame's success flag.
func (t *TrackingInspector) OnCallExit(exit CallExit) {
	t.tracker.exit(exit)
}

// OnLog appends one emitted event log.
func (t *TrackingInspector) OnLog(log EventLog) {
	t.logs = append(t.logs, log)
}

// OnTxEnd fingerprints the touched state and freezes the facts.
func (t *TrackingInspector) OnTxEnd(result TxResult) {
	t.facts = TxFacts{
		Status:               result.Status,
		GasUsed:              result.GasUsed,
		Ops:                  t.ops,
		Calls:                t.tracker.finalize(),
		Logs:                 t.logs,
		Steps:                t.steps,
		PostStateFingerprint: Fingerprint(result.Touched, t.fpOpts),
	}
	t.done = true
}

// Facts returns the frozen per-transaction facts. Valid after OnTxEnd.
func (t *TrackingInspector) Facts() TxFacts {
	return t.facts
}

// Done reports whether OnTxEnd has been observed.
func (t *TrackingInspector) Done() bool {
	return t.done
}
