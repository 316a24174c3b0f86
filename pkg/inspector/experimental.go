package inspector

import (
	"github.com/carlbeek/gasdivergence/pkg/gaspolicy"
)

// refundQuotient caps the refund credited at transaction end to one fifth
// of the gas used (EIP-3529). The shadow ledger applies the same cap to
// the scaled refund.
const refundQuotient = 5

// ExperimentalInspector is the experimental-pass instrumentation. On top
// of the tracking pass it keeps a shadow gas ledger under the policy's
// inflated schedule and detects out-of-gas against the inflated limit.
// The underlying EVM keeps metering its normal gas, so execution runs to
// its natural end and the pass stays fully observable.
type ExperimentalInspector struct {
	*TrackingInspector

	policy *gaspolicy.Policy

	expGasLimit  uint64
	expGasUsed   uint64
	window       *stepWindow
	oog          *OutOfGasInfo
	oogTriggered bool
}

// NewExperimentalInspector returns a fresh experimental-pass inspector
// metering against policy. One instance observes exactly one transaction.
func NewExperimentalInspector(policy *gaspolicy.Policy, fpOpts FingerprintOptions) *ExperimentalInspector {
	return &ExperimentalInspector{
		TrackingInspector: NewTrackingInspector(fpOpts),
		policy:            policy,
		window:            newStepWindow(),
	}
}

// OnTxStart opens the shadow ledger: the limit is the inflated
// transaction gas limit, and intrinsic gas is charged under the
// multiplied schedule up front.
func (e *ExperimentalInspector) OnTxStart(tx TxContext) {
	e.TrackingInspector.OnTxStart(tx)

	e.expGasLimit = e.policy.InflateGasLimit(tx.GasLimit)
	e.expGasUsed = e.policy.Apply(tx.IntrinsicGas, nil)
}

// OnStep charges the step's effective cost to the shadow ledger and, on
// crossing the inflated limit, classifies and records the out-of-gas site.
func (e *ExperimentalInspector) OnStep(step Step) {
	e.TrackingInspector.OnStep(step)

	e.expGasUsed += e.policy.Apply(step.BaseCost, step.GasLiteral)

	e.window.push(windowStep{
		PC:          step.PC,
		Opcode:      step.Opcode,
		Contract:    step.Contract,
		Depth:       step.Depth,
		MemoryWords: step.MemoryWords,
	})

	if !e.oogTriggered && e.expGasUsed > e.expGasLimit {
		e.oogTriggered = true
		e.oog = &OutOfGasInfo{
			Opcode:                   step.Opcode,
			PC:                       step.PC,
			Contract:                 step.Contract,
			CallDepth:                step.Depth,
			GasRemainingExperimental: 0,
			Pattern:                  classifyOOGPattern(e.window.ordered(), step),
		}
	}
}

// OnTxEnd credits the scaled refund against the shadow ledger, then
// freezes the facts with the experimental gas figure and status.
func (e *ExperimentalInspector) OnTxEnd(result TxResult) {
	refund := e.policy.ApplyRefund(result.Refund)
	if maxRefund := e.expGasUsed / refundQuotient; refund > maxRefund {
		refund = maxRefund
	}

	e.expGasUsed -= refund

	e.TrackingInspector.OnTxEnd(result)

	e.facts.GasUsed = e.expGasUsed
	e.facts.OOG = e.oog

	if e.oogTriggered {
		e.facts.Status = StatusOutOfGas
	}
}

// OOGTriggered reports whether the shadow ledger crossed the inflated limit.
func (e *ExperimentalInspector) OOGTriggered() bool {
	return e.oogTriggered
}

// ExperimentalGasUsed returns the shadow ledger's current total.
func (e *ExperimentalInspector) ExperimentalGasUsed() uint64 {
	return e.expGasUsed
}

// ExperimentalGasLimit returns the inflated per-transaction limit.
func (e *ExperimentalInspector) ExperimentalGasLimit() uint64 {
	return e.expGasLimit
}
