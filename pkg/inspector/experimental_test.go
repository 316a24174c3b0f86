package inspector

import (
	"testing"

	"github.com/carlbeek/gasdivergence/pkg/gaspolicy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPolicy(t *testing.T, opts gaspolicy.Options) *gaspolicy.Policy {
	t.Helper()

	p, err := gaspolicy.New(opts)
	require.NoError(t, err)

	return p
}

func TestExperimentalInspector_ShadowLedger(t *testing.T) {
	policy := mustPolicy(t, gaspolicy.Options{GasMultiplier: 128})
	ei := NewExperimentalInspector(policy, DefaultFingerprintOptions())

	ei.OnTxStart(TxContext{GasLimit: 100_000, IntrinsicGas: 21_000})

	assert.Equal(t, uint64(100_000*128), ei.ExperimentalGasLimit())
	assert.Equal(t, uint64(21_000*128), ei.ExperimentalGasUsed())

	ei.OnStep(Step{PC: 0, Opcode: "PUSH1", BaseCost: 3})

	assert.Equal(t, uint64((21_000+3)*128), ei.ExperimentalGasUsed())
	assert.False(t, ei.OOGTriggered())
}

func TestExperimentalInspector_OOGAtInflatedLimit(t *testing.T) {
	policy := mustPolicy(t, gaspolicy.Options{GasMultiplier: 128, GasLimitMultiplier: 1})
	ei := NewExperimentalInspector(policy, DefaultFingerprintOptions())

	// Inflated limit equals the original limit, so the multiplied SSTORE
	// costs blow through it quickly.
	ei.OnTxStart(TxContext{GasLimit: 100_000, IntrinsicGas: 21_000})

	for pc := uint64(0); pc < 10 && !ei.OOGTriggered(); pc++ {
		ei.OnStep(Step{PC: pc, Opcode: "SSTORE", BaseCost: 20_000})
	}

	require.True(t, ei.OOGTriggered())

	ei.OnTxEnd(TxResult{Status: StatusSuccess, GasUsed: 41_000})

	facts := ei.Facts()
	require.NotNil(t, facts.OOG)
	assert.Equal(t, StatusOutOfGas, facts.Status)
	assert.Equal(t, "SSTORE", facts.OOG.Opcode)
	assert.Equal(t, PatternStorageHeavy, facts.OOG.Pattern)
	assert.Equal(t, uint64(0), facts.OOG.GasRemainingExperimental)
}

// A larger multiplier can only move the OOG point earlier, never later.
func TestExperimentalInspector_OOGMonotoneInMultiplier(t *testing.T) {
	oogStep := func(multiplier uint64) int {
		policy := mustPolicy(t, gaspolicy.Options{GasMultiplier: multiplier, GasLimitMultiplier: 1})
		ei := NewExperimentalInspector(policy, DefaultFingerprintOptions())

		ei.OnTxStart(TxContext{GasLimit: 10_000_000, IntrinsicGas: 21_000})

		for pc := 0; pc < 1_000; pc++ {
			ei.OnStep(Step{PC: uint64(pc), Opcode: "SLOAD", BaseCost: 2_100})

			if ei.OOGTriggered() {
				return pc
			}
		}

		return -1
	}

	low := oogStep(8)
	high := oogStep(64)

	require.NotEqual(t, -1, low)
	require.NotEqual(t, -1, high)
	assert.LessOrEqual(t, high, low)
}

func TestExperimentalInspector_ExemptLiteralNotMultiplied(t *testing.T) {
	policy := mustPolicy(t, gaspolicy.Options{GasMultiplier: 128, StipendMultiplier: 1.0})
	ei := NewExperimentalInspector(policy, DefaultFingerprintOptions())

	ei.OnTxStart(TxContext{GasLimit: 100_000})

	literal := uint64(gaspolicy.DefaultStipendLiteral)
	ei.OnStep(Step{PC: 0, Opcode: "CALL", BaseCost: 100, GasLiteral: &literal})

	assert.Equal(t, uint64(gaspolicy.DefaultStipendLiteral), ei.ExperimentalGasUsed())
}

func TestExperimentalInspector_RefundScaledAndCapped(t *testing.T) {
	policy := mustPolicy(t, gaspolicy.Options{GasMultiplier: 2, RefundMultiplier: 1.0})
	ei := NewExperimentalInspector(policy, DefaultFingerprintOptions())

	ei.OnTxStart(TxContext{GasLimit: 1_000_000, IntrinsicGas: 21_000})
	ei.OnStep(Step{PC: 0, Opcode: "SSTORE", BaseCost: 5_000})

	beforeRefund := ei.ExperimentalGasUsed()

	ei.OnTxEnd(TxResult{Status: StatusSuccess, GasUsed: 26_000, Refund: 4_800})

	facts := ei.Facts()

	assert.Equal(t, beforeRefund-4_800, facts.GasUsed)
	assert.Equal(t, StatusSuccess, facts.Status)
}

func TestExperimentalInspector_RefundCapAtFifth(t *testing.T) {
	policy := mustPolicy(t, gaspolicy.Options{GasMultiplier: 1, RefundMultiplier: 10.0})
	ei := NewExperimentalInspector(policy, DefaultFingerprintOptions())

	ei.OnTxStart(TxContext{GasLimit: 100_000, IntrinsicGas: 21_000})
	ei.OnStep(Step{PC: 0, Opcode: "SSTORE", BaseCost: 4_000})

	ei.OnTxEnd(TxResult{Status: StatusSuccess, GasUsed: 25_000, Refund: 100_000})

	// 25_000 used, refund capped at 25_000/5 = 5_000 despite the scaled
	// refund being far larger.
	assert.Equal(t, uint64(20_000), ei.Facts().GasUsed)
}
