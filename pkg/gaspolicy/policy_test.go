package gaspolicy_test

import (
	"testing"

	"github.com/carlbeek/gasdivergence/pkg/gaspolicy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	p, err := gaspolicy.New(gaspolicy.Options{})
	require.NoError(t, err)

	assert.Equal(t, uint64(128), p.GasMultiplier())
	assert.Equal(t, uint64(128), p.GasLimitMultiplier())
	assert.True(t, p.IsExemptLiteral(gaspolicy.DefaultStipendLiteral))
	assert.False(t, p.IsExemptLiteral(9000))
}

func TestNewDefaultsZeroMultiplier(t *testing.T) {
	_, err := gaspolicy.New(gaspolicy.Options{GasMultiplier: 0, ExemptLiterals: map[uint64]struct{}{0: {}}})
	// GasMultiplier 0 is defaulted to 128, not rejected, so construction
	// succeeds.
	require.NoError(t, err)
}

func TestApplyScalesBaseCost(t *testing.T) {
	p, err := gaspolicy.New(gaspolicy.Options{GasMultiplier: 128})
	require.NoError(t, err)

	assert.Equal(t, uint64(256), p.Apply(2, nil))
}

func TestApplyExemptsStipendLiteral(t *testing.T) {
	p, err := gaspolicy.New(gaspolicy.Options{GasMultiplier: 128, StipendMultiplier: 1.0})
	require.NoError(t, err)

	literal := uint64(gaspolicy.DefaultStipendLiteral)
	assert.Equal(t, uint64(gaspolicy.DefaultStipendLiteral), p.Apply(0, &literal))
}

func TestApplyExemptLiteralUsesStipendMultiplier(t *testing.T) {
	p, err := gaspolicy.New(gaspolicy.Options{GasMultiplier: 128, StipendMultiplier: 2.0})
	require.NoError(t, err)

	literal := uint64(gaspolicy.DefaultStipendLiteral)
	assert.Equal(t, uint64(2*gaspolicy.DefaultStipendLiteral), p.Apply(0, &literal))
}

func TestApplyRefund(t *testing.T) {
	p, err := gaspolicy.New(gaspolicy.Options{RefundMultiplier: 1.5})
	require.NoError(t, err)

	assert.Equal(t, uint64(150), p.ApplyRefund(100))
}

func TestInflateGasLimit(t *testing.T) {
	p, err := gaspolicy.New(gaspolicy.Options{GasMultiplier: 128})
	require.NoError(t, err)

	assert.Equal(t, uint64(21000*128), p.InflateGasLimit(21000))
}

func TestInflateGasLimitIndependentMultiplier(t *testing.T) {
	p, err := gaspolicy.New(gaspolicy.Options{GasMultiplier: 128, GasLimitMultiplier: 4})
	require.NoError(t, err)

	assert.Equal(t, uint64(21000*4), p.InflateGasLimit(21000))
	assert.Equal(t, uint64(128), p.GasMultiplier())
}
