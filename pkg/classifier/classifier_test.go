package classifier

import (
	"testing"
	"time"

	"github.com/0xsequence/ethkit/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlbeek/gasdivergence/pkg/inspector"
)

func successFacts(gasUsed uint64, totalOps uint64) inspector.TxFacts {
	ops := inspector.NewOperationCounts()
	ops.Counts[inspector.CategoryTOTAL] = totalOps

	return inspector.TxFacts{
		Status:  inspector.StatusSuccess,
		GasUsed: gasUsed,
		Ops:     ops,
	}
}

func txMeta() TxMeta {
	return TxMeta{
		BlockNumber: 19_000_000,
		TxIndex:     3,
		TxHash:      common.HexToHash("0xabcd"),
		Input:       []byte{0xa9, 0x05, 0x9c, 0xbb, 0x00, 0x01},
	}
}

// Pure value transfer: both passes identical, ratio exactly 1.0 after
// dividing out the multiplier. No record.
func TestClassify_IdenticalTransfer(t *testing.T) {
	c := New(128)

	normal := successFacts(21_000, 0)
	experimental := successFacts(21_000*128, 0)

	assert.Nil(t, c.Classify(txMeta(), normal, experimental))
}

func TestClassify_ZeroGasBothPasses(t *testing.T) {
	c := New(128)

	assert.Nil(t, c.Classify(txMeta(), successFacts(0, 0), successFacts(0, 0)))
}

func TestClassify_StatusDivergence(t *testing.T) {
	c := New(128)

	normal := successFacts(40_000, 10)
	experimental := successFacts(40_000*128, 10)
	experimental.Status = inspector.StatusOutOfGas
	experimental.OOG = &inspector.OutOfGasInfo{
		Opcode:  "SSTORE",
		Pattern: inspector.PatternStorageHeavy,
	}

	div := c.Classify(txMeta(), normal, experimental)
	require.NotNil(t, div)
	assert.True(t, div.HasType(DivergenceStatus))
	assert.True(t, div.HasType(DivergenceOutOfGas))
	require.NotNil(t, div.OOG)
	assert.Equal(t, inspector.PatternStorageHeavy, div.OOG.Pattern)
}

func TestClassify_NoOOGDimensionWhenNormalAlreadyFailed(t *testing.T) {
	c := New(128)

	normal := successFacts(40_000, 10)
	normal.Status = inspector.StatusOutOfGas

	experimental := successFacts(40_000*128, 10)
	experimental.Status = inspector.StatusOutOfGas
	experimental.OOG = &inspector.OutOfGasInfo{Opcode: "SSTORE"}

	div := c.Classify(txMeta(), normal, experimental)
	if div != nil {
		assert.False(t, div.HasType(DivergenceOutOfGas))
	}
}

func TestClassify_GasPatternOnRatio(t *testing.T) {
	c := New(128)

	// Same op counts, but the experimental pass burns 20% more gas than
	// the multiplier accounts for: a ratio well above 1.05 once normalized.
	normal := successFacts(900_000, 1_000)
	experimental := successFacts(900_000*128, 1_000)
	experimental.GasUsed = uint64(float64(experimental.GasUsed) * 1.2)

	div := c.Classify(txMeta(), normal, experimental)
	require.NotNil(t, div)
	assert.True(t, div.HasType(DivergenceGasPattern))
	assert.InDelta(t, 1.2, div.GasAnalysis.GasEfficiencyRatio, 1e-9)
}

func TestClassify_GasPatternOnCategoryDelta(t *testing.T) {
	c := New(128)

	normal := successFacts(500_000, 200)
	normal.Ops.Counts[inspector.CategorySSTORE] = 100

	experimental := successFacts(500_000*128, 200)
	experimental.Ops.Counts[inspector.CategorySSTORE] = 80

	div := c.Classify(txMeta(), normal, experimental)
	require.NotNil(t, div)
	assert.Equal(t, []DivergenceType{DivergenceGasPattern}, div.Types)
}

func TestClassify_SmallCategoryDeltaIgnored(t *testing.T) {
	c := New(128)

	// A delta of 2 is under the minimum absolute delta of 4 even though
	// it is a large relative change.
	normal := successFacts(100_000, 50)
	normal.Ops.Counts[inspector.CategorySLOAD] = 3

	experimental := successFacts(100_000*128, 50)
	experimental.Ops.Counts[inspector.CategorySLOAD] = 1

	assert.Nil(t, c.Classify(txMeta(), normal, experimental))
}

func TestClassify_StateRootAndLocation(t *testing.T) {
	c := New(128)

	steps := []inspector.StepRecord{
		{PC: 0, Opcode: "PUSH1", Depth: 1},
		{PC: 2, Opcode: "SSTORE", Depth: 1},
	}

	normal := successFacts(60_000, 2)
	normal.Steps = steps
	normal.PostStateFingerprint = common.HexToHash("0x01")

	experimental := successFacts(60_000*128, 2)
	experimental.Steps = steps
	experimental.PostStateFingerprint = common.HexToHash("0x02")

	div := c.Classify(txMeta(), normal, experimental)
	require.NotNil(t, div)
	assert.True(t, div.HasType(DivergenceStateRoot))
	// Identical op sequences: no location.
	assert.Nil(t, div.Location)
}

func TestClassify_LocationAtFirstDifferingStep(t *testing.T) {
	c := New(128)

	normal := successFacts(60_000, 3)
	normal.Steps = []inspector.StepRecord{
		{PC: 0, Opcode: "PUSH1", Depth: 1},
		{PC: 2, Opcode: "SSTORE", Depth: 1},
		{PC: 3, Opcode: "STOP", Depth: 1},
	}
	normal.PostStateFingerprint = common.HexToHash("0x01")

	experimental := successFacts(60_000*128, 2)
	experimental.Steps = []inspector.StepRecord{
		{PC: 0, Opcode: "PUSH1", Depth: 1},
		{PC: 2, Opcode: "REVERT", Depth: 1},
	}
	experimental.PostStateFingerprint = common.HexToHash("0x02")

	div := c.Classify(txMeta(), normal, experimental)
	require.NotNil(t, div)
	require.NotNil(t, div.Location)
	assert.Equal(t, uint64(2), div.Location.PC)
	assert.Equal(t, "SSTORE", div.Location.Opcode)
	assert.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, div.Location.FunctionSelector)
}

func TestClassify_EventLogsAndCallTree(t *testing.T) {
	c := New(128)

	normal := successFacts(80_000, 20)
	normal.Logs = []inspector.EventLog{{Address: common.HexToAddress("0x01")}}
	normal.Calls = []inspector.CallFrame{{Type: inspector.CallTypeCall, Depth: 1, Success: true}}

	experimental := successFacts(80_000*128, 20)
	experimental.Calls = []inspector.CallFrame{{Type: inspector.CallTypeCall, Depth: 1, Success: false}}

	div := c.Classify(txMeta(), normal, experimental)
	require.NotNil(t, div)
	assert.True(t, div.HasType(DivergenceEventLogs))
	assert.True(t, div.HasType(DivergenceCallTree))
	require.NotNil(t, div.CallTrees)
	require.NotNil(t, div.EventLogs)
	assert.Len(t, div.EventLogs.Normal, 1)
	assert.Empty(t, div.EventLogs.Experimental)
}

func TestClassify_CallTreeIgnoresGasProvided(t *testing.T) {
	c := New(128)

	normal := successFacts(80_000, 20)
	normal.Calls = []inspector.CallFrame{{Type: inspector.CallTypeCall, Depth: 1, GasProvided: 50_000, Success: true}}

	experimental := successFacts(80_000*128, 20)
	experimental.Calls = []inspector.CallFrame{{Type: inspector.CallTypeCall, Depth: 1, GasProvided: 6_400_000, Success: true}}

	assert.Nil(t, c.Classify(txMeta(), normal, experimental))
}

// Classifier idempotence: identical inputs give identical outputs apart
// from the wall-clock timestamp, which is pinned here.
func TestClassify_Idempotent(t *testing.T) {
	c := New(128)
	c.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	normal := successFacts(900_000, 1_000)
	experimental := successFacts(900_000*128, 900)
	experimental.GasUsed = uint64(float64(experimental.GasUsed) * 1.3)

	first := c.Classify(txMeta(), normal, experimental)
	second := c.Classify(txMeta(), normal, experimental)

	require.NotNil(t, first)
	assert.Equal(t, first, second)
}

func TestClassify_TypesSorted(t *testing.T) {
	c := New(128)

	normal := successFacts(40_000, 10)
	normal.PostStateFingerprint = common.HexToHash("0x01")

	experimental := successFacts(40_000*128, 10)
	experimental.Status = inspector.StatusRevert
	experimental.PostStateFingerprint = common.HexToHash("0x02")

	div := c.Classify(txMeta(), normal, experimental)
	require.NotNil(t, div)
	require.NotEmpty(t, div.Types)

	for i := 1; i < len(div.Types); i++ {
		assert.LessOrEqual(t, string(div.Types[i-1]), string(div.Types[i]))
	}
}

func TestGasLoopCandidate(t *testing.T) {
	c := New(128)

	contract := common.HexToAddress("0xbeef")

	normal := successFacts(900_000, 1_000)
	normal.Steps = []inspector.StepRecord{{PC: 0, Opcode: "PUSH1", Contract: contract, Depth: 1}}

	experimental := successFacts(900_000*128, 700)
	experimental.Steps = normal.Steps

	obs := c.GasLoopCandidate(txMeta(), normal, experimental)
	require.NotNil(t, obs)
	assert.Equal(t, contract, obs.Contract)
	assert.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, obs.Selector)
	assert.Equal(t, uint64(19_000_000), obs.FirstBlock)
	assert.InDelta(t, 0.7, obs.ObservedThreshold, 1e-9)
}

func TestGasLoopCandidate_AboveThreshold(t *testing.T) {
	c := New(128)

	normal := successFacts(900_000, 1_000)
	experimental := successFacts(900_000*128, 950)

	assert.Nil(t, c.GasLoopCandidate(txMeta(), normal, experimental))
}

func TestGasLoopCandidate_DifferentCallTrees(t *testing.T) {
	c := New(128)

	normal := successFacts(900_000, 1_000)
	normal.Calls = []inspector.CallFrame{{Type: inspector.CallTypeCall, Depth: 1, Success: true}}

	experimental := successFacts(900_000*128, 500)

	assert.Nil(t, c.GasLoopCandidate(txMeta(), normal, experimental))
}
