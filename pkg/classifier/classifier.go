package classifier

import (
	"bytes"
	"math"
	"sort"
	"time"

	"github.com/carlbeek/gasdivergence/pkg/inspector"
)

const (
	// ratioThreshold is the tolerance on |gas_efficiency_ratio - 1.0|
	// before GAS_PATTERN fires.
	ratioThreshold = 0.05

	// countThreshold is the relative per-category and TOTAL op-count
	// tolerance before GAS_PATTERN fires.
	countThreshold = 0.05

	// countMinDelta is the minimum absolute per-category delta required
	// alongside countThreshold, filtering noise on tiny counts.
	countMinDelta = 4

	// gasLoopThreshold flags a gasleft()-bounded loop candidate when the
	// experimental pass executes under this share of the normal pass's
	// TOTAL ops with an identical call tree.
	gasLoopThreshold = 0.8

	selectorLength = 4
)

// Classifier compares paired per-transaction facts and emits at most one
// Divergence per transaction. It is stateless and safe for concurrent use.
type Classifier struct {
	gasMultiplier uint64
	now           func() time.Time
}

// New returns a Classifier stamping records with gasMultiplier.
func New(gasMultiplier uint64) *Classifier {
	return &Classifier{
		gasMultiplier: gasMultiplier,
		now:           time.Now,
	}
}

// Classify compares the two passes' facts for one transaction. It returns
// nil when no dimension fires. The returned record's Types set is sorted
// and non-empty.
func (c *Classifier) Classify(meta TxMeta, normal, experimental inspector.TxFacts) *Divergence {
	types := make([]DivergenceType, 0, 6)

	if normal.Status != experimental.Status {
		types = append(types, DivergenceStatus)
	}

	if normal.PostStateFingerprint != experimental.PostStateFingerprint {
		types = append(types, DivergenceStateRoot)
	}

	logsDiffer := !logsEqual(normal.Logs, experimental.Logs)
	if logsDiffer {
		types = append(types, DivergenceEventLogs)
	}

	callsDiffer := !callTreesEqual(normal.Calls, experimental.Calls)
	if callsDiffer {
		types = append(types, DivergenceCallTree)
	}

	// A transaction already OOG in the normal pass carries no signal from
	// the OOG dimension.
	if experimental.OOG != nil && normal.Status == inspector.StatusSuccess {
		types = append(types, DivergenceOutOfGas)
	}

	ratio := efficiencyRatio(normal, experimental, c.gasMultiplier)
	if gasPatternFires(ratio, normal.Ops, experimental.Ops) {
		types = append(types, DivergenceGasPattern)
	}

	if len(types) == 0 {
		return nil
	}

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	div := &Divergence{
		BlockNumber: meta.BlockNumber,
		TxIndex:     meta.TxIndex,
		TxHash:      meta.TxHash,
		Timestamp:   c.now().UTC(),
		Types:       types,
		GasAnalysis: GasAnalysis{
			NormalGasUsed:       normal.GasUsed,
			ExperimentalGasUsed: experimental.GasUsed,
			GasMultiplier:       c.gasMultiplier,
			GasEfficiencyRatio:  ratio,
		},
		NormalOps:       normal.Ops,
		ExperimentalOps: experimental.Ops,
		OOG:             experimental.OOG,
		Location:        divergenceLocation(meta, normal.Steps, experimental.Steps),
	}

	if callsDiffer {
		div.CallTrees = &CallTrees{Normal: normal.Calls, Experimental: experimental.Calls}
	}

	if logsDiffer {
		div.EventLogs = &EventLogs{Normal: normal.Logs, Experimental: experimental.Logs}
	}

	return div
}

// GasLoopCandidate returns an advisory observation when the transaction
// looks like a gasleft()-bounded loop: same call tree, experimental pass
// executed under 80% of the normal pass's TOTAL ops.
func (c *Classifier) GasLoopCandidate(meta TxMeta, normal, experimental inspector.TxFacts) *GasLoopObservation {
	if !callTreesEqual(normal.Calls, experimental.Calls) {
		return nil
	}

	normalTotal := normal.Ops.Total()
	if normalTotal == 0 {
		return nil
	}

	share := float64(experimental.Ops.Total()) / float64(normalTotal)
	if share >= gasLoopThreshold {
		return nil
	}

	obs := &GasLoopObservation{
		FirstBlock:        meta.BlockNumber,
		ObservedThreshold: share,
	}

	if len(normal.Steps) > 0 {
		obs.Contract = normal.Steps[0].Contract
	}

	if len(meta.Input) >= selectorLength {
		obs.Selector = meta.Input[:selectorLength]
	}

	return obs
}

// efficiencyRatio computes (experimental / multiplier) / normal. When the
// normal pass used no gas it is 1.0 for an equally-empty experimental
// pass, +Inf otherwise.
func efficiencyRatio(normal, experimental inspector.TxFacts, multiplier uint64) float64 {
	if normal.GasUsed == 0 {
		if experimental.GasUsed == 0 {
			return 1.0
		}

		return math.Inf(1)
	}

	return (float64(experimental.GasUsed) / float64(multiplier)) / float64(normal.GasUsed)
}

func gasPatternFires(ratio float64, normal, experimental inspector.OperationCounts) bool {
	if math.Abs(ratio-1.0) > ratioThreshold {
		return true
	}

	if relativeDelta(normal.Total(), experimental.Total()) > countThreshold {
		return true
	}

	for _, cat := range inspector.Categories {
		n, e := normal.Get(cat), experimental.Get(cat)
		if absDelta(n, e) >= countMinDelta && relativeDelta(n, e) > countThreshold {
			return true
		}
	}

	return false
}

func relativeDelta(a, b uint64) float64 {
	if a == b {
		return 0
	}

	larger := math.Max(float64(a), float64(b))
	if larger == 0 {
		return 0
	}

	return math.Abs(float64(a)-float64(b)) / larger
}

func absDelta(a, b uint64) uint64 {
	if a > b {
		return a - b
	}

	return b - a
}

func logsEqual(a, b []inspector.EventLog) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i].Address != b[i].Address {
			return false
		}

		if len(a[i].Topics) != len(b[i].Topics) {
			return false
		}

		for j := range a[i].Topics {
			if a[i].Topics[j] != b[i].Topics[j] {
				return false
			}
		}

		if !bytes.Equal(a[i].Data, b[i].Data) {
			return false
		}
	}

	return true
}

// callTreesEqual compares the ordered (from, to, type, depth, success)
// tuples; gas_provided is deliberately excluded since it differs by
// construction between the two schedules.
func callTreesEqual(a, b []inspector.CallFrame) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i].From != b[i].From || a[i].To != b[i].To ||
			a[i].Type != b[i].Type || a[i].Depth != b[i].Depth ||
			a[i].Success != b[i].Success {
			return false
		}
	}

	return true
}

// divergenceLocation finds the lowest-index instruction where the two op
// sequences differ. Nil when the sequences are identical (e.g. only
// STATE_ROOT or GAS_PATTERN fired on equal traces).
func divergenceLocation(meta TxMeta, normal, experimental []inspector.StepRecord) *Location {
	limit := len(normal)
	if len(experimental) < limit {
		limit = len(experimental)
	}

	for i := 0; i < limit; i++ {
		if normal[i] != experimental[i] {
			return locationFromStep(meta, normal[i])
		}
	}

	if len(normal) != len(experimental) {
		// One sequence is a strict prefix of the other; the divergence
		// site is the first extra step of the longer trace.
		longer := normal
		if len(experimental) > len(normal) {
			longer = experimental
		}

		return locationFromStep(meta, longer[limit])
	}

	return nil
}

func locationFromStep(meta TxMeta, step inspector.StepRecord) *Location {
	loc := &Location{
		Contract:  step.Contract,
		PC:        step.PC,
		CallDepth: step.Depth,
		Opcode:    step.Opcode,
	}

	if len(meta.Input) >= selectorLength {
		loc.FunctionSelector = meta.Input[:selectorLength]
	}

	return loc
}
