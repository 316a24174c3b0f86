package inspector

import "github.com/0xsequence/ethkit/go-ethereum/common"

// oogWindowSize is how many trailing steps the pattern classifier inspects.
const oogWindowSize = 64

// windowStep is one entry of the sliding step window kept by the
// experimental pass for OOG pattern classification.
type windowStep struct {
	PC          uint64
	Opcode      string
	Contract    common.Address
	Depth       uint64
	MemoryWords uint64
}

// stepWindow is a fixed-size ring over the most recent steps.
type stepWindow struct {
	steps []windowStep
	next  int
	full  bool
}

func newStepWindow() *stepWindow {
	return &stepWindow{steps: make([]windowStep, oogWindowSize)}
}

func (w *stepWindow) push(s windowStep) {
	w.steps[w.next] = s
	w.next++

	if w.next == len(w.steps) {
		w.next = 0
		w.full = true
	}
}

// ordered returns the window contents oldest first.
func (w *stepWindow) ordered() []windowStep {
	if !w.full {
		return w.steps[:w.next]
	}

	out := make([]windowStep, 0, len(w.steps))
	out = append(out, w.steps[w.next:]...)
	out = append(out, w.steps[:w.next]...)

	return out
}

// classifyOOGPattern inspects the recent step window and the terminating
// step to pick the most likely out-of-gas pattern:
//
//   - MEMORY_EXPANSION: terminating opcode touches memory and the memory
//     high-water mark grew monotonically across the window;
//   - STORAGE_HEAVY: SLOAD+SSTORE account for more than half the window;
//   - CALL_CHAIN: call depth strictly increased every 4 or fewer steps;
//   - LOOP: the same (pc, contract) pair appears 3 or more times;
//   - UNKNOWN otherwise.
func classifyOOGPattern(window []windowStep, terminating Step) OOGPattern {
	if len(window) == 0 {
		return PatternUnknown
	}

	if isMemoryOpcode(terminating.Opcode) && memoryGrewMonotonically(window) {
		return PatternMemoryExpansion
	}

	if storageShare(window) > 0.5 {
		return PatternStorageHeavy
	}

	if depthClimbsEvery(window, 4) {
		return PatternCallChain
	}

	if hasRepeatedSite(window, 3) {
		return PatternLoop
	}

	return PatternUnknown
}

func memoryGrewMonotonically(window []windowStep) bool {
	grew := false

	for i := 1; i < len(window); i++ {
		if window[i].MemoryWords < window[i-1].MemoryWords {
			return false
		}

		if window[i].MemoryWords > window[i-1].MemoryWords {
			grew = true
		}
	}

	return grew
}

func storageShare(window []windowStep) float64 {
	storage := 0

	for i := range window {
		if isStorageOpcode(window[i].Opcode) {
			storage++
		}
	}

	return float64(storage) / float64(len(window))
}

// depthClimbsEvery reports whether call depth strictly increased at least
// once within every run of maxGap consecutive steps across the window.
func depthClimbsEvery(window []windowStep, maxGap int) bool {
	if len(window) < 2 {
		return false
	}

	increased := false
	sinceIncrease := 0

	for i := 1; i < len(window); i++ {
		sinceIncrease++

		if window[i].Depth > window[i-1].Depth {
			increased = true
			sinceIncrease = 0
		} else if sinceIncrease >= maxGap {
			return false
		}
	}

	return increased
}

func hasRepeatedSite(window []windowStep, minHits int) bool {
	type site struct {
		pc       uint64
		contract common.Address
	}

	seen := make(map[site]int, len(window))

	for i := range window {
		s := site{pc: window[i].PC, contract: window[i].Contract}

		seen[s]++
		if seen[s] >= minHits {
			return true
		}
	}

	return false
}
