package inspector

// callTracker tracks call frames during EVM traversal. Frames are appended
// to an ordered list as calls are entered; a depth stack of indices into
// that list lets call exits finalize the matching frame's Success flag.
type callTracker struct {
	frames []CallFrame
	stack  []int
}

func newCallTracker() *callTracker {
	return &callTracker{
		frames: make([]CallFrame, 0, 16),
		stack:  make([]int, 0, 8),
	}
}

// enter records a new frame and pushes it on the depth stack.
func (ct *callTracker) enter(call CallEnter) {
	ct.frames = append(ct.frames, CallFrame{
		From:        call.From,
		To:          call.To,
		Type:        call.Type,
		Depth:       call.Depth,
		GasProvided: call.GasProvided,
	})
	ct.stack = append(ct.stack, len(ct.frames)-1)
}

// exit finalizes the most recently entered open frame. Exits arriving with
// an empty stack are ignored rather than panicking; the host may emit a
// top-level exit for the transaction frame itself.
func (ct *callTracker) exit(exit CallExit) {
	if len(ct.stack) == 0 {
		return
	}

	idx := ct.stack[len(ct.stack)-1]
	ct.stack = ct.stack[:len(ct.stack)-1]

	ct.frames[idx].Success = exit.Success
}

// depth returns the current open-frame depth.
func (ct *callTracker) depth() int {
	return len(ct.stack)
}

// finalize closes any frames left open (host aborted mid-call, e.g. on a
// top-level halt) as failed and returns the ordered frame list.
func (ct *callTracker) finalize() []CallFrame {
	for len(ct.stack) > 0 {
		ct.exit(CallExit{Success: false})
	}

	return ct.frames
}
