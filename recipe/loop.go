package recipe

import (
	"fmt"
	"strconv"
	"sync"
)

// loopState tracks the single active LOOP block of a run. It is shared by the
// engine's LOOP and END_LOOP actions and reset on every Start.
type loopState struct {
	mu        sync.Mutex
	active    bool
	startStep int
	count     int
	remaining int
}

func (l *loopState) reset() {
	l.mu.Lock()
	l.active = false
	l.startStep = 0
	l.count = 0
	l.remaining = 0
	l.mu.Unlock()
}

// loopAction marks the start of a repeated block. The cell value is the total
// iteration count; the first pass through the step arms the loop, later
// passes (after an END_LOOP rewind) only advance the iteration number.
type loopAction struct {
	cols   []string
	state  *loopState
	notify LoopHandler
}

func newLoopAction(cols []string, state *loopState, notify LoopHandler) *loopAction {
	return &loopAction{cols: cols, state: state, notify: notify}
}

func (a *loopAction) Kind() Kind { return KindLoop }

func (a *loopAction) Validate(step Step) error {
	raw, ok := firstCell(step, a.cols)
	if !ok {
		return ErrEmptyStep
	}

	count, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%w: loop count %q", ErrNotANumber, raw)
	}
	if count < 1 {
		return fmt.Errorf("%w: loop count %d must be at least 1", ErrValueOutOfRange, count)
	}

	return nil
}

func (a *loopAction) Run(step Step, done func()) error {
	raw, ok := firstCell(step, a.cols)
	if !ok {
		return ErrEmptyStep
	}

	count, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%w: loop count %q", ErrNotANumber, raw)
	}
	if count < 1 {
		return fmt.Errorf("%w: loop count %d must be at least 1", ErrValueOutOfRange, count)
	}

	l := a.state

	l.mu.Lock()
	if !l.active {
		l.active = true
		l.startStep = step.Index
		l.count = count
		l.remaining = count - 1
	}
	iteration := l.count - l.remaining
	l.mu.Unlock()

	if a.notify != nil {
		a.notify(iteration)
	}

	done()

	return nil
}

// endLoopAction closes the active LOOP block: while iterations remain it
// decrements the counter and rewinds the engine to the LOOP step, otherwise
// it disarms the loop and lets execution continue past it.
type endLoopAction struct {
	state  *loopState
	rewind func(step int)
}

func newEndLoopAction(state *loopState, rewind func(step int)) *endLoopAction {
	return &endLoopAction{state: state, rewind: rewind}
}

func (a *endLoopAction) Kind() Kind { return KindEndLoop }

func (a *endLoopAction) Validate(Step) error { return nil }

func (a *endLoopAction) Run(_ Step, done func()) error {
	l := a.state

	l.mu.Lock()
	if l.active && l.remaining > 0 {
		l.remaining--
		start := l.startStep
		l.mu.Unlock()

		a.rewind(start)
		done()

		return nil
	}
	l.active = false
	l.mu.Unlock()

	done()

	return nil
}
