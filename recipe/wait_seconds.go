package recipe

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// waitForTimeAction holds the recipe for a fixed duration. The countdown
// measures active time only: pausing freezes the remaining duration and
// resuming restarts from it, so time spent paused never counts toward the
// wait.
type waitForTimeAction struct {
	cols []string

	mu        sync.Mutex
	timer     *time.Timer
	deadline  time.Time
	remaining time.Duration
	done      func()
}

func newWaitForTimeAction(cols []string) *waitForTimeAction {
	return &waitForTimeAction{cols: cols}
}

func (a *waitForTimeAction) Kind() Kind { return KindWaitForTime }

func (a *waitForTimeAction) Validate(step Step) error {
	raw, ok := firstCell(step, a.cols)
	if !ok {
		return ErrEmptyStep
	}

	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrNotANumber, raw)
	}
	if secs <= 0 {
		return fmt.Errorf("%w: duration %v must be positive", ErrValueOutOfRange, secs)
	}

	return nil
}

func (a *waitForTimeAction) Run(step Step, done func()) error {
	raw, ok := firstCell(step, a.cols)
	if !ok {
		return ErrEmptyStep
	}

	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrNotANumber, raw)
	}
	if secs <= 0 {
		return fmt.Errorf("%w: duration %v must be positive", ErrValueOutOfRange, secs)
	}

	d := time.Duration(secs * float64(time.Second))

	a.mu.Lock()
	a.done = done
	a.remaining = 0
	a.deadline = time.Now().Add(d)
	a.timer = time.AfterFunc(d, a.fire)
	a.mu.Unlock()

	return nil
}

func (a *waitForTimeAction) fire() {
	a.mu.Lock()
	done := a.done
	a.done = nil
	a.timer = nil
	a.mu.Unlock()

	if done != nil {
		done()
	}
}

// Pause freezes the countdown, capturing the unexpired remainder. It returns
// false when the countdown already fired, so nothing was left to suspend.
func (a *waitForTimeAction) Pause() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer == nil || !a.timer.Stop() {
		return false
	}

	a.remaining = time.Until(a.deadline)
	a.timer = nil

	return true
}

// Resume restarts the countdown from the remainder captured by Pause.
func (a *waitForTimeAction) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil || a.done == nil || a.remaining <= 0 {
		return
	}

	a.deadline = time.Now().Add(a.remaining)
	a.timer = time.AfterFunc(a.remaining, a.fire)
	a.remaining = 0
}

// Stop cancels the countdown and discards the completion callback.
func (a *waitForTimeAction) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.remaining = 0
	a.done = nil
}

// Remaining reports the unexpired wait duration, whether counting down or
// paused. It returns zero once the wait completes or is stopped.
func (a *waitForTimeAction) Remaining() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		if left := time.Until(a.deadline); left > 0 {
			return left
		}

		return 0
	}

	return a.remaining
}
