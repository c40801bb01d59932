package recipe

import (
	"fmt"
	"sync"
	"time"

	"github.com/lattice-mbe/lattice/device"
)

// waitUntilSetpointAction writes the cell values as setpoints and then holds
// the recipe until every referenced source has reached its target. A source
// counts as arrived when its process variable is within the source's
// stability tolerance of the target; with requireStable set the source must
// additionally hold the stability latch, so a source that wanders back out
// re-enters the pending set.
type waitUntilSetpointAction struct {
	kind          Kind
	reg           *device.Registry
	cols          []string
	requireStable bool
	interval      time.Duration

	mu       sync.Mutex
	targets  map[string]float64
	arrived  map[string]struct{}
	done     func()
	stopCh   chan struct{}
	checking bool
}

func newWaitUntilSetpointAction(reg *device.Registry, cols []string, requireStable bool, interval time.Duration) *waitUntilSetpointAction {
	kind := KindWaitUntilSetpoint
	if requireStable {
		kind = KindWaitUntilSetpointStable
	}

	return &waitUntilSetpointAction{
		kind:          kind,
		reg:           reg,
		cols:          cols,
		requireStable: requireStable,
		interval:      interval,
	}
}

func (a *waitUntilSetpointAction) Kind() Kind { return a.kind }

func (a *waitUntilSetpointAction) Validate(step Step) error {
	values, err := numericCells(step, a.cols)
	if err != nil {
		return err
	}

	for name, v := range values {
		src, ok := a.reg.Source(name)
		if !ok {
			return fmt.Errorf("%w: source %q", ErrUnknownColumn, name)
		}
		if v < 0 || v > src.MaxSetpoint() {
			return fmt.Errorf("%w: setpoint %v for %q outside [0, %v]",
				ErrValueOutOfRange, v, name, src.MaxSetpoint())
		}
	}

	return nil
}

func (a *waitUntilSetpointAction) Run(step Step, done func()) error {
	values, err := numericCells(step, a.cols)
	if err != nil {
		return err
	}

	for name, v := range values {
		src, ok := a.reg.Source(name)
		if !ok {
			return fmt.Errorf("%w: source %q", ErrUnknownColumn, name)
		}
		if err := src.SetSetpoint(v); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.targets = values
	a.arrived = make(map[string]struct{}, len(values))
	a.done = done
	a.startChecker()
	a.mu.Unlock()

	return nil
}

// startChecker launches the periodic arrival check. Callers hold a.mu.
func (a *waitUntilSetpointAction) startChecker() {
	if a.checking {
		return
	}
	a.checking = true
	a.stopCh = make(chan struct{})

	go a.checkLoop(a.stopCh)
}

// stopChecker halts the periodic check. Callers hold a.mu.
func (a *waitUntilSetpointAction) stopChecker() {
	if !a.checking {
		return
	}
	a.checking = false
	close(a.stopCh)
	a.stopCh = nil
}

func (a *waitUntilSetpointAction) checkLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if done := a.check(); done != nil {
				done()
				return
			}
		}
	}
}

// check updates the arrived set from live source state and, once every target
// has arrived, tears the wait down and returns the completion callback.
func (a *waitUntilSetpointAction) check() func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done == nil {
		return nil
	}

	for name, target := range a.targets {
		src, ok := a.reg.Source(name)
		if !ok {
			continue
		}

		st := src.State()
		at := absDiff(st.ProcessVariable, target) <= src.StabilityTolerance()
		if a.requireStable {
			at = at && st.IsStable
		}

		if at {
			a.arrived[name] = struct{}{}
		} else {
			delete(a.arrived, name)
		}
	}

	if len(a.arrived) != len(a.targets) {
		return nil
	}

	done := a.done
	a.done = nil
	a.stopChecker()

	return done
}

// Pause suspends the arrival check; partial arrivals are kept. It returns
// false when the wait already completed, so nothing was left to suspend.
func (a *waitUntilSetpointAction) Pause() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done == nil {
		return false
	}
	a.stopChecker()

	return true
}

// Resume restarts the arrival check where Pause left it.
func (a *waitUntilSetpointAction) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done == nil {
		return
	}
	a.startChecker()
}

// Stop cancels the wait and discards the completion callback.
func (a *waitUntilSetpointAction) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopChecker()
	a.done = nil
	a.targets = nil
	a.arrived = nil
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}

	return b - a
}
