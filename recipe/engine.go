package recipe

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lattice-mbe/lattice/device"
	"github.com/lattice-mbe/lattice/logger"
)

// DefaultCheckInterval is how often wait actions re-check their completion
// condition.
const DefaultCheckInterval = 500 * time.Millisecond

// EngineOption configures an Engine.
type EngineOption interface {
	apply(e *Engine) error
}

type engineOptFunc func(e *Engine) error

func (f engineOptFunc) apply(e *Engine) error { return f(e) }

// WithLogger sets the engine's logger. The default is the package logger.
func WithLogger(l logger.Logger) EngineOption {
	return engineOptFunc(func(e *Engine) error {
		if l == nil {
			return fmt.Errorf("logger is nil")
		}
		e.logger = l

		return nil
	})
}

// WithCheckInterval sets how often wait actions re-check their completion
// condition. The default is DefaultCheckInterval.
func WithCheckInterval(d time.Duration) EngineOption {
	return engineOptFunc(func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("check interval %v is not positive", d)
		}
		e.checkInterval = d

		return nil
	})
}

// WithStateChangeHandler registers a handler invoked on every engine state
// change.
func WithStateChangeHandler(h StateChangeHandler) EngineOption {
	return engineOptFunc(func(e *Engine) error {
		if h != nil {
			e.stateHandlers = append(e.stateHandlers, h)
		}

		return nil
	})
}

// WithStepHandler registers a handler invoked when the engine dispatches a
// step.
func WithStepHandler(h StepHandler) EngineOption {
	return engineOptFunc(func(e *Engine) error {
		if h != nil {
			e.stepHandlers = append(e.stepHandlers, h)
		}

		return nil
	})
}

// WithLoopHandler registers a handler invoked on every LOOP iteration.
func WithLoopHandler(h LoopHandler) EngineOption {
	return engineOptFunc(func(e *Engine) error {
		if h != nil {
			e.loopHandlers = append(e.loopHandlers, h)
		}

		return nil
	})
}

// Engine executes recipes against a device registry, one step at a time.
//
// A run is Idle → Running, then Running ⇄ Paused while a wait action is in
// flight, and back to Idle on completion or Stop. Instantaneous actions
// complete synchronously; wait actions hold the run until their condition is
// met. Only wait actions can be paused.
type Engine struct {
	reg           *device.Registry
	cols          []string
	actions       map[Kind]Action
	loop          *loopState
	checkInterval time.Duration
	logger        logger.Logger

	stateHandlers []StateChangeHandler
	stepHandlers  []StepHandler
	loopHandlers  []LoopHandler

	mu      sync.Mutex
	state   RunState
	rec     Recipe
	stepIdx int
	// curStep is the index of the step most recently dispatched; stepIdx is
	// the next one, which an END_LOOP rewind may move backwards.
	curStep int
	current Action
	stopCh  chan struct{}
	gen     uint64
}

// NewEngine creates an engine over reg. The recipe columns are the registry's
// sources in registration order.
func NewEngine(reg *device.Registry, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		reg:           reg,
		cols:          reg.SourceNames(),
		loop:          &loopState{},
		checkInterval: DefaultCheckInterval,
		logger:        logger.GetLogger(),
		state:         IdleState,
	}

	for _, opt := range opts {
		if err := opt.apply(e); err != nil {
			return nil, err
		}
	}

	e.actions = map[Kind]Action{
		KindSetpoint:  newSetpointAction(reg, e.cols),
		KindRateLimit: newRateLimitAction(reg, e.cols),
		KindShutter:   newShutterAction(reg, e.cols),
		KindWaitUntilSetpoint: newWaitUntilSetpointAction(
			reg, e.cols, false, e.checkInterval),
		KindWaitUntilSetpointStable: newWaitUntilSetpointAction(
			reg, e.cols, true, e.checkInterval),
		KindWaitForTime: newWaitForTimeAction(e.cols),
		KindLoop:        newLoopAction(e.cols, e.loop, e.notifyLoop),
		KindEndLoop:     newEndLoopAction(e.loop, e.rewindTo),
	}

	return e, nil
}

// Columns returns the engine's device columns.
func (e *Engine) Columns() []string { return slices.Clone(e.cols) }

// State returns the engine's current run state.
func (e *Engine) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// CurrentStep returns the index of the most recently dispatched step. It is
// only meaningful while a recipe is active.
func (e *Engine) CurrentStep() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.curStep
}

// WaitRemaining reports the unexpired countdown of an in-flight
// WAIT_FOR_TIME_SECONDS step. ok is false when the current step is not a
// timed wait; external displays poll this for the countdown readout.
func (e *Engine) WaitRemaining() (remaining time.Duration, ok bool) {
	e.mu.Lock()
	w, ok := e.current.(*waitForTimeAction)
	e.mu.Unlock()

	if !ok {
		return 0, false
	}

	return w.Remaining(), true
}

// Validate checks every step of rec against the action catalog without
// touching any device. It also enforces loop pairing: at most one LOOP block
// may be open at a time and every LOOP needs a matching END_LOOP.
func (e *Engine) Validate(rec Recipe) error {
	loopOpen := false

	for i, step := range rec.Steps {
		act, ok := e.actions[step.Kind]
		if !ok {
			return fmt.Errorf("%w: %q at step %d", ErrUnknownAction, step.Kind, i)
		}

		switch step.Kind {
		case KindLoop:
			if loopOpen {
				return fmt.Errorf("%w: step %d", ErrNestedLoop, i)
			}
			loopOpen = true
		case KindEndLoop:
			if !loopOpen {
				return fmt.Errorf("%w: END_LOOP at step %d without LOOP", ErrUnbalancedLoop, i)
			}
			loopOpen = false
		}

		if err := act.Validate(step); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}

	if loopOpen {
		return fmt.Errorf("%w: LOOP without END_LOOP", ErrUnbalancedLoop)
	}

	return nil
}

// Start validates rec and begins executing it from the first step. It returns
// ErrAlreadyRunning unless the engine is idle.
func (e *Engine) Start(rec Recipe) error {
	if err := e.Validate(rec); err != nil {
		return err
	}

	e.mu.Lock()
	if e.state != IdleState {
		e.mu.Unlock()

		return ErrAlreadyRunning
	}

	e.rec = rec
	e.stepIdx = 0
	e.curStep = 0
	e.current = nil
	e.loop.reset()
	e.gen++
	gen := e.gen
	e.state = RunningState
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info("recipe started", "steps", len(rec.Steps))
	e.notifyState(IdleState, RunningState)

	go e.run(gen)

	return nil
}

// Pause suspends the in-flight wait action. It returns ErrNotRunning unless
// the engine is running and ErrNotWaitAction if the current step cannot be
// paused.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.state != RunningState {
		e.mu.Unlock()

		return ErrNotRunning
	}

	w, ok := e.current.(WaitAction)
	if !ok {
		e.mu.Unlock()

		return ErrNotWaitAction
	}

	// The wait may have completed between its callback firing and this call;
	// refuse to report Paused while the dispatch loop is about to move on.
	if !w.Pause() {
		e.mu.Unlock()

		return ErrNotWaitAction
	}

	e.state = PausedState
	e.mu.Unlock()

	e.logger.Info("recipe paused")
	e.notifyState(RunningState, PausedState)

	return nil
}

// Resume restarts a paused wait action. It returns ErrNotPaused unless the
// engine is paused.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.state != PausedState {
		e.mu.Unlock()

		return ErrNotPaused
	}

	if w, ok := e.current.(WaitAction); ok {
		w.Resume()
	}
	e.state = RunningState
	e.mu.Unlock()

	e.logger.Info("recipe resumed")
	e.notifyState(PausedState, RunningState)

	return nil
}

// Stop aborts the active recipe. The in-flight wait action is cancelled
// before the engine resets, so a late completion callback from it cannot
// advance a stopped run. Stop on an idle engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == IdleState {
		e.mu.Unlock()

		return
	}

	if w, ok := e.current.(WaitAction); ok {
		w.Stop()
	}

	prev := e.state
	e.state = IdleState
	e.current = nil
	close(e.stopCh)
	e.mu.Unlock()

	e.logger.Info("recipe stopped")
	e.notifyState(prev, IdleState)
}

// run is the dispatch loop of one recipe generation.
func (e *Engine) run(gen uint64) {
	for {
		e.mu.Lock()
		if e.gen != gen || e.state == IdleState {
			e.mu.Unlock()

			return
		}

		if e.stepIdx >= len(e.rec.Steps) {
			e.mu.Unlock()
			e.finish(gen, nil)

			return
		}

		idx := e.stepIdx
		step := e.rec.Steps[idx]
		step.Index = idx
		act := e.actions[step.Kind]
		stopCh := e.stopCh
		e.current = act
		e.curStep = idx
		// Advance before Run so an END_LOOP rewind issued inside Run is
		// not clobbered afterwards.
		e.stepIdx++
		e.mu.Unlock()

		e.notifyStep(idx)
		e.logger.Debug("dispatching step", "step", idx, "action", step.Kind)

		done := make(chan struct{}, 1)
		err := act.Run(step, func() {
			select {
			case done <- struct{}{}:
			default:
			}
		})
		if err != nil {
			e.finish(gen, fmt.Errorf("step %d (%s): %w", idx, step.Kind, err))

			return
		}

		select {
		case <-done:
		case <-stopCh:
			return
		}
	}
}

// finish returns the engine to idle after natural completion or a step
// failure.
func (e *Engine) finish(gen uint64, cause error) {
	e.mu.Lock()
	if e.gen != gen || e.state == IdleState {
		e.mu.Unlock()

		return
	}

	prev := e.state
	e.state = IdleState
	e.current = nil
	e.mu.Unlock()

	if cause != nil {
		e.logger.Error("recipe aborted", "error", cause)
	} else {
		e.logger.Info("recipe complete")
	}

	e.notifyState(prev, IdleState)
}

// rewindTo moves the dispatch loop back to step idx. Only END_LOOP uses it.
func (e *Engine) rewindTo(idx int) {
	e.mu.Lock()
	if idx >= 0 && idx < len(e.rec.Steps) {
		e.stepIdx = idx
	}
	e.mu.Unlock()
}

func (e *Engine) notifyState(prev, next RunState) {
	for _, h := range e.stateHandlers {
		h(prev, next)
	}
}

func (e *Engine) notifyStep(idx int) {
	for _, h := range e.stepHandlers {
		h(idx)
	}
}

func (e *Engine) notifyLoop(iteration int) {
	for _, h := range e.loopHandlers {
		h(iteration)
	}
}
