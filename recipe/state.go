package recipe

// RunState represents the recipe engine's execution state.
type RunState uint32

// Engine states. The only legal transitions are Idle → Running,
// Running ⇄ Paused, and Running/Paused → Idle (stop or natural completion).
const (
	// IdleState indicates no recipe is executing.
	IdleState RunState = iota
	// RunningState indicates steps are being dispatched.
	RunningState
	// PausedState indicates the active wait action is suspended.
	PausedState
)

// IsIdle returns if the current state is idle.
func (s RunState) IsIdle() bool { return s == IdleState }

// IsRunning returns if the current state is running.
func (s RunState) IsRunning() bool { return s == RunningState }

// IsPaused returns if the current state is paused.
func (s RunState) IsPaused() bool { return s == PausedState }

// String returns string representation of the current state.
func (s RunState) String() string {
	switch s {
	case IdleState:
		return "idle"
	case RunningState:
		return "running"
	case PausedState:
		return "paused"
	default:
		return "unknown"
	}
}

// StateChangeHandler is invoked on every engine state change.
//
// Note: the handler is invoked synchronously; take care with long-running
// implementations.
type StateChangeHandler func(prev RunState, next RunState)

// StepHandler is invoked when the engine dispatches a step, with the step's
// index. External displays use it to highlight the active row.
type StepHandler func(step int)

// LoopHandler is invoked when a LOOP step begins an iteration, with the
// 1-based iteration number.
type LoopHandler func(iteration int)
