// Package recipe implements the step sequencer that automates device
// operations over time: an ordered list of steps dispatched one at a time by
// an engine with validate/run/pause/resume/stop semantics, an action catalog
// covering setpoints, rate limits, shutters, three wait variants and loops,
// and a CSV round-trip for operator-authored recipe files.
package recipe

import (
	"errors"
	"fmt"
	"strconv"
)

// Kind names a recipe action.
type Kind string

// The action catalog. CSV files and operator tables use these exact tokens.
const (
	KindSetpoint                Kind = "SETPOINT"
	KindRateLimit               Kind = "RATE_LIMIT"
	KindShutter                 Kind = "SHUTTER"
	KindWaitUntilSetpoint       Kind = "WAIT_UNTIL_SETPOINT"
	KindWaitUntilSetpointStable Kind = "WAIT_UNTIL_SETPOINT_STABLE"
	KindWaitForTime             Kind = "WAIT_FOR_TIME_SECONDS"
	KindLoop                    Kind = "LOOP"
	KindEndLoop                 Kind = "END_LOOP"
)

// Kinds returns the action catalog in its canonical order.
func Kinds() []Kind {
	return []Kind{
		KindSetpoint,
		KindRateLimit,
		KindShutter,
		KindWaitUntilSetpoint,
		KindWaitUntilSetpointStable,
		KindWaitForTime,
		KindLoop,
		KindEndLoop,
	}
}

// Shutter cell tokens. A blank cell is a per-source no-op.
const (
	ShutterCellOpen  = "OPEN"
	ShutterCellClose = "CLOSE"
)

// Validation and execution sentinel errors.
var (
	ErrUnknownAction       = errors.New("recipe: unknown action")
	ErrUnknownColumn       = errors.New("recipe: cell references unknown device")
	ErrNotANumber          = errors.New("recipe: cell value is not a number")
	ErrValueOutOfRange     = errors.New("recipe: cell value out of range")
	ErrEmptyStep           = errors.New("recipe: step has no populated cells")
	ErrUnknownShutterState = errors.New("recipe: unknown shutter state")
	ErrUnbalancedLoop      = errors.New("recipe: LOOP/END_LOOP not paired")
	ErrNestedLoop          = errors.New("recipe: nested loops are not supported")

	ErrAlreadyRunning = errors.New("recipe: engine already running")
	ErrNotRunning     = errors.New("recipe: engine not running")
	ErrNotPaused      = errors.New("recipe: engine not paused")
	ErrNotWaitAction  = errors.New("recipe: current action is not pausable")
)

// Step is one row of a recipe: an action kind plus the per-device parameter
// cells, keyed by device (column) name. Empty cells mean "not referenced".
// Index is the step's position in its recipe; the engine fills it in at
// dispatch time.
type Step struct {
	Kind  Kind
	Cells map[string]string
	Index int
}

// Cell returns the trimmed cell for column name; ok is false for blank or
// missing cells.
func (s Step) Cell(name string) (string, bool) {
	v, present := s.Cells[name]
	if !present || v == "" {
		return "", false
	}

	return v, true
}

// Recipe is an ordered sequence of steps over a fixed set of device columns.
type Recipe struct {
	Columns []string
	Steps   []Step
}

// Action is one entry of the engine's action catalog.
//
// Run executes the step; instantaneous actions call done synchronously before
// returning, wait actions call it asynchronously when their completion
// condition is met. A Run error aborts the recipe before any further device
// write.
type Action interface {
	Kind() Kind
	Validate(step Step) error
	Run(step Step, done func()) error
}

// WaitAction is an Action whose Run completes asynchronously and which can be
// suspended and cancelled mid-flight.
//
// Pause reports whether an in-flight wait was actually suspended; it returns
// false when the wait has already completed (or was never started), so a
// caller cannot believe it paused a wait whose completion callback is already
// on its way.
type WaitAction interface {
	Action
	Pause() bool
	Resume()
	Stop()
}

// numericCells parses every populated cell of step as a float, keyed by
// column name. Columns must exist in cols; at least one cell must be
// populated.
func numericCells(step Step, cols []string) (map[string]float64, error) {
	known := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		known[c] = struct{}{}
	}

	values := make(map[string]float64)
	for name, raw := range step.Cells {
		if raw == "" {
			continue
		}
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
		}

		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q for %q", ErrNotANumber, raw, name)
		}
		values[name] = v
	}

	if len(values) == 0 {
		return nil, ErrEmptyStep
	}

	return values, nil
}

// firstCell returns the first populated cell in column order.
func firstCell(step Step, cols []string) (string, bool) {
	for _, name := range cols {
		if v, ok := step.Cell(name); ok {
			return v, true
		}
	}

	return "", false
}
