package recipe_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-mbe/lattice/device"
	"github.com/lattice-mbe/lattice/recipe"
)

func step(kind recipe.Kind, cells map[string]string) recipe.Step {
	return recipe.Step{Kind: kind, Cells: cells}
}

func cells(kv ...string) map[string]string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}

	return m
}

// stateRecorder funnels engine state changes into a channel the tests can
// block on.
type stateRecorder struct {
	changes chan recipe.RunState
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{changes: make(chan recipe.RunState, 16)}
}

func (r *stateRecorder) handler(_, next recipe.RunState) {
	r.changes <- next
}

func (r *stateRecorder) waitFor(t *testing.T, want recipe.RunState) {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-r.changes:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("engine never reached state %v", want)
		}
	}
}

func newTestEngine(t *testing.T, r *rig, opts ...recipe.EngineOption) (*recipe.Engine, *stateRecorder) {
	t.Helper()

	rec := newStateRecorder()
	opts = append(opts,
		recipe.WithCheckInterval(5*time.Millisecond),
		recipe.WithStateChangeHandler(rec.handler))

	eng, err := recipe.NewEngine(r.reg, opts...)
	require.NoError(t, err)

	return eng, rec
}

func TestEngineValidate(t *testing.T) {
	r := newRig(t)
	eng, _ := newTestEngine(t, r)

	tests := []struct {
		name    string
		steps   []recipe.Step
		wantErr error
	}{
		{
			"unknown action",
			[]recipe.Step{step("MELT", cells("Ga", "1"))},
			recipe.ErrUnknownAction,
		},
		{
			"negative setpoint",
			[]recipe.Step{step(recipe.KindSetpoint, cells("Ga", "-5"))},
			recipe.ErrValueOutOfRange,
		},
		{
			"setpoint above maximum",
			[]recipe.Step{step(recipe.KindSetpoint, cells("Ga", "3000"))},
			recipe.ErrValueOutOfRange,
		},
		{
			"setpoint not a number",
			[]recipe.Step{step(recipe.KindSetpoint, cells("Ga", "hot"))},
			recipe.ErrNotANumber,
		},
		{
			"setpoint without cells",
			[]recipe.Step{step(recipe.KindSetpoint, cells())},
			recipe.ErrEmptyStep,
		},
		{
			"setpoint for unknown device",
			[]recipe.Step{step(recipe.KindSetpoint, cells("In", "500"))},
			recipe.ErrUnknownColumn,
		},
		{
			"zero rate limit",
			[]recipe.Step{step(recipe.KindRateLimit, cells("Ga", "0"))},
			recipe.ErrValueOutOfRange,
		},
		{
			"bad shutter token",
			[]recipe.Step{step(recipe.KindShutter, cells("Ga", "AJAR"))},
			recipe.ErrUnknownShutterState,
		},
		{
			"wait for time must be positive",
			[]recipe.Step{step(recipe.KindWaitForTime, cells("Ga", "-1"))},
			recipe.ErrValueOutOfRange,
		},
		{
			"loop count below one",
			[]recipe.Step{
				step(recipe.KindLoop, cells("Ga", "0")),
				step(recipe.KindEndLoop, cells()),
			},
			recipe.ErrValueOutOfRange,
		},
		{
			"loop without end",
			[]recipe.Step{step(recipe.KindLoop, cells("Ga", "2"))},
			recipe.ErrUnbalancedLoop,
		},
		{
			"end without loop",
			[]recipe.Step{step(recipe.KindEndLoop, cells())},
			recipe.ErrUnbalancedLoop,
		},
		{
			"nested loop",
			[]recipe.Step{
				step(recipe.KindLoop, cells("Ga", "2")),
				step(recipe.KindLoop, cells("Ga", "2")),
				step(recipe.KindEndLoop, cells()),
				step(recipe.KindEndLoop, cells()),
			},
			recipe.ErrNestedLoop,
		},
		{
			"valid recipe",
			[]recipe.Step{
				step(recipe.KindSetpoint, cells("Ga", "500", "As", "300")),
				step(recipe.KindLoop, cells("Ga", "2")),
				step(recipe.KindShutter, cells("Ga", "OPEN")),
				step(recipe.KindWaitForTime, cells("Ga", "1.5")),
				step(recipe.KindEndLoop, cells()),
			},
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eng.Validate(recipe.Recipe{Columns: eng.Columns(), Steps: tt.steps})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestEngineRunsRecipe(t *testing.T) {
	require := require.New(t)

	r := newRig(t)
	eng, states := newTestEngine(t, r)

	rec := recipe.Recipe{
		Columns: eng.Columns(),
		Steps: []recipe.Step{
			step(recipe.KindSetpoint, cells("Ga", "500", "As", "300")),
			step(recipe.KindRateLimit, cells("Ga", "2")),
			step(recipe.KindShutter, cells("Ga", "OPEN")),
			step(recipe.KindWaitForTime, cells("Ga", "0.02")),
		},
	}

	require.NoError(eng.Start(rec))
	states.waitFor(t, recipe.RunningState)
	states.waitFor(t, recipe.IdleState)

	require.InDelta(500, r.gaPort.getFloat(regSetpoint), 1e-6)
	require.InDelta(300, r.asPort.getFloat(regSetpoint), 1e-6)
	require.InDelta(2, r.gaPort.getFloat(regRateLim), 1e-6)

	sh, ok := r.reg.Shutter("Ga")
	require.True(ok)
	require.True(sh.State().IsOpen)
}

func TestEngineLoop(t *testing.T) {
	require := require.New(t)

	r := newRig(t)

	var mu sync.Mutex
	var visited []int
	var iterations []int

	eng, states := newTestEngine(t, r,
		recipe.WithStepHandler(func(idx int) {
			mu.Lock()
			visited = append(visited, idx)
			mu.Unlock()
		}),
		recipe.WithLoopHandler(func(iter int) {
			mu.Lock()
			iterations = append(iterations, iter)
			mu.Unlock()
		}))

	rec := recipe.Recipe{
		Columns: eng.Columns(),
		Steps: []recipe.Step{
			step(recipe.KindLoop, cells("Ga", "3")),
			step(recipe.KindSetpoint, cells("Ga", "100")),
			step(recipe.KindEndLoop, cells()),
		},
	}

	require.NoError(eng.Start(rec))
	states.waitFor(t, recipe.IdleState)

	mu.Lock()
	defer mu.Unlock()
	require.Equal([]int{0, 1, 2, 0, 1, 2, 0, 1, 2}, visited)
	require.Equal([]int{1, 2, 3}, iterations)
}

func TestEngineWaitForTimePauseResume(t *testing.T) {
	require := require.New(t)

	r := newRig(t)
	eng, states := newTestEngine(t, r)

	rec := recipe.Recipe{
		Columns: eng.Columns(),
		Steps:   []recipe.Step{step(recipe.KindWaitForTime, cells("Ga", "0.05"))},
	}

	require.NoError(eng.Start(rec))
	states.waitFor(t, recipe.RunningState)

	time.Sleep(10 * time.Millisecond)
	require.NoError(eng.Pause())
	require.True(eng.State().IsPaused())

	remaining, ok := eng.WaitRemaining()
	require.True(ok)
	require.Greater(remaining, time.Duration(0))
	require.Less(remaining, 50*time.Millisecond)

	// well past the nominal duration; paused time must not count
	time.Sleep(100 * time.Millisecond)
	require.True(eng.State().IsPaused())

	require.NoError(eng.Resume())
	states.waitFor(t, recipe.IdleState)
}

func TestEngineStopCancelsWait(t *testing.T) {
	require := require.New(t)

	r := newRig(t)
	eng, states := newTestEngine(t, r)

	rec := recipe.Recipe{
		Columns: eng.Columns(),
		Steps: []recipe.Step{
			step(recipe.KindWaitForTime, cells("Ga", "60")),
			step(recipe.KindSetpoint, cells("Ga", "999")),
		},
	}

	require.NoError(eng.Start(rec))
	states.waitFor(t, recipe.RunningState)

	eng.Stop()
	states.waitFor(t, recipe.IdleState)

	// the step after the cancelled wait never ran
	time.Sleep(20 * time.Millisecond)
	require.InDelta(0, r.gaPort.getFloat(regSetpoint), 1e-6)
	require.True(eng.State().IsIdle())
}

func TestEngineWaitUntilSetpoint(t *testing.T) {
	require := require.New(t)

	r := newRig(t)
	eng, states := newTestEngine(t, r)

	rec := recipe.Recipe{
		Columns: eng.Columns(),
		Steps:   []recipe.Step{step(recipe.KindWaitUntilSetpoint, cells("Ga", "400"))},
	}

	require.NoError(eng.Start(rec))
	states.waitFor(t, recipe.RunningState)

	// target written, process variable still far away: the wait holds
	time.Sleep(30 * time.Millisecond)
	require.True(eng.State().IsRunning())
	require.InDelta(400, r.gaPort.getFloat(regSetpoint), 1e-6)

	// bring the process variable within tolerance and refresh driver state
	r.gaPort.setFloat(regPV, 399.5)
	r.source(t, "Ga").Poll()

	states.waitFor(t, recipe.IdleState)
}

func TestEngineWaitUntilSetpointStable(t *testing.T) {
	require := require.New(t)

	clock := struct {
		mu sync.Mutex
		t  time.Time
	}{t: time.Unix(0, 0)}
	now := func() time.Time {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		return clock.t
	}
	advance := func(d time.Duration) {
		clock.mu.Lock()
		clock.t = clock.t.Add(d)
		clock.mu.Unlock()
	}

	r := newRig(t, device.WithClock(now))
	eng, states := newTestEngine(t, r)

	rec := recipe.Recipe{
		Columns: eng.Columns(),
		Steps:   []recipe.Step{step(recipe.KindWaitUntilSetpointStable, cells("Ga", "400"))},
	}

	require.NoError(eng.Start(rec))
	states.waitFor(t, recipe.RunningState)

	src := r.source(t, "Ga")

	// in tolerance but the stability dwell has not elapsed: the wait holds
	r.gaPort.setFloat(regPV, 400)
	src.Poll()
	src.CheckStability()
	time.Sleep(30 * time.Millisecond)
	require.True(eng.State().IsRunning())

	// dwell elapses, the latch trips, and the wait completes
	advance(device.StabilityDwell)
	src.CheckStability()
	require.True(src.State().IsStable)

	states.waitFor(t, recipe.IdleState)
}

func TestEngineTransitionGuards(t *testing.T) {
	require := require.New(t)

	r := newRig(t)
	eng, states := newTestEngine(t, r)

	require.ErrorIs(eng.Pause(), recipe.ErrNotRunning)
	require.ErrorIs(eng.Resume(), recipe.ErrNotPaused)
	eng.Stop() // stop while idle is a no-op

	rec := recipe.Recipe{
		Columns: eng.Columns(),
		Steps:   []recipe.Step{step(recipe.KindWaitForTime, cells("Ga", "60"))},
	}

	require.NoError(eng.Start(rec))
	states.waitFor(t, recipe.RunningState)

	require.ErrorIs(eng.Start(rec), recipe.ErrAlreadyRunning)
	require.ErrorIs(eng.Resume(), recipe.ErrNotPaused)

	require.NoError(eng.Pause())
	require.ErrorIs(eng.Pause(), recipe.ErrNotRunning)

	eng.Stop()
	states.waitFor(t, recipe.IdleState)

	// the engine is reusable after a stop
	require.NoError(eng.Start(recipe.Recipe{
		Columns: eng.Columns(),
		Steps:   []recipe.Step{step(recipe.KindSetpoint, cells("Ga", "10"))},
	}))
	states.waitFor(t, recipe.IdleState)
}
