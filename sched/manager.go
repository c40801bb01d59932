// Package sched manages the lifecycle of the goroutines that drive the
// chamber: device pollers, stability checks, and the recipe engine's run loop.
//
// It provides a structured way to start, stop, and wait for goroutines,
// ensuring proper cancellation and resource cleanup. A TaskManager uses a
// context.Context to manage the lifecycle of its goroutines: when the context
// is canceled, all running goroutines are signaled to stop. A sync.WaitGroup
// waits for all goroutines to terminate before Wait() returns.
package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lattice-mbe/lattice/logger"
)

// TaskFunc represents a function that performs a task within a goroutine
// managed by the TaskManager. It should return true to continue running the
// task, or false to stop the goroutine.
type TaskFunc func() bool

// startTimeout bounds how long Start waits for a new goroutine to report in.
const startTimeout = 5 * time.Second

// TaskManager manages named goroutines with panic recovery and interval
// scheduling.
//
// Example usage:
//
//	mgr := sched.NewTaskManager(ctx, logger)
//	mgr.StartInterval("poll/Ga", pollFunc, time.Second, true)
//	// ...
//	mgr.Stop()
//	mgr.Wait()
type TaskManager struct {
	pctx    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	count   atomic.Int32
	tickers sync.Map     // map[string]*time.Ticker
	mu      sync.RWMutex // protects ctx and cancel
	taskMu  sync.RWMutex // protects task creation during Wait()
}

// NewTaskManager creates a new TaskManager with the given context as the
// parent context and logger.
func NewTaskManager(ctx context.Context, l logger.Logger) *TaskManager {
	mgr := &TaskManager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// getContext safely returns the current context.
func (mgr *TaskManager) getContext() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start starts a new goroutine with the given name that invokes taskFunc in a
// loop until it returns false or the manager is stopped.
func (mgr *TaskManager) Start(name string, taskFunc TaskFunc) error {
	mgr.logger.Debug("start task", "name", name)

	return mgr.startTask(name, func() {
		defer mgr.recoverPanic(name)

		for {
			ctx := mgr.getContext()
			select {
			case <-ctx.Done():
				return
			default:
				if !taskFunc() {
					return
				}
			}
		}
	})
}

// StartInterval starts a new goroutine that executes the given task function
// at the specified interval. If runNow is true, the task function is executed
// immediately before starting the interval.
//
// Ticks that elapse while a previous invocation is still running are dropped,
// so invocations of one interval task never overlap.
func (mgr *TaskManager) StartInterval(name string, taskFunc TaskFunc, interval time.Duration, runNow bool) error {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return fmt.Errorf("sched: invalid interval %v for task %s", interval, name)
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return fmt.Errorf("sched: interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.Delete(name)
	}

	if runNow {
		if !mgr.callWithRecover(name, taskFunc) {
			cleanup()
			mgr.logger.Debug("interval task terminated by runNow", "name", name)
			return nil
		}
	}

	err := mgr.startTask(name, func() {
		defer cleanup()

		for {
			ctx := mgr.getContext()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecover(name, taskFunc) {
					return
				}
			}
		}
	})
	if err != nil {
		cleanup()
		return err
	}

	return nil
}

// StopInterval stops the interval task with the given name.
//
// It returns an error if the task is not found.
func (mgr *TaskManager) StopInterval(name string) error {
	val, ok := mgr.tickers.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("sched: interval task %s not found", name)
	}

	if ticker, ok := val.(*time.Ticker); ok {
		ticker.Stop()
	}

	return nil
}

// Stop signals all running goroutines to terminate. It is safe to call
// multiple times.
func (mgr *TaskManager) Stop() {
	mgr.tickers.Range(func(key, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}

		return true
	})

	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait waits for all goroutines to terminate, then recreates the internal
// context so the manager can be started again.
func (mgr *TaskManager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *TaskManager) TaskCount() int {
	return int(mgr.count.Load())
}

// startTask runs the common startup sequence for all tasks: it refuses to
// start on a stopped manager, registers the goroutine with the wait group,
// and blocks until the goroutine has reported in.
func (mgr *TaskManager) startTask(name string, taskBody func()) error {
	ctx := mgr.getContext()

	select {
	case <-ctx.Done():
		return fmt.Errorf("sched: task manager already stopped")
	default:
	}

	mgr.taskMu.RLock()
	defer mgr.taskMu.RUnlock()

	started := make(chan struct{}, 1)

	mgr.wg.Add(1)

	go func() {
		defer mgr.wg.Done()

		mgr.count.Add(1)
		started <- struct{}{}

		defer func() {
			mgr.count.Add(-1)
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
		}()

		taskBody()
	}()

	select {
	case <-started:
		return nil
	case <-time.After(startTimeout):
		return fmt.Errorf("sched: timeout waiting for %s to start", name)
	case <-ctx.Done():
		return fmt.Errorf("sched: context cancelled while starting %s", name)
	}
}

// callWithRecover calls a bool-returning function with panic protection.
func (mgr *TaskManager) callWithRecover(name string, fn func() bool) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			keep = true
		}
	}()

	return fn()
}

// recoverPanic logs a panic escaping a task loop.
func (mgr *TaskManager) recoverPanic(name string) {
	if r := recover(); r != nil {
		mgr.logger.Error("panic in task loop", "name", name, "panic", r)
	}
}
