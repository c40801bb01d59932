// Package poll drives each configured device on a fixed schedule through its
// driver and advances the sources' stability latches.
//
// Every device gets its own interval task, so a poll of one device never
// blocks another, and two polls of the same device never overlap (ticks that
// elapse mid-poll are dropped by the scheduler).
package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/lattice-mbe/lattice/device"
	"github.com/lattice-mbe/lattice/logger"
	"github.com/lattice-mbe/lattice/sched"
)

// Default polling intervals per device type.
const (
	DefaultGaugeInterval     = 1000 * time.Millisecond
	DefaultSourceInterval    = 2000 * time.Millisecond
	DefaultStabilityInterval = 1000 * time.Millisecond
)

// Controller schedules the periodic polling of every device in a registry.
type Controller struct {
	reg    *device.Registry
	mgr    *sched.TaskManager
	logger logger.Logger

	gaugeInterval     time.Duration
	sourceInterval    time.Duration
	stabilityInterval time.Duration

	running atomic.Bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithGaugeInterval overrides the gauge polling interval.
func WithGaugeInterval(d time.Duration) Option {
	return func(c *Controller) { c.gaugeInterval = d }
}

// WithSourceInterval overrides the source polling interval.
func WithSourceInterval(d time.Duration) Option {
	return func(c *Controller) { c.sourceInterval = d }
}

// WithStabilityInterval overrides the stability check cadence.
func WithStabilityInterval(d time.Duration) Option {
	return func(c *Controller) { c.stabilityInterval = d }
}

// WithLogger sets the controller's logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController creates a polling controller over the given registry.
func NewController(ctx context.Context, reg *device.Registry, opts ...Option) *Controller {
	c := &Controller{
		reg:               reg,
		logger:            logger.GetLogger(),
		gaugeInterval:     DefaultGaugeInterval,
		sourceInterval:    DefaultSourceInterval,
		stabilityInterval: DefaultStabilityInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.mgr = sched.NewTaskManager(ctx, c.logger)

	return c
}

// Start begins polling every registered device. It is idempotent.
func (c *Controller) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}

	c.logger.Info("polling started",
		"gauge_interval", c.gaugeInterval, "source_interval", c.sourceInterval)

	var errs []error

	c.reg.EachGauge(func(g *device.PressureGauge) {
		gauge := g
		err := c.mgr.StartInterval("poll/gauge/"+gauge.Name(), func() bool {
			if err := gauge.Poll(); err != nil {
				c.logger.Debug("gauge poll failed", "gauge", gauge.Name(), "error", err)
			}
			return true
		}, c.gaugeInterval, true)
		if err != nil {
			errs = append(errs, err)
		}
	})

	c.reg.EachSource(func(s *device.Source) {
		src := s
		err := c.mgr.StartInterval("poll/source/"+src.Name(), func() bool {
			src.Poll()
			return true
		}, c.sourceInterval, true)
		if err != nil {
			errs = append(errs, err)
		}

		err = c.mgr.StartInterval("stability/"+src.Name(), func() bool {
			src.CheckStability()
			return true
		}, c.stabilityInterval, false)
		if err != nil {
			errs = append(errs, err)
		}
	})

	if len(errs) > 0 {
		c.Stop()
		return errors.Join(errs...)
	}

	return nil
}

// Stop halts all polling tasks and waits for in-flight polls to finish.
// It is idempotent, and the controller can be started again afterwards.
func (c *Controller) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}

	c.mgr.Stop()
	c.mgr.Wait()
	c.logger.Info("polling stopped")
}

// Running reports whether the controller is currently polling.
func (c *Controller) Running() bool {
	return c.running.Load()
}
