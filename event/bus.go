// Package event carries device state-change notifications from the drivers to
// their consumers: the recipe engine's wait actions and external displays.
//
// Subscribers receive value copies, never live references into driver state;
// a slow subscriber drops events rather than blocking a driver.
package event

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/lattice-mbe/lattice/logger"
)

// Well-known event field names published by the device drivers.
const (
	FieldPressure        = "pressure"
	FieldPressureRate    = "pressure_rate"
	FieldIsOn            = "is_on"
	FieldIsOpen          = "is_open"
	FieldEnabled         = "enabled"
	FieldProcessVariable = "process_variable"
	FieldSetpoint        = "setpoint"
	FieldWorkingSetpoint = "working_setpoint"
	FieldRateLimit       = "rate_limit"
	FieldIsStable        = "is_stable"
)

// Event is one device state-change notification. Value holds a copy of the
// updated field (float64 or bool for the catalog above).
type Event struct {
	Device string
	Field  string
	Value  any
	Time   time.Time
}

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 64

type subscriber struct {
	ch     chan Event
	filter func(Event) bool
}

// Bus is a typed publish/subscribe bus for device events.
//
// Publish never blocks: events to a subscriber whose buffer is full are
// dropped with a warning.
type Bus struct {
	subs   *xsync.MapOf[uint64, *subscriber]
	nextID atomic.Uint64
	logger logger.Logger
}

// NewBus creates an event bus.
func NewBus(l logger.Logger) *Bus {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Bus{
		subs:   xsync.NewMapOf[uint64, *subscriber](),
		logger: l,
	}
}

// Subscribe registers a subscriber receiving every published event.
// The returned cancel function removes the subscription and closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribeFunc(buffer, nil)
}

// SubscribeFunc registers a subscriber receiving events for which filter
// returns true. A nil filter receives everything.
func (b *Bus) SubscribeFunc(buffer int, filter func(Event) bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	id := b.nextID.Add(1)
	sub := &subscriber{
		ch:     make(chan Event, buffer),
		filter: filter,
	}
	b.subs.Store(id, sub)

	cancel := func() {
		if s, ok := b.subs.LoadAndDelete(id); ok {
			close(s.ch)
		}
	}

	return sub.ch, cancel
}

// Publish delivers ev to all matching subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.subs.Range(func(id uint64, sub *subscriber) bool {
		if sub.filter != nil && !sub.filter(ev) {
			return true
		}

		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"subscriber", id, "device", ev.Device, "field", ev.Field)
		}

		return true
	})
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	return b.subs.Size()
}
