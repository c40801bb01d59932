package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lattice-mbe/lattice/channel"
	"github.com/lattice-mbe/lattice/event"
	"github.com/lattice-mbe/lattice/logger"
)

// Shutter actuation codes for the second frame of the two-stage protocol:
// /{address}TR\r\n selects the mode, /{address}e{N}R\r\n performs the action.
const (
	shutterActReset = 0
	shutterActOpen  = 7
	shutterActClose = 8
)

// ShutterState is a snapshot of a shutter's in-memory state.
type ShutterState struct {
	IsOpen bool
	// Enabled is the manual safety lockout gate; while false, open/close/
	// reset are no-ops.
	Enabled bool
}

// Shutter drives one beam shutter on a shared serial channel.
type Shutter struct {
	name    string
	address int
	ch      *channel.Channel
	bus     *event.Bus
	logger  logger.Logger

	mu    sync.Mutex
	state ShutterState
}

// NewShutter creates a shutter driver, enabled by default. bus may be nil.
func NewShutter(name string, address int, ch *channel.Channel, bus *event.Bus, l logger.Logger) *Shutter {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Shutter{
		name:    name,
		address: address,
		ch:      ch,
		bus:     bus,
		logger:  l.With("shutter", name),
		state:   ShutterState{Enabled: true},
	}
}

// Name returns the shutter's configured name.
func (s *Shutter) Name() string { return s.name }

// State returns a copy of the shutter's current state.
func (s *Shutter) State() ShutterState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Enable releases the safety lockout.
func (s *Shutter) Enable() { s.setEnabled(true) }

// Disable engages the safety lockout; actuations become no-ops until Enable.
func (s *Shutter) Disable() { s.setEnabled(false) }

// Open drives the shutter open. It is a no-op while the lockout is engaged.
func (s *Shutter) Open() error {
	return s.actuate(shutterActOpen, true)
}

// Close drives the shutter closed. It is a no-op while the lockout is engaged.
func (s *Shutter) Close() error {
	return s.actuate(shutterActClose, false)
}

// Reset re-homes the actuator, leaving the shutter closed. It is a no-op
// while the lockout is engaged.
func (s *Shutter) Reset() error {
	return s.actuate(shutterActReset, false)
}

// Toggle opens a closed shutter and closes an open one.
func (s *Shutter) Toggle() error {
	if s.State().IsOpen {
		return s.Close()
	}

	return s.Open()
}

// SendCustom appends a literal diagnostic command after the address and sends
// it. It is gated by the lockout like the actuations.
func (s *Shutter) SendCustom(cmd string) (string, error) {
	if !s.State().Enabled {
		s.logger.Debug("custom command skipped, shutter disabled", "cmd", cmd)
		return "", ErrDisabled
	}

	resp, err := s.send(fmt.Sprintf("/%d%s\r\n", s.address, cmd))
	if err != nil {
		return "", err
	}

	return string(resp), nil
}

// actuate runs the two-stage protocol: mode select, then the action frame.
func (s *Shutter) actuate(action int, open bool) error {
	if !s.State().Enabled {
		s.logger.Debug("actuation skipped, shutter disabled", "action", action)
		return nil
	}

	s.logger.Debug("actuating shutter", "action", action)

	if _, err := s.send(fmt.Sprintf("/%dTR\r\n", s.address)); err != nil {
		return err
	}
	if _, err := s.send(fmt.Sprintf("/%de%dR\r\n", s.address, action)); err != nil {
		return err
	}

	s.mu.Lock()
	changed := s.state.IsOpen != open
	s.state.IsOpen = open
	s.mu.Unlock()

	if changed {
		s.publish(event.FieldIsOpen, open)
	}

	return nil
}

// send performs one transaction. The actuator does not always reply, so a
// read timeout is not an error.
func (s *Shutter) send(frame string) ([]byte, error) {
	resp, err := s.ch.Transact([]byte(frame))
	if err != nil {
		if errors.Is(err, channel.ErrNoData) {
			return nil, nil
		}
		return nil, err
	}

	s.logger.Debug("shutter response", "response", string(resp))

	return resp, nil
}

func (s *Shutter) setEnabled(enabled bool) {
	s.mu.Lock()
	changed := s.state.Enabled != enabled
	s.state.Enabled = enabled
	s.mu.Unlock()

	if changed {
		s.publish(event.FieldEnabled, enabled)
	}
}

func (s *Shutter) publish(field string, value any) {
	if s.bus == nil {
		return
	}

	s.bus.Publish(event.Event{Device: s.name, Field: field, Value: value})
}
