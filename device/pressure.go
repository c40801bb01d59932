package device

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/lattice-mbe/lattice/channel"
	"github.com/lattice-mbe/lattice/event"
	"github.com/lattice-mbe/lattice/logger"
)

// Gauge protocol opcodes. Frames are fixed ASCII: #00{opcode}{address}\r\n.
const (
	gaugeOpOn    = "31"
	gaugeOpOff   = "30"
	gaugeOpQuery = "02"
)

// gaugeValuePattern matches a signed float in fixed or scientific notation at
// the start of a response, after the leading marker byte has been stripped.
var gaugeValuePattern = regexp.MustCompile(`^[+\-]?(\d+\.\d*|\d*\.\d+|\d+)([eE][+\-]\d+)?`)

// PressureGaugeState is a snapshot of a gauge's in-memory state.
type PressureGaugeState struct {
	Pressure float64
	// Rate is a two-point running average of successive readings.
	Rate float64
	IsOn bool
}

// PressureGauge drives one hot-cathode pressure gauge on a shared serial
// channel.
type PressureGauge struct {
	name    string
	address string
	ch      *channel.Channel
	bus     *event.Bus
	logger  logger.Logger

	mu    sync.Mutex
	state PressureGaugeState
}

// NewPressureGauge creates a gauge driver. bus may be nil when no consumer
// needs notifications.
func NewPressureGauge(name, address string, ch *channel.Channel, bus *event.Bus, l logger.Logger) *PressureGauge {
	if l == nil {
		l = logger.GetLogger()
	}

	return &PressureGauge{
		name:    name,
		address: address,
		ch:      ch,
		bus:     bus,
		logger:  l.With("gauge", name),
	}
}

// Name returns the gauge's configured name.
func (g *PressureGauge) Name() string { return g.name }

// State returns a copy of the gauge's current state.
func (g *PressureGauge) State() PressureGaugeState {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.state
}

// Poll queries the gauge and updates pressure, rate, and the on/off inference.
//
// A transport timeout is not an error; the previous state is retained and the
// next scheduled poll retries.
func (g *PressureGauge) Poll() error {
	resp, err := g.transact(gaugeOpQuery)
	if err != nil {
		return err
	}

	value, err := parseGaugeValue(resp)
	if err != nil {
		g.logger.Debug("could not parse gauge response", "response", string(resp), "error", err)
		return err
	}

	g.mu.Lock()
	g.state.Pressure = value
	g.state.Rate = (g.state.Rate + value) / 2
	rate := g.state.Rate
	turnedOn := false
	// a positive reading implies the filament is on; this is only a fallback
	// to the explicit on/off commands
	if value > 0 && !g.state.IsOn {
		g.state.IsOn = true
		turnedOn = true
	}
	g.mu.Unlock()

	g.publish(event.FieldPressure, value)
	g.publish(event.FieldPressureRate, rate)
	if turnedOn {
		g.publish(event.FieldIsOn, true)
	}

	return nil
}

// TurnOn sends the filament-on command.
func (g *PressureGauge) TurnOn() error {
	g.logger.Debug("turning on gauge")
	if _, err := g.transact(gaugeOpOn); err != nil && !errors.Is(err, channel.ErrNoData) {
		return err
	}

	g.setOn(true)

	return nil
}

// TurnOff sends the filament-off command.
func (g *PressureGauge) TurnOff() error {
	g.logger.Debug("turning off gauge")
	if _, err := g.transact(gaugeOpOff); err != nil && !errors.Is(err, channel.ErrNoData) {
		return err
	}

	g.setOn(false)

	return nil
}

// Toggle turns the gauge off if it is on and on if it is off.
func (g *PressureGauge) Toggle() error {
	if g.State().IsOn {
		return g.TurnOff()
	}

	return g.TurnOn()
}

// SendCustom routes an arbitrary diagnostic command through the channel with
// the protocol's CRLF framing and returns the raw response line.
func (g *PressureGauge) SendCustom(cmd string) (string, error) {
	resp, err := g.ch.Transact([]byte(cmd + "\r\n"))
	if err != nil {
		return "", err
	}

	return string(resp), nil
}

func (g *PressureGauge) transact(opcode string) ([]byte, error) {
	frame := fmt.Sprintf("#00%s%s\r\n", opcode, g.address)
	return g.ch.Transact([]byte(frame))
}

func (g *PressureGauge) setOn(on bool) {
	g.mu.Lock()
	changed := g.state.IsOn != on
	g.state.IsOn = on
	g.mu.Unlock()

	if changed {
		g.publish(event.FieldIsOn, on)
	}
}

func (g *PressureGauge) publish(field string, value any) {
	if g.bus == nil {
		return
	}

	g.bus.Publish(event.Event{Device: g.name, Field: field, Value: value})
}

// parseGaugeValue strips the response's leading marker byte and parses the
// signed float that follows. The float must match the protocol's numeric
// pattern before strconv sees it.
func parseGaugeValue(resp []byte) (float64, error) {
	if len(resp) < 2 {
		return 0, ErrBadResponse
	}

	body := string(resp[1:]) // trim leading marker (typically '>')
	match := gaugeValuePattern.FindString(body)
	if match == "" {
		return 0, fmt.Errorf("%w: %q", ErrBadResponse, body)
	}

	value, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadResponse, body)
	}

	return value, nil
}
