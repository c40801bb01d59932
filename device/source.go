package device

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/lattice-mbe/lattice/event"
	"github.com/lattice-mbe/lattice/logger"
	"github.com/lattice-mbe/lattice/modbus"
)

// StabilityDwell is how long |SP−PV| must stay within tolerance before the
// stability latch trips.
const StabilityDwell = 5 * time.Second

// RegisterProfile maps the logical controller fields to holding-register
// addresses for one controller model and loop.
type RegisterProfile struct {
	Setpoint          uint16
	WorkingSetpoint   uint16
	SetpointRateLimit uint16
	ProcessVariable   uint16
	PIDPb             uint16
	PIDTi             uint16
	PIDTd             uint16
}

// registerProfiles is the catalog of supported controller models/loops,
// keyed by address set name.
var registerProfiles = map[string]RegisterProfile{
	"2604_loop_1": {
		Setpoint:          32816,
		WorkingSetpoint:   32778,
		SetpointRateLimit: 32838,
		ProcessVariable:   32770,
		PIDPb:             33470,
		PIDTi:             33472,
		PIDTd:             33474,
	},
	"2604_loop_2": {
		Setpoint:          34864,
		WorkingSetpoint:   34826,
		SetpointRateLimit: 34886,
		ProcessVariable:   34818,
		PIDPb:             35518,
		PIDTi:             35520,
		PIDTd:             35522,
	},
	"2404_loop_1": {
		Setpoint:          32816,
		WorkingSetpoint:   32778,
		SetpointRateLimit: 32838,
		ProcessVariable:   32770,
		PIDPb:             32780,
		PIDTi:             32784,
		PIDTd:             32786,
	},
}

// AddressSets returns the catalog of known address set names, sorted.
func AddressSets() []string {
	names := make([]string, 0, len(registerProfiles))
	for name := range registerProfiles {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// IsKnownAddressSet reports whether name is in the register profile catalog.
func IsKnownAddressSet(name string) bool {
	_, ok := registerProfiles[name]
	return ok
}

// SafetyParams are the operator-set, externally persisted safety parameters
// of one source.
type SafetyParams struct {
	SafeRateLimit      float64
	SafeFrom           float64
	SafeTo             float64
	MaxSetpoint        float64
	StabilityTolerance float64
}

// envelopeActive reports whether the rate-limit safety envelope is
// configured; unset (non-positive) parameters disable it.
func (p SafetyParams) envelopeActive() bool {
	return p.SafeRateLimit > 0 && p.SafeFrom > 0 && p.SafeTo > 0
}

// SourceState is a snapshot of a source's in-memory state.
type SourceState struct {
	ProcessVariable float64
	Setpoint        float64
	WorkingSetpoint float64
	// RateLimit is the hardware rate limit as last read back from the
	// controller; it tracks the safety envelope's writes, not only the
	// operator's requests.
	RateLimit float64
	Safety    SafetyParams
	IsStable  bool
	// StabilitySince is when |SP−PV| last came within tolerance; zero while
	// the condition is violated.
	StabilitySince time.Time
}

// Source drives one temperature/rate controller loop over Modbus.
type Source struct {
	name    string
	unitID  byte
	profile RegisterProfile
	client  *modbus.Client
	bus     *event.Bus
	logger  logger.Logger
	now     func() time.Time

	mu    sync.Mutex
	state SourceState
	// requestedRateLimit is the last operator-requested rate limit, which
	// the safety envelope restores outside the safe band.
	requestedRateLimit float64
	pvCloseToSP        bool
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithClock overrides the source's time base; tests use it to drive the
// stability dwell deterministically.
func WithClock(now func() time.Time) SourceOption {
	return func(s *Source) { s.now = now }
}

// NewSource creates a source driver for the given controller unit id and
// address set. bus may be nil.
func NewSource(name string, unitID byte, addressSet string, safety SafetyParams, client *modbus.Client, bus *event.Bus, l logger.Logger, opts ...SourceOption) (*Source, error) {
	profile, ok := registerProfiles[addressSet]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAddressSet, addressSet)
	}

	if l == nil {
		l = logger.GetLogger()
	}

	if safety.MaxSetpoint == 0 {
		safety.MaxSetpoint = 2000
	}
	if safety.StabilityTolerance == 0 {
		safety.StabilityTolerance = 1
	}

	s := &Source{
		name:    name,
		unitID:  unitID,
		profile: profile,
		client:  client,
		bus:     bus,
		logger:  l.With("source", name),
		now:     time.Now,
		state: SourceState{
			Safety: safety,
		},
		requestedRateLimit: 0.1,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Name returns the source's configured name.
func (s *Source) Name() string { return s.name }

// State returns a copy of the source's current state.
func (s *Source) State() SourceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// RequestedRateLimit returns the last operator-requested rate limit.
func (s *Source) RequestedRateLimit() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.requestedRateLimit
}

// MaxSetpoint returns the configured maximum setpoint.
func (s *Source) MaxSetpoint() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.Safety.MaxSetpoint
}

// StabilityTolerance returns the configured stability tolerance.
func (s *Source) StabilityTolerance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.Safety.StabilityTolerance
}

// Poll refreshes the four live fields and runs the safety envelope.
//
// A failed or error-flagged read leaves the previous in-memory value
// unchanged and is logged; it is never propagated to the caller.
func (s *Source) Poll() {
	pv, pvOK := s.read("process_variable", s.profile.ProcessVariable)
	sp, spOK := s.read("setpoint", s.profile.Setpoint)
	wsp, wspOK := s.read("working_setpoint", s.profile.WorkingSetpoint)
	rl, rlOK := s.read("rate_limit", s.profile.SetpointRateLimit)

	s.mu.Lock()
	if pvOK {
		s.state.ProcessVariable = pv
	}
	if spOK {
		s.state.Setpoint = sp
	}
	if wspOK {
		s.state.WorkingSetpoint = wsp
	}
	if rlOK {
		s.state.RateLimit = rl
	}
	if pvOK && spOK {
		s.pvCloseToSP = math.Abs(sp-pv) <= s.state.Safety.StabilityTolerance
	}
	s.mu.Unlock()

	if pvOK {
		s.publish(event.FieldProcessVariable, pv)
	}
	if spOK {
		s.publish(event.FieldSetpoint, sp)
	}
	if wspOK {
		s.publish(event.FieldWorkingSetpoint, wsp)
	}
	if rlOK {
		s.publish(event.FieldRateLimit, rl)
	}

	// The envelope's reference value is the working setpoint: the ramped
	// target actually being driven toward, so a cold loop with a high final
	// setpoint cannot bypass the safe ramp band.
	if wspOK {
		s.applyEnvelope(wsp)
	}
}

// CheckStability advances the time-windowed stability latch. It is driven on
// a fixed cadence by the polling controller.
func (s *Source) CheckStability() {
	s.mu.Lock()

	if !s.pvCloseToSP {
		wasStable := s.state.IsStable
		s.state.IsStable = false
		s.state.StabilitySince = time.Time{}
		s.mu.Unlock()

		if wasStable {
			s.publish(event.FieldIsStable, false)
		}

		return
	}

	if s.state.IsStable {
		s.mu.Unlock()
		return
	}

	if s.state.StabilitySince.IsZero() {
		s.state.StabilitySince = s.now()
		s.mu.Unlock()

		return
	}

	if s.now().Sub(s.state.StabilitySince) >= StabilityDwell {
		s.state.IsStable = true
		s.mu.Unlock()
		s.publish(event.FieldIsStable, true)

		return
	}

	s.mu.Unlock()
}

// SetSetpoint writes a setpoint to the controller. Range validation happens
// in the recipe layer before any write reaches a driver.
func (s *Source) SetSetpoint(v float64) error {
	return s.write("setpoint", s.profile.Setpoint, v)
}

// SetRateLimit records the operator-requested rate limit and writes the
// effective rate limit, honoring the safety envelope against the last known
// working setpoint.
func (s *Source) SetRateLimit(v float64) error {
	s.mu.Lock()
	s.requestedRateLimit = v
	ref := s.state.WorkingSetpoint
	s.mu.Unlock()

	return s.writeEffectiveRateLimit(ref)
}

// SetSafety replaces the source's safety parameters. The caller persists them
// externally.
func (s *Source) SetSafety(p SafetyParams) {
	s.mu.Lock()
	s.state.Safety = p
	s.mu.Unlock()

	s.logger.Debug("safety parameters updated",
		"safe_rate_limit", p.SafeRateLimit, "safe_from", p.SafeFrom, "safe_to", p.SafeTo,
		"max_setpoint", p.MaxSetpoint, "stability_tolerance", p.StabilityTolerance)
}

// SetPID writes the three PID terms.
func (s *Source) SetPID(pb, ti, td float64) error {
	if err := s.write("pid_pb", s.profile.PIDPb, pb); err != nil {
		return err
	}
	if err := s.write("pid_ti", s.profile.PIDTi, ti); err != nil {
		return err
	}

	return s.write("pid_td", s.profile.PIDTd, td)
}

// ReadPID reads the three PID terms.
func (s *Source) ReadPID() (pb, ti, td float64, err error) {
	pb, err = s.client.ReadFloat32(s.unitID, s.profile.PIDPb)
	if err != nil {
		return 0, 0, 0, err
	}
	ti, err = s.client.ReadFloat32(s.unitID, s.profile.PIDTi)
	if err != nil {
		return 0, 0, 0, err
	}
	td, err = s.client.ReadFloat32(s.unitID, s.profile.PIDTd)
	if err != nil {
		return 0, 0, 0, err
	}

	return pb, ti, td, nil
}

// applyEnvelope writes the effective hardware rate limit for reference value
// ref. It is a no-op while the envelope parameters are unset.
func (s *Source) applyEnvelope(ref float64) {
	s.mu.Lock()
	active := s.state.Safety.envelopeActive()
	s.mu.Unlock()

	if !active {
		return
	}

	if err := s.writeEffectiveRateLimit(ref); err != nil {
		s.logger.Warn("rate limit write failed", "error", err)
	}
}

// writeEffectiveRateLimit writes safe_rate_limit while ref is inside the
// safe band, otherwise the last operator-requested rate limit.
func (s *Source) writeEffectiveRateLimit(ref float64) error {
	s.mu.Lock()
	p := s.state.Safety
	target := s.requestedRateLimit
	if p.envelopeActive() && p.SafeFrom < ref && ref < p.SafeTo {
		target = p.SafeRateLimit
	}
	s.mu.Unlock()

	return s.write("rate_limit", s.profile.SetpointRateLimit, target)
}

// read performs one float read, logging failures instead of surfacing them.
func (s *Source) read(field string, addr uint16) (float64, bool) {
	v, err := s.client.ReadFloat32(s.unitID, addr)
	if err != nil {
		s.logger.Warn("read failed, keeping previous value", "field", field, "addr", addr, "error", err)
		return 0, false
	}

	return v, true
}

// write performs one float write.
func (s *Source) write(field string, addr uint16, v float64) error {
	if err := s.client.WriteFloat32(s.unitID, addr, v); err != nil {
		s.logger.Warn("write failed", "field", field, "addr", addr, "value", v, "error", err)
		return err
	}

	s.logger.Debug("register written", "field", field, "addr", addr, "value", v)

	return nil
}

func (s *Source) publish(field string, value any) {
	if s.bus == nil {
		return
	}

	s.bus.Publish(event.Event{Device: s.name, Field: field, Value: value})
}
