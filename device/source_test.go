package device_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-mbe/lattice/device"
	"github.com/lattice-mbe/lattice/event"
)

// 2404_loop_1 register addresses used by the fixtures below.
const (
	regSetpoint = 32816
	regWorkSP   = 32778
	regRateLim  = 32838
	regPV       = 32770
	regPIDPb    = 32780
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestSource(t *testing.T, safety device.SafetyParams, bus *event.Bus, opts ...device.SourceOption) (*device.Source, *modbusPort) {
	t.Helper()

	port := newModbusPort(1)
	src, err := device.NewSource("Ga", 1, "2404_loop_1", safety, newModbusClient(t, port), bus, nil, opts...)
	require.NoError(t, err)

	return src, port
}

func TestNewSource(t *testing.T) {
	t.Run("unknown address set", func(t *testing.T) {
		_, err := device.NewSource("Ga", 1, "9999_loop_9", device.SafetyParams{}, nil, nil, nil)
		require.ErrorIs(t, err, device.ErrUnknownAddressSet)
	})

	t.Run("address set catalog", func(t *testing.T) {
		require := require.New(t)

		require.Equal([]string{"2404_loop_1", "2604_loop_1", "2604_loop_2"}, device.AddressSets())
		require.True(device.IsKnownAddressSet("2604_loop_2"))
		require.False(device.IsKnownAddressSet("2604"))
	})
}

func TestSourcePoll(t *testing.T) {
	t.Run("refreshes live fields", func(t *testing.T) {
		require := require.New(t)

		src, port := newTestSource(t, device.SafetyParams{}, nil)
		port.setFloat(regPV, 395.5)
		port.setFloat(regSetpoint, 400)
		port.setFloat(regWorkSP, 398)
		port.setFloat(regRateLim, 2.5)

		src.Poll()

		st := src.State()
		require.InDelta(395.5, st.ProcessVariable, 1e-6)
		require.InDelta(400, st.Setpoint, 1e-6)
		require.InDelta(398, st.WorkingSetpoint, 1e-6)
		require.InDelta(2.5, st.RateLimit, 1e-6)
	})

	t.Run("failed reads retain previous values", func(t *testing.T) {
		require := require.New(t)

		src, port := newTestSource(t, device.SafetyParams{}, nil)
		port.setFloat(regPV, 395.5)
		port.setFloat(regSetpoint, 400)
		src.Poll()

		port.setSilent(true)
		src.Poll()

		st := src.State()
		require.InDelta(395.5, st.ProcessVariable, 1e-6)
		require.InDelta(400, st.Setpoint, 1e-6)
	})
}

func TestSourceSetpointWrite(t *testing.T) {
	require := require.New(t)

	src, port := newTestSource(t, device.SafetyParams{}, nil)

	require.NoError(src.SetSetpoint(650))
	require.InDelta(650, port.getFloat(regSetpoint), 1e-6)
}

func TestSourceSafetyEnvelope(t *testing.T) {
	safety := device.SafetyParams{
		SafeRateLimit:      0.5,
		SafeFrom:           100,
		SafeTo:             200,
		MaxSetpoint:        2000,
		StabilityTolerance: 1,
	}

	t.Run("inside the band the safe rate limit is forced", func(t *testing.T) {
		require := require.New(t)

		src, port := newTestSource(t, safety, nil)
		require.NoError(src.SetRateLimit(5))

		port.setFloat(regWorkSP, 150)
		src.Poll()

		require.InDelta(0.5, port.getFloat(regRateLim), 1e-6)
		require.InDelta(5, src.RequestedRateLimit(), 1e-6)
	})

	t.Run("outside the band the requested rate limit is restored", func(t *testing.T) {
		require := require.New(t)

		src, port := newTestSource(t, safety, nil)
		require.NoError(src.SetRateLimit(5))

		port.setFloat(regWorkSP, 250)
		src.Poll()
		require.InDelta(5, port.getFloat(regRateLim), 1e-6)

		// band bounds are exclusive
		port.setFloat(regWorkSP, 100)
		src.Poll()
		require.InDelta(5, port.getFloat(regRateLim), 1e-6)

		port.setFloat(regWorkSP, 100.5)
		src.Poll()
		require.InDelta(0.5, port.getFloat(regRateLim), 1e-6)
	})

	t.Run("rate limit request inside the band defers to the envelope", func(t *testing.T) {
		require := require.New(t)

		src, port := newTestSource(t, safety, nil)
		port.setFloat(regWorkSP, 150)
		src.Poll()

		require.NoError(src.SetRateLimit(9))
		require.InDelta(0.5, port.getFloat(regRateLim), 1e-6)
		require.InDelta(9, src.RequestedRateLimit(), 1e-6)
	})

	t.Run("unset parameters disable the envelope", func(t *testing.T) {
		require := require.New(t)

		src, port := newTestSource(t, device.SafetyParams{StabilityTolerance: 1}, nil)
		require.NoError(src.SetRateLimit(5))

		before := port.getFloat(regRateLim)
		port.setFloat(regWorkSP, 150)
		src.Poll()

		// no envelope write happened during the poll
		require.InDelta(before, port.getFloat(regRateLim), 1e-6)
	})
}

func TestSourceStabilityLatch(t *testing.T) {
	require := require.New(t)

	clock := newFakeClock()
	bus := event.NewBus(nil)
	events, cancel := bus.SubscribeFunc(16, func(ev event.Event) bool {
		return ev.Field == event.FieldIsStable
	})
	defer cancel()

	src, port := newTestSource(t, device.SafetyParams{StabilityTolerance: 1}, bus,
		device.WithClock(clock.now))

	port.setFloat(regPV, 400)
	port.setFloat(regSetpoint, 400.4)
	src.Poll()

	// first in-tolerance check starts the dwell
	src.CheckStability()
	require.False(src.State().IsStable)
	require.False(src.State().StabilitySince.IsZero())

	// short of the dwell mark the latch stays open
	clock.advance(device.StabilityDwell - time.Second)
	src.CheckStability()
	require.False(src.State().IsStable)

	// at the dwell mark it trips
	clock.advance(time.Second)
	src.CheckStability()
	require.True(src.State().IsStable)

	ev := <-events
	require.Equal(true, ev.Value)

	// one excursion resets the latch and the dwell immediately
	port.setFloat(regPV, 300)
	src.Poll()
	src.CheckStability()

	st := src.State()
	require.False(st.IsStable)
	require.True(st.StabilitySince.IsZero())

	ev = <-events
	require.Equal(false, ev.Value)
}

func TestSourcePID(t *testing.T) {
	require := require.New(t)

	src, port := newTestSource(t, device.SafetyParams{}, nil)

	require.NoError(src.SetPID(12.5, 300, 50))
	require.InDelta(12.5, port.getFloat(regPIDPb), 1e-6)

	pb, ti, td, err := src.ReadPID()
	require.NoError(err)
	require.InDelta(12.5, pb, 1e-6)
	require.InDelta(300, ti, 1e-6)
	require.InDelta(50, td, 1e-6)
}

func TestSourceSetSafety(t *testing.T) {
	require := require.New(t)

	src, _ := newTestSource(t, device.SafetyParams{MaxSetpoint: 1000}, nil)
	require.InDelta(1000, src.MaxSetpoint(), 1e-9)

	src.SetSafety(device.SafetyParams{MaxSetpoint: 1500, StabilityTolerance: 2})
	require.InDelta(1500, src.MaxSetpoint(), 1e-9)
	require.InDelta(2, src.StabilityTolerance(), 1e-9)
}
