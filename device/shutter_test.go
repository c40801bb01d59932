package device_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-mbe/lattice/device"
	"github.com/lattice-mbe/lattice/event"
)

func TestShutterActuation(t *testing.T) {
	t.Run("open sends the two-stage sequence", func(t *testing.T) {
		require := require.New(t)

		// the actuator does not always acknowledge; silence is fine
		port := &asciiPort{}
		s := device.NewShutter("Ga", 1, newAsciiChannel(t, port), nil, nil)

		require.NoError(s.Open())
		require.Equal([]string{"/1TR\r\n", "/1e7R\r\n"}, port.frames())
		require.True(s.State().IsOpen)
	})

	t.Run("close", func(t *testing.T) {
		require := require.New(t)

		port := &asciiPort{}
		s := device.NewShutter("Ga", 3, newAsciiChannel(t, port), nil, nil)

		require.NoError(s.Open())
		require.NoError(s.Close())
		require.Equal([]string{"/3TR\r\n", "/3e7R\r\n", "/3TR\r\n", "/3e8R\r\n"}, port.frames())
		require.False(s.State().IsOpen)
	})

	t.Run("reset leaves the shutter closed", func(t *testing.T) {
		require := require.New(t)

		port := &asciiPort{}
		s := device.NewShutter("Ga", 2, newAsciiChannel(t, port), nil, nil)

		require.NoError(s.Open())
		require.NoError(s.Reset())
		require.False(s.State().IsOpen)
		require.Equal("/2e0R\r\n", port.frames()[3])
	})

	t.Run("toggle", func(t *testing.T) {
		require := require.New(t)

		port := &asciiPort{}
		s := device.NewShutter("Ga", 1, newAsciiChannel(t, port), nil, nil)

		require.NoError(s.Toggle())
		require.True(s.State().IsOpen)
		require.NoError(s.Toggle())
		require.False(s.State().IsOpen)
	})
}

func TestShutterLockout(t *testing.T) {
	require := require.New(t)

	port := &asciiPort{}
	s := device.NewShutter("Ga", 1, newAsciiChannel(t, port), nil, nil)
	require.True(s.State().Enabled)

	s.Disable()
	require.False(s.State().Enabled)

	// actuations are silent no-ops while locked out
	require.NoError(s.Open())
	require.Empty(port.frames())
	require.False(s.State().IsOpen)

	// custom commands are rejected loudly instead
	_, err := s.SendCustom("e7R")
	require.ErrorIs(err, device.ErrDisabled)

	s.Enable()
	require.NoError(s.Open())
	require.Len(port.frames(), 2)
}

func TestShutterSendCustom(t *testing.T) {
	require := require.New(t)

	port := &asciiPort{respond: func(string) string { return "ok\r\n" }}
	s := device.NewShutter("Ga", 4, newAsciiChannel(t, port), nil, nil)

	resp, err := s.SendCustom("z2000R")
	require.NoError(err)
	require.Equal("ok", resp)
	require.Equal([]string{"/4z2000R\r\n"}, port.frames())
}

func TestShutterEvents(t *testing.T) {
	require := require.New(t)

	bus := event.NewBus(nil)
	events, cancel := bus.Subscribe(16)
	defer cancel()

	port := &asciiPort{}
	s := device.NewShutter("Ga", 1, newAsciiChannel(t, port), bus, nil)

	require.NoError(s.Open())
	ev := <-events
	require.Equal(event.FieldIsOpen, ev.Field)
	require.Equal(true, ev.Value)

	s.Disable()
	ev = <-events
	require.Equal(event.FieldEnabled, ev.Field)
	require.Equal(false, ev.Value)
}
