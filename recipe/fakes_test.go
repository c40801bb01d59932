package recipe_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-mbe/lattice/channel"
	"github.com/lattice-mbe/lattice/device"
	"github.com/lattice-mbe/lattice/modbus"
)

// 2404_loop_1 register addresses used by the fixtures below.
const (
	regSetpoint = 32816
	regRateLim  = 32838
	regPV       = 32770
)

// modbusPort emulates a Modbus RTU controller against an in-memory register
// map; Read returns (0, nil) when drained, like a serial port hitting its
// read timeout.
type modbusPort struct {
	unit byte

	mu      sync.Mutex
	regs    map[uint16]uint16
	pending []byte
}

func newModbusPort(unit byte) *modbusPort {
	return &modbusPort{unit: unit, regs: make(map[uint16]uint16)}
}

func (f *modbusPort) setFloat(addr uint16, v float64) {
	regs := modbus.Float32ToRegisters(float32(v))

	f.mu.Lock()
	f.regs[addr] = regs[0]
	f.regs[addr+1] = regs[1]
	f.mu.Unlock()
}

func (f *modbusPort) getFloat(addr uint16) float64 {
	f.mu.Lock()
	regs := []uint16{f.regs[addr], f.regs[addr+1]}
	f.mu.Unlock()

	v, _ := modbus.RegistersToFloat32(regs)

	return float64(v)
}

func (f *modbusPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(p) < 8 || p[0] != f.unit {
		return len(p), nil
	}

	fn := p[1]
	addr := binary.BigEndian.Uint16(p[2:4])
	count := binary.BigEndian.Uint16(p[4:6])

	switch fn {
	case modbus.FuncReadHolding:
		resp := []byte{f.unit, fn, byte(count * 2)}
		for i := uint16(0); i < count; i++ {
			resp = binary.BigEndian.AppendUint16(resp, f.regs[addr+i])
		}
		f.queue(resp)
	case modbus.FuncWriteMultiple:
		for i := uint16(0); i < count; i++ {
			f.regs[addr+i] = binary.BigEndian.Uint16(p[7+i*2 : 9+i*2])
		}
		f.queue([]byte{f.unit, fn, p[2], p[3], p[4], p[5]})
	}

	return len(p), nil
}

// queue appends resp plus its CRC. Callers hold f.mu.
func (f *modbusPort) queue(resp []byte) {
	crc := modbus.CRC16(resp)
	f.pending = append(f.pending, resp...)
	f.pending = append(f.pending, byte(crc&0xFF), byte(crc>>8))
}

func (f *modbusPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		return 0, nil
	}

	n := copy(p, f.pending)
	f.pending = f.pending[n:]

	return n, nil
}

func (f *modbusPort) Close() error { return nil }

// shutterPort records actuation frames and never answers, like the real
// actuator.
type shutterPort struct {
	mu     sync.Mutex
	writes []string
}

func (f *shutterPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.writes = append(f.writes, string(p))
	f.mu.Unlock()

	return len(p), nil
}

func (f *shutterPort) Read([]byte) (int, error) { return 0, nil }
func (f *shutterPort) Close() error             { return nil }

// rig is a two-source chamber fixture: sources Ga and As with a shutter on
// Ga, each on its own fake transport.
type rig struct {
	reg    *device.Registry
	gaPort *modbusPort
	asPort *modbusPort
	shPort *shutterPort
}

// newRig builds the fixture; srcOpts apply to both sources.
func newRig(t *testing.T, srcOpts ...device.SourceOption) *rig {
	t.Helper()
	require := require.New(t)

	r := &rig{
		reg:    device.NewRegistry(),
		gaPort: newModbusPort(1),
		asPort: newModbusPort(2),
		shPort: &shutterPort{},
	}

	newClient := func(name string, port *modbusPort) *modbus.Client {
		ch, err := channel.New(name, port, channel.WithWriteDelay(0))
		require.NoError(err)
		return modbus.NewClient(ch, nil)
	}

	ga, err := device.NewSource("Ga", 1, "2404_loop_1", device.SafetyParams{},
		newClient("ga", r.gaPort), nil, nil, srcOpts...)
	require.NoError(err)
	require.NoError(r.reg.AddSource(ga))

	as, err := device.NewSource("As", 2, "2404_loop_1", device.SafetyParams{},
		newClient("as", r.asPort), nil, nil, srcOpts...)
	require.NoError(err)
	require.NoError(r.reg.AddSource(as))

	shCh, err := channel.New("shutters", r.shPort, channel.WithWriteDelay(0))
	require.NoError(err)
	require.NoError(r.reg.AddShutter(device.NewShutter("Ga", 1, shCh, nil, nil)))

	return r
}

func (r *rig) source(t *testing.T, name string) *device.Source {
	t.Helper()

	src, ok := r.reg.Source(name)
	require.True(t, ok)

	return src
}
