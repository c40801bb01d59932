package device_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-mbe/lattice/channel"
	"github.com/lattice-mbe/lattice/modbus"
)

// asciiPort fakes the serial side of the ASCII devices (gauges, shutters).
// A respond callback queues the reply for each written frame; Read returns
// (0, nil) when drained, like a serial port hitting its read timeout.
type asciiPort struct {
	mu      sync.Mutex
	writes  []string
	pending []byte
	respond func(frame string) string
}

func (f *asciiPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	frame := string(p)
	f.writes = append(f.writes, frame)
	if f.respond != nil {
		f.pending = append(f.pending, f.respond(frame)...)
	}

	return len(p), nil
}

func (f *asciiPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		return 0, nil
	}

	n := copy(p, f.pending)
	f.pending = f.pending[n:]

	return n, nil
}

func (f *asciiPort) Close() error { return nil }

func (f *asciiPort) frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.writes...)
}

func newAsciiChannel(t *testing.T, port *asciiPort) *channel.Channel {
	t.Helper()

	ch, err := channel.New("test", port, channel.WithWriteDelay(0))
	require.NoError(t, err)

	return ch
}

// modbusPort emulates a Modbus RTU controller: function 3 reads and function
// 16 writes against an in-memory register map.
type modbusPort struct {
	unit byte

	mu      sync.Mutex
	regs    map[uint16]uint16
	pending []byte
	silent  bool
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

func (f *modbusPort) setSilent(silent bool) {
	f.mu.Lock()
	f.silent = silent
	f.mu.Unlock()
}

func (f *modbusPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.silent || len(p) < 8 || p[0] != f.unit {
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

func newModbusClient(t *testing.T, port *modbusPort) *modbus.Client {
	t.Helper()

	ch, err := channel.New("test", port, channel.WithWriteDelay(0))
	require.NoError(t, err)

	return modbus.NewClient(ch, nil)
}
