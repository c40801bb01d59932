// Package channel arbitrates access to one physical transport shared by
// multiple logical devices.
//
// A Channel owns a serial port (or any io.ReadWriteCloser) together with a
// mutex; every command/response exchange goes through Transact or TransactRaw,
// which hold the lock for the full write+read so that no other transaction's
// bytes can interleave with an in-flight exchange. Within one channel,
// transactions are strictly serialized in issue order.
package channel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/lattice-mbe/lattice/logger"
)

// Sentinel errors for channel transactions.
var (
	// ErrNoData indicates that no response arrived before the read timeout.
	// It is the non-fatal "no update this cycle" result; callers retain
	// their previous state and retry on the next poll.
	ErrNoData = errors.New("channel: no response data")

	// ErrClosed indicates the channel has been closed.
	ErrClosed = errors.New("channel: closed")
)

// Channel serializes command/response exchanges on one physical transport.
type Channel struct {
	name   string
	cfg    *Config
	logger logger.Logger

	mu     sync.Mutex // guards rw for the duration of a transaction
	rw     io.ReadWriteCloser
	closed atomic.Bool
}

// Open opens the named serial port and wraps it in a Channel.
func Open(name, port string, opts ...Option) (*Channel, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: cfg.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("channel: open %s: %w", port, err)
	}

	if err := p.SetReadTimeout(cfg.readTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("channel: set read timeout on %s: %w", port, err)
	}

	return newChannel(name, p, cfg), nil
}

// New wraps an existing transport in a Channel. The transport's Read is
// expected to return (0, nil) or an error once no more data is available;
// serial ports opened with a read timeout behave this way.
func New(name string, rw io.ReadWriteCloser, opts ...Option) (*Channel, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	return newChannel(name, rw, cfg), nil
}

func newChannel(name string, rw io.ReadWriteCloser, cfg *Config) *Channel {
	return &Channel{
		name:   name,
		cfg:    cfg,
		logger: cfg.logger.With("channel", name),
		rw:     rw,
	}
}

// Name returns the channel name from configuration.
func (c *Channel) Name() string { return c.name }

// Transact writes cmd and reads one response line, holding the channel lock
// for the whole exchange. The returned line has its trailing CR/LF stripped.
//
// A timeout or transport failure yields ErrNoData; it is never fatal.
func (c *Channel) Transact(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write(cmd); err != nil {
		return nil, err
	}

	line, err := c.readLine()
	if err != nil {
		return nil, err
	}

	return line, nil
}

// TransactRaw writes cmd and reads up to respLen raw bytes, holding the
// channel lock for the whole exchange. It returns the bytes accumulated
// before the read timeout; an empty response yields ErrNoData.
//
// It serves binary protocols (Modbus RTU) where the expected response length
// is known from the request.
func (c *Channel) TransactRaw(cmd []byte, respLen int) ([]byte, error) {
	if respLen > c.cfg.maxFrameSize {
		return nil, fmt.Errorf("channel: response length %d exceeds max frame size %d", respLen, c.cfg.maxFrameSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write(cmd); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, respLen)
	chunk := make([]byte, respLen)
	for len(buf) < respLen {
		n, err := c.rw.Read(chunk[:respLen-len(buf)])
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			continue
		}
		if err != nil {
			c.logger.Debug("read failed", "error", err)
			break
		}
		// zero-byte read: read timeout elapsed
		break
	}

	if len(buf) == 0 {
		return nil, ErrNoData
	}

	return buf, nil
}

// Close closes the underlying transport. Subsequent transactions fail with
// ErrClosed.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rw.Close()
}

// write sends cmd and applies the configured settle delay. Callers hold c.mu.
func (c *Channel) write(cmd []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}

	if _, err := c.rw.Write(cmd); err != nil {
		c.logger.Error("write failed", "error", err)
		return ErrNoData
	}

	if c.cfg.writeDelay > 0 {
		time.Sleep(c.cfg.writeDelay)
	}

	return nil
}

// readLine accumulates bytes until LF, a read timeout, or the frame-size
// limit. Callers hold c.mu.
func (c *Channel) readLine() ([]byte, error) {
	buf := make([]byte, 0, 64)
	one := make([]byte, 1)

	for len(buf) < c.cfg.maxFrameSize {
		n, err := c.rw.Read(one)
		if n > 0 {
			if one[0] == '\n' {
				return bytes.TrimRight(buf, "\r"), nil
			}
			buf = append(buf, one[0])
			continue
		}
		if err != nil {
			c.logger.Debug("read failed", "error", err)
		}
		break
	}

	if len(buf) == 0 {
		return nil, ErrNoData
	}

	return bytes.TrimRight(buf, "\r"), nil
}
