package modbus

import (
	"fmt"

	"github.com/lattice-mbe/lattice/channel"
	"github.com/lattice-mbe/lattice/logger"
)

// Client issues Modbus RTU transactions through a shared channel.
//
// The channel's lock makes each request/response exchange atomic with respect
// to the other devices on the same physical line.
type Client struct {
	ch     *channel.Channel
	logger logger.Logger
}

// NewClient creates a Modbus client on the given channel.
func NewClient(ch *channel.Channel, l logger.Logger) *Client {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Client{ch: ch, logger: l}
}

// ReadFloat32 reads an IEEE-754 float spanning two holding registers at addr.
func (c *Client) ReadFloat32(unit byte, addr uint16) (float64, error) {
	const count = 2

	req := BuildReadRequest(unit, addr, count)
	resp, err := c.ch.TransactRaw(req, ReadResponseLen(count))
	if err != nil {
		return 0, fmt.Errorf("modbus: read %d from unit %d: %w", addr, unit, err)
	}

	regs, err := ParseReadResponse(resp, unit, count)
	if err != nil {
		return 0, err
	}

	v, err := RegistersToFloat32(regs)
	if err != nil {
		return 0, err
	}

	return float64(v), nil
}

// WriteFloat32 writes an IEEE-754 float spanning two holding registers at addr.
func (c *Client) WriteFloat32(unit byte, addr uint16, value float64) error {
	regs := Float32ToRegisters(float32(value))

	req := BuildWriteRequest(unit, addr, regs[:])
	resp, err := c.ch.TransactRaw(req, WriteResponseLen())
	if err != nil {
		return fmt.Errorf("modbus: write %d to unit %d: %w", addr, unit, err)
	}

	return ParseWriteResponse(resp, unit)
}
