// Package modbus implements the Modbus RTU framing used by the temperature
// controllers: read-holding-registers and write-multiple-registers requests,
// response validation, and the 32-bit float encoding packed across two
// consecutive holding registers.
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Modbus function codes used by the source controllers.
const (
	FuncReadHolding   byte = 0x03
	FuncWriteMultiple byte = 0x10
)

// exceptionFlag marks an exception response (function code with bit 7 set).
const exceptionFlag byte = 0x80

const crcSize = 2

// Sentinel errors for frame validation.
var (
	ErrShortResponse = errors.New("modbus: response too short")
	ErrCRCMismatch   = errors.New("modbus: CRC mismatch")
	ErrUnitMismatch  = errors.New("modbus: unit id mismatch")
	ErrFuncMismatch  = errors.New("modbus: function code mismatch")
)

// ExceptionError is a Modbus exception response (function code echoed with
// bit 7 set, followed by a one-byte exception code).
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception %d for function %#02x", e.Code, e.Function)
}

// CRC16 computes the Modbus RTU CRC-16 (polynomial 0xA001) over data.
func CRC16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}

	return crc
}

// appendCRC appends the little-endian CRC of frame to frame.
func appendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

// verifyCRC checks the trailing CRC of a received frame.
func verifyCRC(frame []byte) bool {
	n := len(frame)
	if n < crcSize {
		return false
	}

	want := uint16(frame[n-2]) | uint16(frame[n-1])<<8

	return CRC16(frame[:n-2]) == want
}

// BuildReadRequest builds a read-holding-registers (function 3) request for
// count registers starting at addr.
func BuildReadRequest(unit byte, addr, count uint16) []byte {
	pdu := []byte{unit, FuncReadHolding, byte(addr >> 8), byte(addr), byte(count >> 8), byte(count)}
	return appendCRC(pdu)
}

// BuildWriteRequest builds a write-multiple-registers (function 16) request
// writing regs starting at addr.
func BuildWriteRequest(unit byte, addr uint16, regs []uint16) []byte {
	count := uint16(len(regs))
	pdu := []byte{
		unit, FuncWriteMultiple,
		byte(addr >> 8), byte(addr),
		byte(count >> 8), byte(count),
		byte(count * 2),
	}
	for _, r := range regs {
		pdu = append(pdu, byte(r>>8), byte(r))
	}

	return appendCRC(pdu)
}

// ReadResponseLen returns the expected length of a read-holding-registers
// response carrying count registers.
func ReadResponseLen(count uint16) int {
	return 3 + int(count)*2 + crcSize
}

// WriteResponseLen returns the expected length of a write-multiple-registers
// response.
func WriteResponseLen() int {
	return 6 + crcSize
}

// ParseReadResponse validates a read-holding-registers response and returns
// the register values.
func ParseReadResponse(resp []byte, unit byte, count uint16) ([]uint16, error) {
	if err := checkHeader(resp, unit, FuncReadHolding); err != nil {
		return nil, err
	}

	want := ReadResponseLen(count)
	if len(resp) < want {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrShortResponse, len(resp), want)
	}
	if !verifyCRC(resp[:want]) {
		return nil, ErrCRCMismatch
	}
	if int(resp[2]) != int(count)*2 {
		return nil, fmt.Errorf("modbus: byte count %d does not match %d registers", resp[2], count)
	}

	regs := make([]uint16, count)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(resp[3+i*2:])
	}

	return regs, nil
}

// ParseWriteResponse validates a write-multiple-registers response.
func ParseWriteResponse(resp []byte, unit byte) error {
	if err := checkHeader(resp, unit, FuncWriteMultiple); err != nil {
		return err
	}

	want := WriteResponseLen()
	if len(resp) < want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrShortResponse, len(resp), want)
	}
	if !verifyCRC(resp[:want]) {
		return ErrCRCMismatch
	}

	return nil
}

// checkHeader validates unit and function bytes, surfacing exception
// responses as *ExceptionError.
func checkHeader(resp []byte, unit byte, fn byte) error {
	if len(resp) < 3 {
		return ErrShortResponse
	}
	if resp[0] != unit {
		return fmt.Errorf("%w: got %d, want %d", ErrUnitMismatch, resp[0], unit)
	}
	if resp[1] == fn|exceptionFlag {
		// exception frames are exactly unit + function + code + CRC
		if len(resp) < 5 {
			return fmt.Errorf("%w: exception frame is %d bytes", ErrShortResponse, len(resp))
		}
		if !verifyCRC(resp[:5]) {
			return ErrCRCMismatch
		}

		return &ExceptionError{Function: fn, Code: resp[2]}
	}
	if resp[1] != fn {
		return fmt.Errorf("%w: got %#02x, want %#02x", ErrFuncMismatch, resp[1], fn)
	}

	return nil
}

// Float register word order.
//
// The Eurotherm 2604/2404 serial-comms manuals document IEEE-754 floats in
// big-endian word order: the high word occupies the lower-addressed register.
// This is an explicit project decision, recorded here rather than inferred;
// a controller with the opposite order needs only these two functions changed.

// Float32ToRegisters packs an IEEE-754 float32 into two registers, high word
// first.
func Float32ToRegisters(v float32) [2]uint16 {
	bits := math.Float32bits(v)
	return [2]uint16{uint16(bits >> 16), uint16(bits & 0xFFFF)}
}

// RegistersToFloat32 unpacks two registers (high word first) into a float32.
func RegistersToFloat32(regs []uint16) (float32, error) {
	if len(regs) != 2 {
		return 0, fmt.Errorf("modbus: float32 needs 2 registers, got %d", len(regs))
	}

	bits := uint32(regs[0])<<16 | uint32(regs[1])

	return math.Float32frombits(bits), nil
}
