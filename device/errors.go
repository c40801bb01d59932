package device

import "errors"

var (
	// ErrUnknownAddressSet indicates a source was configured with a register
	// profile name that is not in the catalog.
	ErrUnknownAddressSet = errors.New("device: unknown address set")

	// ErrDuplicateDevice indicates a device name was registered twice.
	ErrDuplicateDevice = errors.New("device: duplicate device name")

	// ErrBadResponse indicates a response that did not match the expected
	// pattern for the device's protocol.
	ErrBadResponse = errors.New("device: malformed response")

	// ErrDisabled indicates an actuation was requested on a shutter whose
	// safety lockout is engaged.
	ErrDisabled = errors.New("device: shutter disabled")
)
