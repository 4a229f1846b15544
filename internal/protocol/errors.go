package protocol

import (
	"errors"
	"fmt"
)

// Protocol errors. All decode failures map onto one of these so callers can
// classify without string matching.
var (
	// ErrIncomplete means the frame is shorter than its declared length.
	ErrIncomplete = errors.New("protocol: incomplete frame")

	// ErrCRCMismatch means the trailing CRC16 does not match the payload.
	ErrCRCMismatch = errors.New("protocol: crc mismatch")

	// ErrUnexpectedFunctionCode means the response echoes a different
	// function code than the request carried.
	ErrUnexpectedFunctionCode = errors.New("protocol: unexpected function code")

	// ErrDeviceMismatch means the response came from a different modbus
	// device id than addressed.
	ErrDeviceMismatch = errors.New("protocol: device id mismatch")
)

// ExceptionError is a well-formed modbus exception response (function code
// with the high bit set). The device understood the request and refused it.
type ExceptionError struct {
	Function uint8
	ExCode   uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("protocol: modbus exception fc=%d code=%d", e.Function, e.ExCode)
}

// Code exposes the exception code for best-effort status reporting.
func (e *ExceptionError) Code() uint16 {
	return uint16(e.ExCode)
}

// IsProtocolError reports whether err belongs to this package's taxonomy.
func IsProtocolError(err error) bool {
	var ex *ExceptionError
	return errors.Is(err, ErrIncomplete) ||
		errors.Is(err, ErrCRCMismatch) ||
		errors.Is(err, ErrUnexpectedFunctionCode) ||
		errors.Is(err, ErrDeviceMismatch) ||
		errors.As(err, &ex)
}
