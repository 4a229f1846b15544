// Package protocol implements the Renogy Modbus-over-BLE frame codec.
//
// Requests: [device][fc][start 2][words 2][crc16 2]
// Responses: [device][fc][byte count][data N][crc16 2]
//
// Pure byte arithmetic. No IO. No state.
package protocol

import "encoding/binary"

// FuncReadHolding is the only function code Renogy BT modules answer.
const FuncReadHolding uint8 = 0x03

const (
	requestLen        = 8
	responseHeaderLen = 3
	crcLen            = 2
)

// EncodeReadRequest builds a read request frame with the CRC trailer.
func EncodeReadRequest(deviceID, fc uint8, start, words uint16) []byte {
	frame := make([]byte, 0, requestLen)
	frame = append(frame, deviceID, fc)
	frame = binary.BigEndian.AppendUint16(frame, start)
	frame = binary.BigEndian.AppendUint16(frame, words)
	return appendCRC(frame)
}

// ExpectedResponseLen returns the full frame length of a successful read
// response carrying the given word count.
func ExpectedResponseLen(words int) int {
	return responseHeaderLen + 2*words + crcLen
}

// ReadRequest is a decoded request frame.
type ReadRequest struct {
	DeviceID uint8
	Function uint8
	Start    uint16
	Words    uint16
}

// DecodeReadRequest validates a request frame and returns its fields.
// The device side of the conversation; also what test fixtures use to
// answer like a peripheral would.
func DecodeReadRequest(frame []byte) (ReadRequest, error) {
	if len(frame) < requestLen {
		return ReadRequest{}, ErrIncomplete
	}

	want := CRC16(frame[:requestLen-crcLen])
	got := uint16(frame[requestLen-2]) | uint16(frame[requestLen-1])<<8
	if want != got {
		return ReadRequest{}, ErrCRCMismatch
	}

	return ReadRequest{
		DeviceID: frame[0],
		Function: frame[1],
		Start:    binary.BigEndian.Uint16(frame[2:4]),
		Words:    binary.BigEndian.Uint16(frame[4:6]),
	}, nil
}

// EncodeReadResponse builds a response frame for the given registers.
// Counterpart of DecodeReadResponse; exists for fixtures and loopback tests.
func EncodeReadResponse(deviceID, fc uint8, regs []uint16) []byte {
	frame := make([]byte, 0, responseHeaderLen+2*len(regs)+crcLen)
	frame = append(frame, deviceID, fc, byte(2*len(regs)))
	for _, r := range regs {
		frame = binary.BigEndian.AppendUint16(frame, r)
	}
	return appendCRC(frame)
}

// DecodeReadResponse validates a response frame and returns its registers in
// wire order. deviceID and fc are the values the request carried.
//
// BLE notifications may append trailing garbage after a complete frame; the
// declared byte count decides where the frame ends and extra bytes are
// ignored.
func DecodeReadResponse(frame []byte, deviceID, fc uint8) ([]uint16, error) {
	if len(frame) < responseHeaderLen+crcLen {
		return nil, ErrIncomplete
	}

	if frame[0] != deviceID {
		return nil, ErrDeviceMismatch
	}

	if frame[1]&0x80 != 0 {
		return nil, &ExceptionError{Function: frame[1] &^ 0x80, ExCode: frame[2]}
	}

	if frame[1] != fc {
		return nil, ErrUnexpectedFunctionCode
	}

	byteCount := int(frame[2])
	total := responseHeaderLen + byteCount + crcLen
	if len(frame) < total {
		return nil, ErrIncomplete
	}
	if byteCount%2 != 0 {
		return nil, ErrIncomplete
	}

	want := CRC16(frame[:responseHeaderLen+byteCount])
	got := uint16(frame[total-2]) | uint16(frame[total-1])<<8
	if want != got {
		return nil, ErrCRCMismatch
	}

	regs := make([]uint16, byteCount/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(frame[responseHeaderLen+2*i:])
	}
	return regs, nil
}
