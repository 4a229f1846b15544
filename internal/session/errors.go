package session

import (
	"context"
	"errors"

	"github.com/tamzrod/renogy-bridge/internal/protocol"
)

// ErrTimeout means the device did not answer within the request deadline.
var ErrTimeout = errors.New("session: response timeout")

// ConnectError wraps a transport-level failure to reach the peripheral.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return "session: connect: " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies a poll failure for backoff and logging decisions.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindConnect
	KindTimeout
	KindProtocol
	KindCancelled
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnect:
		return "connect"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindCancelled:
		return "cancelled"
	default:
		return "other"
	}
}

// Classify maps an error returned by PollOnce onto its kind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	default:
		var ce *ConnectError
		if errors.As(err, &ce) {
			return KindConnect
		}
		if protocol.IsProtocolError(err) {
			return KindProtocol
		}
		return KindOther
	}
}
