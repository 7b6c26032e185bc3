package mcp

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTransportNotReady is returned for operations issued before the handshake completed.
	ErrTransportNotReady = errors.New("transport not ready")
	// ErrTransportClosed fails operations still pending when the transport is closed.
	ErrTransportClosed = errors.New("transport closed")
	// ErrChannelClosed is reported when the peer's primary output ends.
	ErrChannelClosed = errors.New("channel closed by peer")
	// ErrBackendNotAlive is reported by a failed health check.
	ErrBackendNotAlive = errors.New("backend not alive")
	// ErrCancelled completes an operation cancelled by its caller.
	ErrCancelled = errors.New("operation cancelled")
	// ErrTimeout is returned when a per-call deadline expires.
	ErrTimeout = errors.New("operation timed out")
	// ErrStartFailed is reported when the backend could not be started.
	ErrStartFailed = errors.New("transport start failed")
	// ErrWriteFailed fails a single operation whose frame could not be written.
	ErrWriteFailed = errors.New("failed to write frame")
)

// TransportError is a failure of the transport itself, as opposed to an error
// reply from the peer. Err is one of the sentinel errors above; Cause, when set,
// is the underlying error that triggered it.
type TransportError struct {
	Op    string
	Err   error
	Cause error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Err, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is and errors.As.
func (e *TransportError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func newTransportError(op string, sentinel, cause error) *TransportError {
	return &TransportError{Op: op, Err: sentinel, Cause: cause}
}

// IsTransportError reports whether err is a transport-level failure.
func IsTransportError(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	for _, sentinel := range []error{
		ErrTransportNotReady, ErrTransportClosed, ErrChannelClosed,
		ErrBackendNotAlive, ErrCancelled, ErrTimeout, ErrStartFailed, ErrWriteFailed,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// IsProtocolError reports whether err is an error reply sent by the peer.
func IsProtocolError(err error) bool {
	var rpcErr *JSONRPCError
	return errors.As(err, &rpcErr)
}
