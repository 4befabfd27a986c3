package wsfetch

import (
	"errors"
	"fmt"
)

// Kind categorizes bridge failures
type Kind int

const (
	// KindConnection means the socket could not be established.
	// It is returned from RoundTrip.
	KindConnection Kind = iota
	// KindTransport means the socket failed while an exchange was streaming.
	// It is surfaced through the response body.
	KindTransport
	// KindCancellation means the caller abandoned the exchange.
	KindCancellation
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTransport:
		return "transport"
	case KindCancellation:
		return "cancellation"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var (
	// ErrConnectionBusy is returned when the shared socket is serving another exchange
	ErrConnectionBusy = errors.New("wsfetch: connection busy")
	// ErrNoSocket is returned when the upgrade completed without yielding a socket
	ErrNoSocket = errors.New("wsfetch: failed to establish WebSocket connection")
	// ErrConnectionClosed is returned when the socket went away before it could be used
	ErrConnectionClosed = errors.New("wsfetch: connection closed")
	// ErrAborted matches every cancellation error
	ErrAborted = errors.New("wsfetch: exchange aborted")
	// ErrBodyClosed is the cancellation reason when the response body is closed early
	ErrBodyClosed = errors.New("wsfetch: response body closed")
)

// Error is the structured error produced by the bridge
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("wsfetch: %s: %v", e.Message, e.Cause)
	}
	return "wsfetch: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports cancellation errors as ErrAborted regardless of their reason
func (e *Error) Is(target error) bool {
	return target == ErrAborted && e.Kind == KindCancellation
}

func newConnectionError(cause error) *Error {
	return &Error{
		Kind:    KindConnection,
		Message: "WebSocket connection failed",
		Cause:   cause,
	}
}

func newTransportError(cause error) *Error {
	return &Error{
		Kind:    KindTransport,
		Message: "WebSocket error",
		Cause:   cause,
	}
}

func newCancellationError(reason error) *Error {
	return &Error{
		Kind:    KindCancellation,
		Message: "exchange aborted",
		Cause:   reason,
	}
}

// KindOf returns the kind of a bridge error anywhere in err's chain
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsConnectionError checks if err is a failed socket establishment
func IsConnectionError(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindConnection
}
