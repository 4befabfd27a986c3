package contracts

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// StreamErrorType categorizes the ways a relayed stream can end
type StreamErrorType int

const (
	// Expected endings, not logged as errors
	ClientDisconnect StreamErrorType = iota
	StreamComplete

	// Unexpected endings
	UpstreamError
	InternalError
)

func (t StreamErrorType) String() string {
	switch t {
	case ClientDisconnect:
		return "client_disconnect"
	case StreamComplete:
		return "complete"
	case UpstreamError:
		return "upstream_error"
	case InternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// StreamError describes why a relayed stream ended
type StreamError struct {
	Type      StreamErrorType
	Message   string
	Cause     error
	RequestID string
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// IsExpected reports endings that are not failures
func (e *StreamError) IsExpected() bool {
	return e.Type == ClientDisconnect || e.Type == StreamComplete
}

func NewClientDisconnectError(requestID string) *StreamError {
	return &StreamError{
		Type:      ClientDisconnect,
		Message:   "client disconnected",
		RequestID: requestID,
	}
}

func NewStreamCompleteError(requestID string) *StreamError {
	return &StreamError{
		Type:      StreamComplete,
		Message:   "stream completed normally",
		RequestID: requestID,
	}
}

func NewUpstreamError(requestID string, cause error) *StreamError {
	return &StreamError{
		Type:      UpstreamError,
		Message:   "upstream stream failed",
		Cause:     cause,
		RequestID: requestID,
	}
}

func NewInternalError(requestID, message string, cause error) *StreamError {
	return &StreamError{
		Type:      InternalError,
		Message:   message,
		Cause:     cause,
		RequestID: requestID,
	}
}

// TypeOf returns the StreamErrorType carried by err
func TypeOf(err error) (StreamErrorType, bool) {
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Type, true
	}
	return 0, false
}

// IsClientDisconnect checks if err reports that the downstream client went away
func IsClientDisconnect(err error) bool {
	t, ok := TypeOf(err)
	return ok && t == ClientDisconnect
}

// IsExpectedError checks if err is an expected ending
func IsExpectedError(err error) bool {
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return streamErr.IsExpected()
	}
	return false
}

// IsConnectionClosed checks if err indicates the client socket is gone
func IsConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection closed") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "use of closed network connection")
}
