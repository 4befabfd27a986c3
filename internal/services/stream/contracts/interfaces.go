package contracts

import (
	"context"
	"io"
)

// StreamReader yields complete SSE frames in client wire format
type StreamReader interface {
	io.Reader
	io.Closer
}

// StreamWriter handles output with flush capabilities
type StreamWriter interface {
	Write([]byte) error
	Flush() error
	Close() error
}

// StreamHandler relays a stream to a writer
type StreamHandler interface {
	Handle(ctx context.Context, writer StreamWriter) error
}

// ConnectionState tracks client connection status
type ConnectionState interface {
	IsConnected() bool
	Done() <-chan struct{}
}

// Summary describes a finished relay
type Summary struct {
	RequestID string
	Events    int64
	Bytes     int64
	LastEvent string
	Outcome   StreamErrorType
}
