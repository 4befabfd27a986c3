package wsfetch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Socket is a live message-oriented connection
type Socket interface {
	// ReadMessage blocks until the next inbound message. A close by the
	// peer is reported as *CloseError, with CloseAbnormal when the
	// connection dropped without a close frame.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one text message
	WriteMessage(data []byte) error
	// Close tears the socket down and unblocks ReadMessage
	Close() error
}

// Upgrader performs the handshake that yields a Socket.
//
// rawURL uses the http or https scheme and header carries the handshake
// headers, including "Upgrade: websocket". A nil Socket with a nil error is
// treated as a failed handshake.
type Upgrader interface {
	Upgrade(ctx context.Context, rawURL string, header http.Header) (Socket, error)
}

// UpgraderFunc adapts a function to the Upgrader interface
type UpgraderFunc func(ctx context.Context, rawURL string, header http.Header) (Socket, error)

func (f UpgraderFunc) Upgrade(ctx context.Context, rawURL string, header http.Header) (Socket, error) {
	return f(ctx, rawURL, header)
}

// CloseAbnormal is the close code reported when the connection dropped
// without a close frame
const CloseAbnormal = 1006

// CloseError reports that the peer closed the socket
type CloseError struct {
	Code int
	Text string
}

// Orderly reports whether the peer completed the closing handshake
func (e *CloseError) Orderly() bool {
	return e.Code != CloseAbnormal
}

func (e *CloseError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("websocket closed with code %d", e.Code)
	}
	return fmt.Sprintf("websocket closed with code %d: %s", e.Code, e.Text)
}

// handshakeURL rewrites socket schemes to their HTTP equivalents
func handshakeURL(rawURL string) string {
	switch {
	case strings.HasPrefix(rawURL, "wss://"):
		return "https://" + strings.TrimPrefix(rawURL, "wss://")
	case strings.HasPrefix(rawURL, "ws://"):
		return "http://" + strings.TrimPrefix(rawURL, "ws://")
	default:
		return rawURL
	}
}

// socketURL is the inverse of handshakeURL
func socketURL(rawURL string) string {
	switch {
	case strings.HasPrefix(rawURL, "https://"):
		return "wss://" + strings.TrimPrefix(rawURL, "https://")
	case strings.HasPrefix(rawURL, "http://"):
		return "ws://" + strings.TrimPrefix(rawURL, "http://")
	default:
		return rawURL
	}
}
