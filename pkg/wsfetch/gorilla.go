package wsfetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	closeGracePeriod        = time.Second
)

// Handshake headers the gorilla dialer generates itself and rejects when
// supplied by the caller.
var dialerOwnedHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
}

// DialUpgrader is the default Upgrader, backed by a gorilla/websocket dialer
type DialUpgrader struct {
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

// NewDialUpgrader creates an upgrader with the given handshake timeout
func NewDialUpgrader(handshakeTimeout time.Duration) *DialUpgrader {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &DialUpgrader{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		WriteTimeout: defaultWriteTimeout,
	}
}

// Upgrade dials rawURL and returns the established socket
func (u *DialUpgrader) Upgrade(ctx context.Context, rawURL string, header http.Header) (Socket, error) {
	dialer := u.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, name := range dialerOwnedHeaders {
		h.Del(name)
	}

	conn, resp, err := dialer.DialContext(ctx, socketURL(rawURL), h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}

	return &gorillaSocket{conn: conn, writeTimeout: u.WriteTimeout}, nil
}

type gorillaSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func (s *gorillaSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &CloseError{Code: closeErr.Code, Text: closeErr.Text}
		}
		return nil, err
	}
	return data, nil
}

func (s *gorillaSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *gorillaSocket) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		s.writeMu.Unlock()

		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
