package wsfetch

import (
	"context"
	"net/http"
	"sync"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// pendingConnect is an establishment in flight. done is closed once conn
// or err is set.
type pendingConnect struct {
	done    chan struct{}
	conn    *Conn
	err     error
	cancel  context.CancelFunc
	waiters int
}

// ConnectionSnapshot describes the manager state at one instant
type ConnectionSnapshot struct {
	State      ReadyState `json:"state"`
	Connected  bool       `json:"connected"`
	Busy       bool       `json:"busy"`
	Connecting bool       `json:"connecting"`
	Waiters    int        `json:"waiters"`
	Generation uint64     `json:"generation"`
}

// connManager owns the single socket, the pending establishment and the
// busy flag. All three are only touched under mu.
type connManager struct {
	url              string
	header           http.Header
	upgrader         Upgrader
	handshakeTimeout time.Duration

	mu         sync.Mutex
	conn       *Conn
	busy       bool
	pending    *pendingConnect
	generation uint64
}

func newConnManager(url string, header http.Header, upgrader Upgrader, handshakeTimeout time.Duration) *connManager {
	return &connManager{
		url:              url,
		header:           header,
		upgrader:         upgrader,
		handshakeTimeout: handshakeTimeout,
	}
}

// acquire returns an open connection already claimed for the caller.
//
// An idle open connection is claimed immediately. Otherwise the caller joins
// the establishment in flight or starts one. When the open connection is
// busy and nothing is being established, ErrConnectionBusy is returned.
func (m *connManager) acquire(ctx context.Context, credential string) (*Conn, error) {
	m.mu.Lock()
	if m.conn != nil && m.conn.State() == StateOpen && !m.busy {
		m.busy = true
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}

	p := m.pending
	if p == nil {
		if m.conn != nil && m.conn.State() == StateOpen {
			m.mu.Unlock()
			return nil, ErrConnectionBusy
		}
		p = m.startLocked(credential)
	}
	p.waiters++
	m.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		m.mu.Lock()
		p.waiters--
		m.mu.Unlock()
		return nil, newCancellationError(context.Cause(ctx))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p.waiters--

	if p.err != nil {
		return nil, p.err
	}
	if m.conn != p.conn || p.conn.State() != StateOpen {
		return nil, newConnectionError(ErrConnectionClosed)
	}
	if m.busy {
		return nil, ErrConnectionBusy
	}
	m.busy = true
	return p.conn, nil
}

// startLocked begins an establishment. The handshake runs on its own
// context so that one waiter giving up does not fail the others.
func (m *connManager) startLocked(credential string) *pendingConnect {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.handshakeTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), m.handshakeTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	p := &pendingConnect{
		done:   make(chan struct{}),
		cancel: cancel,
	}
	m.pending = p

	go m.establish(ctx, p, m.handshakeHeader(credential))
	return p
}

func (m *connManager) handshakeHeader(credential string) http.Header {
	h := m.header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Upgrade", "websocket")
	if credential != "" {
		h.Set("Authorization", credential)
	}
	return h
}

func (m *connManager) establish(ctx context.Context, p *pendingConnect, header http.Header) {
	defer p.cancel()
	defer close(p.done)

	target := handshakeURL(m.url)
	fiberlog.Debugf("[wsfetch] Establishing WebSocket connection to %s", target)

	socket, err := m.upgrader.Upgrade(ctx, target, header)
	if err == nil && socket == nil {
		err = ErrNoSocket
	}

	m.mu.Lock()
	detached := m.pending != p
	if !detached {
		m.pending = nil
	}

	if err != nil {
		m.mu.Unlock()
		fiberlog.Warnf("[wsfetch] WebSocket connection to %s failed: %v", target, err)
		p.err = newConnectionError(err)
		return
	}

	if detached {
		m.mu.Unlock()
		_ = socket.Close()
		p.err = newConnectionError(ErrConnectionClosed)
		return
	}

	m.generation++
	conn := newConn(socket, m.generation)
	conn.subscribe(listener{
		onClose: func(error) { m.forget(conn) },
	})
	m.conn = conn
	m.busy = false
	p.conn = conn
	m.mu.Unlock()

	conn.start()
	fiberlog.Debugf("[wsfetch] WebSocket connection %d established", conn.generation)
}

// forget drops conn if it is still the current connection
func (m *connManager) forget(conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == conn {
		m.conn = nil
		m.busy = false
		fiberlog.Debugf("[wsfetch] WebSocket connection %d closed", conn.generation)
	}
}

// release clears the busy flag if conn is still the current connection
func (m *connManager) release(conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == conn {
		m.busy = false
	}
}

// close tears down the current connection and abandons any establishment.
// The manager stays usable; the next acquire connects again.
func (m *connManager) close() error {
	m.mu.Lock()
	conn := m.conn
	p := m.pending
	m.conn = nil
	m.busy = false
	m.pending = nil
	m.mu.Unlock()

	if p != nil {
		p.cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (m *connManager) snapshot() ConnectionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := ConnectionSnapshot{
		State:      StateClosed,
		Busy:       m.busy,
		Connecting: m.pending != nil,
		Generation: m.generation,
	}
	if m.pending != nil {
		snap.State = StateConnecting
		snap.Waiters = m.pending.waiters
	}
	if m.conn != nil {
		snap.State = m.conn.State()
		snap.Connected = snap.State == StateOpen
	}
	return snap
}
