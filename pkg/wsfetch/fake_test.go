package wsfetch

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type inbound struct {
	data []byte
	err  error
}

// fakeSocket is an in-memory Socket driven by the test
type fakeSocket struct {
	in        chan inbound
	sent      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	writeErr  error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan inbound, 16),
		sent:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case msg := <-s.in:
		return msg.data, msg.err
	case <-s.closed:
		return nil, net.ErrClosed
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.sent <- append([]byte(nil), data...)
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) deliver(data string) {
	s.in <- inbound{data: []byte(data)}
}

func (s *fakeSocket) fail(err error) {
	s.in <- inbound{err: err}
}

func (s *fakeSocket) expectSent(t *testing.T) []byte {
	t.Helper()
	select {
	case msg := <-s.sent:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func (s *fakeSocket) expectNothingSent(t *testing.T) {
	t.Helper()
	select {
	case msg := <-s.sent:
		t.Fatalf("unexpected outbound message: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

type upgradeCall struct {
	url    string
	header http.Header
}

// fakeUpgrader hands out fake sockets and records every handshake
type fakeUpgrader struct {
	mu      sync.Mutex
	calls   []upgradeCall
	sockets []*fakeSocket
	count   atomic.Int32

	gate    chan struct{}
	err     error
	noSock  bool
	started chan struct{}
}

func newFakeUpgrader() *fakeUpgrader {
	return &fakeUpgrader{started: make(chan struct{}, 16)}
}

func (u *fakeUpgrader) Upgrade(ctx context.Context, rawURL string, header http.Header) (Socket, error) {
	u.count.Add(1)
	u.mu.Lock()
	u.calls = append(u.calls, upgradeCall{url: rawURL, header: header.Clone()})
	gate, err, noSock := u.gate, u.err, u.noSock
	u.mu.Unlock()

	u.started <- struct{}{}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if noSock {
		return nil, nil
	}

	s := newFakeSocket()
	u.mu.Lock()
	u.sockets = append(u.sockets, s)
	u.mu.Unlock()
	return s, nil
}

func (u *fakeUpgrader) socket(t *testing.T, i int) *fakeSocket {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	require.Greater(t, len(u.sockets), i, "socket %d was never created", i)
	return u.sockets[i]
}

func (u *fakeUpgrader) lastCall(t *testing.T) upgradeCall {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	require.NotEmpty(t, u.calls)
	return u.calls[len(u.calls)-1]
}

// reports collects exchange reports from the transport hook
type reports struct {
	ch chan ExchangeReport
}

func newReports() *reports {
	return &reports{ch: make(chan ExchangeReport, 16)}
}

func (r *reports) hook(report ExchangeReport) {
	r.ch <- report
}

func (r *reports) next(t *testing.T) ExchangeReport {
	t.Helper()
	select {
	case report := <-r.ch:
		return report
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exchange report")
		return ExchangeReport{}
	}
}

func (r *reports) none(t *testing.T) {
	t.Helper()
	select {
	case report := <-r.ch:
		t.Fatalf("unexpected exchange report: %+v", report)
	case <-time.After(50 * time.Millisecond):
	}
}
