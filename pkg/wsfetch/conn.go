package wsfetch

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ReadyState mirrors the lifecycle of a socket
type ReadyState int32

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// listener receives socket events. Any callback may be nil.
type listener struct {
	onMessage func(data []byte)
	onError   func(err error)
	onClose   func(err error)
}

type subscription struct {
	listener
}

// Conn is a socket owned by the connection manager. A single reader
// goroutine delivers events to subscribers in the order they arrive.
type Conn struct {
	socket     Socket
	generation uint64

	state   atomic.Int32
	closing atomic.Bool
	done    chan struct{}

	mu   sync.Mutex
	subs []*subscription
}

func newConn(socket Socket, generation uint64) *Conn {
	c := &Conn{
		socket:     socket,
		generation: generation,
		done:       make(chan struct{}),
	}
	c.state.Store(int32(StateOpen))
	return c
}

// Generation identifies the connection among those a manager has created
func (c *Conn) Generation() uint64 {
	return c.generation
}

// State returns the current ready state
func (c *Conn) State() ReadyState {
	return ReadyState(c.state.Load())
}

// Done is closed once the reader goroutine has delivered the close event
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) start() {
	go c.readLoop()
}

// subscribe registers l and returns a function that detaches it
func (c *Conn) subscribe(l listener) func() {
	sub := &subscription{listener: l}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s == sub {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *Conn) snapshot() []*subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*subscription, len(c.subs))
	copy(out, c.subs)
	return out
}

func (c *Conn) send(data []byte) error {
	if c.State() != StateOpen {
		return ErrConnectionClosed
	}
	return c.socket.WriteMessage(data)
}

// Close closes the socket. Subscribers get a close event and no error event.
func (c *Conn) Close() error {
	c.closing.Store(true)
	return c.socket.Close()
}

func (c *Conn) readLoop() {
	defer close(c.done)

	for {
		data, err := c.socket.ReadMessage()
		if err != nil {
			c.state.Store(int32(StateClosed))
			c.dispatchTermination(err)
			return
		}

		for _, sub := range c.snapshot() {
			if sub.onMessage != nil {
				sub.onMessage(data)
			}
		}
	}
}

// dispatchTermination emits an error event for abnormal terminations and a
// close event in every case
func (c *Conn) dispatchTermination(err error) {
	var closeErr *CloseError
	orderly := (errors.As(err, &closeErr) && closeErr.Orderly()) || c.closing.Load()

	if !orderly {
		for _, sub := range c.snapshot() {
			if sub.onError != nil {
				sub.onError(err)
			}
		}
	}

	for _, sub := range c.snapshot() {
		if sub.onClose != nil {
			sub.onClose(err)
		}
	}
}
