package wsfetch

import (
	"context"
	"sync"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/tidwall/gjson"
)

var (
	framePrefix = []byte("data: ")
	frameSuffix = []byte("\n\n")
	doneFrame   = []byte("data: [DONE]\n\n")
)

// Message types that end an exchange
const (
	typeCompleted = "response.completed"
	typeError     = "error"
)

type exchangeState int

const (
	stateInit exchangeState = iota
	stateAwaitingConnection
	stateStreaming
	stateCompleted
	stateErrored
	stateAborted
)

func (s exchangeState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateAwaitingConnection:
		return "awaiting_connection"
	case stateStreaming:
		return "streaming"
	case stateCompleted:
		return "completed"
	case stateErrored:
		return "errored"
	case stateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (s exchangeState) terminal() bool {
	return s == stateCompleted || s == stateErrored || s == stateAborted
}

type eventKind int

const (
	eventConnected eventKind = iota
	eventMessage
	eventTransportError
	eventTransportClose
	eventCancel
)

type exchangeEvent struct {
	kind eventKind
	data []byte
	err  error
}

type messageClass int

const (
	messageData messageClass = iota
	messageTerminal
	messageOpaque
)

// classifyMessage sorts an inbound message. Opaque messages are not JSON
// and are forwarded without inspection.
func classifyMessage(data []byte) messageClass {
	if !gjson.ValidBytes(data) {
		return messageOpaque
	}
	t := gjson.GetBytes(data, "type")
	if t.Type == gjson.String && (t.Str == typeCompleted || t.Str == typeError) {
		return messageTerminal
	}
	return messageData
}

// transition is the exchange state machine. Terminal states absorb every
// event.
func transition(state exchangeState, ev eventKind, class messageClass) exchangeState {
	if state.terminal() {
		return state
	}

	switch ev {
	case eventConnected:
		if state == stateAwaitingConnection {
			return stateStreaming
		}
	case eventMessage:
		if state == stateStreaming && class == messageTerminal {
			return stateCompleted
		}
	case eventTransportError:
		return stateErrored
	case eventTransportClose:
		return stateCompleted
	case eventCancel:
		return stateAborted
	}
	return state
}

// ExchangeReport summarizes a finished exchange
type ExchangeReport struct {
	ID         string
	Target     string
	Model      string
	Outcome    string
	Generation uint64
	Chunks     int
	Bytes      int64
	StartedAt  time.Time
	Duration   time.Duration
	Err        error
}

// exchange is one bridged request. Events from the socket, the request
// context and the response body all pass through handle.
type exchange struct {
	id      string
	target  string
	model   string
	payload []byte
	manager *connManager
	out     *eventStream
	onDone  func(ExchangeReport)

	mu         sync.Mutex
	state      exchangeState
	conn       *Conn
	detach     func()
	stopCancel func() bool
	startedAt  time.Time
	chunks     int
	bytes      int64
	err        error

	cleanupOnce sync.Once
}

func newExchange(id, target string, payload []byte, manager *connManager, onDone func(ExchangeReport)) *exchange {
	e := &exchange{
		id:        id,
		target:    target,
		model:     gjson.GetBytes(payload, "model").String(),
		payload:   payload,
		manager:   manager,
		out:       newEventStream(),
		onDone:    onDone,
		state:     stateInit,
		startedAt: time.Now(),
	}
	e.out.onClose = func() {
		e.handle(exchangeEvent{kind: eventCancel, err: ErrBodyClosed})
	}
	return e
}

// connect waits for a connection and claims it
func (e *exchange) connect(ctx context.Context, credential string) error {
	e.mu.Lock()
	e.state = stateAwaitingConnection
	e.mu.Unlock()

	conn, err := e.manager.acquire(ctx, credential)
	if err != nil {
		ev := eventTransportError
		if kind, ok := KindOf(err); ok && kind == KindCancellation {
			ev = eventCancel
		}

		e.mu.Lock()
		e.state = transition(e.state, ev, messageData)
		e.err = err
		e.mu.Unlock()

		e.out.finish(err)
		_ = e.out.Close()
		e.cleanup()
		return err
	}

	e.mu.Lock()
	e.conn = conn
	e.state = transition(e.state, eventConnected, messageData)
	e.detach = conn.subscribe(listener{
		onMessage: func(data []byte) {
			e.handle(exchangeEvent{kind: eventMessage, data: data})
		},
		onError: func(err error) {
			e.handle(exchangeEvent{kind: eventTransportError, err: err})
		},
		onClose: func(err error) {
			e.handle(exchangeEvent{kind: eventTransportClose, err: err})
		},
	})
	e.mu.Unlock()
	return nil
}

// start observes cancellation and sends the request message. A context that
// is already done aborts the exchange without sending anything.
func (e *exchange) start(ctx context.Context) {
	if ctx.Err() != nil {
		e.handle(exchangeEvent{kind: eventCancel, err: context.Cause(ctx)})
		return
	}

	stop := context.AfterFunc(ctx, func() {
		e.handle(exchangeEvent{kind: eventCancel, err: context.Cause(ctx)})
	})

	e.mu.Lock()
	if e.state.terminal() {
		e.mu.Unlock()
		stop()
		return
	}
	e.stopCancel = stop
	conn := e.conn
	e.mu.Unlock()

	if err := conn.send(e.payload); err != nil {
		e.handle(exchangeEvent{kind: eventTransportError, err: err})
	}
}

func (e *exchange) handle(ev exchangeEvent) {
	e.mu.Lock()
	if e.state.terminal() {
		e.mu.Unlock()
		return
	}

	class := messageData
	if ev.kind == eventMessage {
		class = classifyMessage(ev.data)
		e.out.push(framePrefix, ev.data, frameSuffix)
		e.chunks++
		e.bytes += int64(len(framePrefix) + len(ev.data) + len(frameSuffix))
	}

	next := transition(e.state, ev.kind, class)
	if next == e.state {
		e.mu.Unlock()
		return
	}
	e.state = next

	switch next {
	case stateCompleted:
		if ev.kind == eventMessage {
			e.out.push(doneFrame)
			e.bytes += int64(len(doneFrame))
		}
		e.out.finish(nil)
	case stateErrored:
		e.err = newTransportError(ev.err)
		e.out.finish(e.err)
	case stateAborted:
		e.err = newCancellationError(ev.err)
		e.out.finish(e.err)
	}
	e.mu.Unlock()

	if next.terminal() {
		e.cleanup()
	}
}

// cleanup detaches listeners, stops observing cancellation and releases the
// connection. It runs once per exchange.
func (e *exchange) cleanup() {
	e.cleanupOnce.Do(func() {
		e.mu.Lock()
		detach, stop, conn := e.detach, e.stopCancel, e.conn
		report := ExchangeReport{
			ID:        e.id,
			Target:    e.target,
			Model:     e.model,
			Outcome:   e.state.String(),
			Chunks:    e.chunks,
			Bytes:     e.bytes,
			StartedAt: e.startedAt,
			Duration:  time.Since(e.startedAt),
			Err:       e.err,
		}
		e.mu.Unlock()

		if detach != nil {
			detach()
		}
		if stop != nil {
			stop()
		}
		if conn != nil {
			report.Generation = conn.Generation()
			e.manager.release(conn)
		}

		if report.Err != nil {
			fiberlog.Debugf("[%s] Exchange %s after %d chunks: %v", e.id, report.Outcome, report.Chunks, report.Err)
		} else {
			fiberlog.Debugf("[%s] Exchange %s: %d chunks, %d bytes in %v", e.id, report.Outcome, report.Chunks, report.Bytes, report.Duration)
		}

		if e.onDone != nil {
			e.onDone(report)
		}
	})
}
