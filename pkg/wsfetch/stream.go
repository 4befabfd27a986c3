package wsfetch

import (
	"errors"
	"io"
	"sync"

	"github.com/Egham-7/adaptive-wsproxy/internal/utils"

	"github.com/valyala/bytebufferpool"
)

// eventStream is the response body of a bridged exchange. Writers never
// block; readers wait until data or a terminal condition is available.
// Queued bytes are always delivered before the terminal error.
type eventStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    *bytebufferpool.ByteBuffer
	off    int
	err    error
	closed bool

	// onClose runs when the consumer closes the body before the stream ended
	onClose func()
}

var errReadAfterClose = errors.New("wsfetch: read on closed response body")

func newEventStream() *eventStream {
	s := &eventStream{buf: utils.Get()}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// push appends parts as one chunk. It reports false once the stream has
// ended or the consumer has gone away.
func (s *eventStream) push(parts ...[]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil || s.closed {
		return false
	}
	for _, p := range parts {
		s.buf.B = append(s.buf.B, p...)
	}
	s.cond.Broadcast()
	return true
}

// finish ends the stream. A nil err ends it gracefully with io.EOF.
func (s *eventStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return
	}
	if err == nil {
		err = io.EOF
	}
	s.err = err
	s.cond.Broadcast()
}

func (s *eventStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.closed && s.off >= len(s.buf.B) && s.err == nil {
		s.cond.Wait()
	}

	if s.closed {
		return 0, errReadAfterClose
	}

	if s.off < len(s.buf.B) {
		n := copy(p, s.buf.B[s.off:])
		s.off += n
		if s.off == len(s.buf.B) {
			s.buf.Reset()
			s.off = 0
		}
		return n, nil
	}

	return 0, s.err
}

func (s *eventStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ended := s.err != nil
	utils.Put(s.buf)
	s.buf = &bytebufferpool.ByteBuffer{}
	s.off = 0
	s.cond.Broadcast()
	onClose := s.onClose
	s.mu.Unlock()

	if !ended && onClose != nil {
		onClose()
	}
	return nil
}
