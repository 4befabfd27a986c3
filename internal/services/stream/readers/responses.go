package readers

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/Egham-7/adaptive-wsproxy/internal/utils"

	ssestream "github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/tidwall/gjson"
	"github.com/valyala/bytebufferpool"
)

var (
	framePrefix = []byte("data: ")
	frameSuffix = []byte("\n\n")
	doneData    = []byte("[DONE]")

	// ErrEmptyStream is returned when the upstream ends before its first event
	ErrEmptyStream = errors.New("empty stream from upstream")
)

// ResponsesEventReader re-frames a Responses API event stream as
// "data: <event>\n\n" frames. Event names and comments are dropped because
// every event carries its name in its "type" field.
type ResponsesEventReader struct {
	decoder   ssestream.Decoder
	buffer    *bytebufferpool.ByteBuffer
	off       int
	requestID string

	mu        sync.Mutex
	done      bool
	closeOnce sync.Once

	events    int64
	lastEvent string
	pending   []byte
}

// NewResponsesEventReader validates the stream by decoding its first event so
// upstream failures surface before the client response is committed.
func NewResponsesEventReader(resp *http.Response, requestID string) (*ResponsesEventReader, error) {
	decoder := ssestream.NewDecoder(resp)
	if decoder == nil {
		return nil, ErrEmptyStream
	}

	r := &ResponsesEventReader{
		decoder:   decoder,
		buffer:    utils.Get(),
		requestID: requestID,
	}
	if !r.next() {
		err := decoder.Err()
		_ = r.Close()
		if err == nil || errors.Is(err, io.EOF) {
			return nil, ErrEmptyStream
		}
		return nil, err
	}
	return r, nil
}

// next decodes one event into pending; it returns false at the end of the stream
func (r *ResponsesEventReader) next() bool {
	for r.decoder.Next() {
		data := bytes.TrimRight(r.decoder.Event().Data, "\n")
		if len(data) == 0 {
			continue
		}
		r.pending = append([]byte(nil), data...)
		return true
	}
	return false
}

// Read implements io.Reader. Frames larger than p are returned across calls.
func (r *ResponsesEventReader) Read(p []byte) (int, error) {
	if r.off < len(r.buffer.B) {
		n := copy(p, r.buffer.B[r.off:])
		r.off += n
		return n, nil
	}

	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done {
		return 0, io.EOF
	}

	if r.pending == nil && !r.next() {
		r.setDone()
		if err := r.decoder.Err(); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		return 0, io.EOF
	}

	data := r.pending
	r.pending = nil
	r.buffer.Reset()
	r.off = 0
	r.buffer.B = append(r.buffer.B, framePrefix...)
	r.buffer.B = append(r.buffer.B, data...)
	r.buffer.B = append(r.buffer.B, frameSuffix...)

	if bytes.Equal(data, doneData) {
		r.setDone()
	} else {
		r.mu.Lock()
		r.events++
		r.lastEvent = gjson.GetBytes(data, "type").String()
		r.mu.Unlock()
	}

	n := copy(p, r.buffer.B)
	r.off = n
	return n, nil
}

// Events counts relayed events, excluding the [DONE] marker
func (r *ResponsesEventReader) Events() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

// LastEvent returns the type of the most recent event
func (r *ResponsesEventReader) LastEvent() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastEvent
}

func (r *ResponsesEventReader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.setDone()
		err = r.decoder.Close()
		utils.Put(r.buffer)
		r.buffer = &bytebufferpool.ByteBuffer{}
		r.off = 0
	})
	return err
}

func (r *ResponsesEventReader) setDone() {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
}
