package writers

import (
	"bufio"

	"github.com/Egham-7/adaptive-wsproxy/internal/services/stream/contracts"

	"github.com/valyala/fasthttp"
)

// HTTPStreamWriter writes relayed frames to a fasthttp body stream. Frames
// arrive already terminated, including the [DONE] marker, so Close only flushes.
type HTTPStreamWriter struct {
	writer     *bufio.Writer
	connState  contracts.ConnectionState
	requestID  string
	totalBytes int64
}

func NewHTTPStreamWriter(writer *bufio.Writer, connState contracts.ConnectionState, requestID string) *HTTPStreamWriter {
	return &HTTPStreamWriter{
		writer:    writer,
		connState: connState,
		requestID: requestID,
	}
}

func (w *HTTPStreamWriter) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !w.connState.IsConnected() {
		return contracts.NewClientDisconnectError(w.requestID)
	}

	n, err := w.writer.Write(data)
	w.totalBytes += int64(n)
	if err != nil {
		return w.classify("write failed", err)
	}
	return nil
}

func (w *HTTPStreamWriter) Flush() error {
	if !w.connState.IsConnected() {
		return contracts.NewClientDisconnectError(w.requestID)
	}
	if err := w.writer.Flush(); err != nil {
		return w.classify("flush failed", err)
	}
	return nil
}

// Close flushes whatever is buffered while the client is still there
func (w *HTTPStreamWriter) Close() error {
	if !w.connState.IsConnected() {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return w.classify("flush failed", err)
	}
	return nil
}

func (w *HTTPStreamWriter) classify(message string, err error) error {
	if contracts.IsConnectionClosed(err) {
		return contracts.NewClientDisconnectError(w.requestID)
	}
	return contracts.NewInternalError(w.requestID, message, err)
}

// TotalBytes returns total bytes written
func (w *HTTPStreamWriter) TotalBytes() int64 {
	return w.totalBytes
}

// FastHTTPConnectionState wraps FastHTTP context for connection state
type FastHTTPConnectionState struct {
	ctx *fasthttp.RequestCtx
}

func NewFastHTTPConnectionState(ctx *fasthttp.RequestCtx) *FastHTTPConnectionState {
	return &FastHTTPConnectionState{ctx: ctx}
}

// IsConnected reports false once the server is shutting down the request
func (c *FastHTTPConnectionState) IsConnected() bool {
	if c.ctx == nil {
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	default:
		return true
	}
}

func (c *FastHTTPConnectionState) Done() <-chan struct{} {
	if c.ctx == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.ctx.Done()
}
