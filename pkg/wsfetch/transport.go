package wsfetch

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

const (
	// DefaultURL is the Responses API socket endpoint
	DefaultURL = "wss://api.openai.com/v1/responses"
	// BetaHeader and BetaValue opt the handshake into the socket protocol
	BetaHeader = "OpenAI-Beta"
	BetaValue  = "responses_websockets=2026-02-06"
)

type options struct {
	url              string
	base             http.RoundTripper
	upgrader         Upgrader
	header           http.Header
	handshakeTimeout time.Duration
	onDone           func(ExchangeReport)
}

// Option configures a Transport
type Option func(*options)

// WithURL sets the socket endpoint. ws, wss, http and https schemes are accepted.
func WithURL(url string) Option {
	return func(o *options) { o.url = url }
}

// WithBase sets the transport used for requests that are not bridged
func WithBase(base http.RoundTripper) Option {
	return func(o *options) { o.base = base }
}

// WithUpgrader replaces the gorilla dialer used for the handshake
func WithUpgrader(u Upgrader) Option {
	return func(o *options) { o.upgrader = u }
}

// WithHeader adds a handshake header. Setting BetaHeader overrides the default.
func WithHeader(key, value string) Option {
	return func(o *options) { o.header.Set(key, value) }
}

// WithHandshakeTimeout bounds socket establishment
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithExchangeHook registers a callback invoked once per bridged exchange
// when it ends. It runs on the goroutine that ended the exchange and must
// not block.
func WithExchangeHook(fn func(ExchangeReport)) Option {
	return func(o *options) { o.onDone = fn }
}

// Transport bridges streaming Responses API calls onto a WebSocket
type Transport struct {
	base    http.RoundTripper
	url     string
	manager *connManager
	onDone  func(ExchangeReport)
}

// New creates a Transport
func New(opts ...Option) *Transport {
	o := &options{
		url:              DefaultURL,
		base:             http.DefaultTransport,
		header:           http.Header{},
		handshakeTimeout: defaultHandshakeTimeout,
	}
	o.header.Set(BetaHeader, BetaValue)
	for _, opt := range opts {
		opt(o)
	}
	if o.upgrader == nil {
		o.upgrader = NewDialUpgrader(o.handshakeTimeout)
	}
	if o.base == nil {
		o.base = http.DefaultTransport
	}

	return &Transport{
		base:    o.base,
		url:     o.url,
		manager: newConnManager(o.url, o.header, o.upgrader, o.handshakeTimeout),
		onDone:  o.onDone,
	}
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if matchRoute(req.Method, req.URL) != FallbackNone {
		return t.base.RoundTrip(req)
	}

	body, err := readBody(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	decision := Decide(req.Method, req.URL, body)
	if !decision.Intercept {
		fiberlog.Debugf("[wsfetch] Passing %s %s through (%s)", req.Method, req.URL.Path, decision.Reason)
		return t.base.RoundTrip(withBody(req, body))
	}

	payload, err := buildCreateMessage(body)
	if err != nil {
		return nil, err
	}

	id := req.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	credential := NormalizeHeaders(req.Header)["authorization"]

	ctx := req.Context()
	ex := newExchange(id, req.URL.String(), payload, t.manager, t.onDone)
	if err := ex.connect(ctx, credential); err != nil {
		return nil, err
	}
	ex.start(ctx)

	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:          ex.out,
		ContentLength: -1,
		Request:       req,
	}, nil
}

// Snapshot reports the state of the shared connection
func (t *Transport) Snapshot() ConnectionSnapshot {
	return t.manager.snapshot()
}

// URL returns the socket endpoint
func (t *Transport) URL() string {
	return t.url
}

// Close closes the shared socket and abandons any establishment in flight.
// The transport remains usable and reconnects on the next bridged request.
func (t *Transport) Close() error {
	return t.manager.close()
}

// CloseIdleConnections closes the shared socket and forwards to the base
// transport when it supports it
func (t *Transport) CloseIdleConnections() {
	if err := t.Close(); err != nil {
		fiberlog.Debugf("[wsfetch] Error closing WebSocket connection: %v", err)
	}
	if closer, ok := t.base.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
}

// readBody drains and closes the request body
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

// withBody returns a shallow copy of req whose body replays data
func withBody(req *http.Request, data []byte) *http.Request {
	clone := req.Clone(req.Context())
	if data == nil {
		clone.Body = http.NoBody
		clone.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		return clone
	}
	clone.Body = io.NopCloser(bytes.NewReader(data))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	clone.ContentLength = int64(len(data))
	return clone
}
