package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Egham-7/adaptive-wsproxy/internal/config"
	"github.com/Egham-7/adaptive-wsproxy/internal/models"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/bridge"
	"github.com/Egham-7/adaptive-wsproxy/pkg/wsfetch"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	createdEvent   = `{"type":"response.created","response":{"id":"resp_1"}}`
	deltaEvent     = `{"type":"response.output_text.delta","delta":"Hi"}`
	completedEvent = `{"type":"response.completed","response":{"id":"resp_1"}}`
)

type fakeUpstream struct {
	server     *httptest.Server
	handshakes atomic.Int32
	httpCalls  atomic.Int32
	lastAuth   atomic.Value
	lastCreate atomic.Value
}

// newFakeUpstream serves socket upgrades on /v1/responses and plain JSON elsewhere
func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth.Store(r.Header.Get("Authorization"))

		if websocket.IsWebSocketUpgrade(r) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				t.Logf("upgrade error: %v", err)
				return
			}
			defer conn.Close()
			f.handshakes.Add(1)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				f.lastCreate.Store(string(data))
				for _, ev := range []string{createdEvent, deltaEvent, completedEvent} {
					if err := conn.WriteMessage(websocket.TextMessage, []byte(ev)); err != nil {
						return
					}
				}
			}
		}

		f.httpCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("OpenAI-Processing-Ms", "12")
		switch r.URL.Path {
		case "/v1/models":
			_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"gpt-4o","object":"model"}],"query":"`+r.URL.RawQuery+`"}`)
		case "/v1/responses":
			_, _ = io.WriteString(w, `{"id":"resp_2","object":"response","status":"completed"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"message":"not found"}}`)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) auth() string {
	v, _ := f.lastAuth.Load().(string)
	return v
}

func (f *fakeUpstream) create() string {
	v, _ := f.lastCreate.Load().(string)
	return v
}

func newTestApp(t *testing.T, upstream models.UpstreamConfig) (*fiber.App, *bridge.Pool) {
	t.Helper()
	cfg := &config.Config{Upstream: upstream}

	pool := bridge.NewPool(bridge.Config{
		URL:              upstream.GetWebSocketURL(),
		HandshakeTimeout: 5 * time.Second,
		MaxLanes:         2,
	})
	t.Cleanup(func() { _ = pool.Close() })

	h := NewProxyHandler(cfg, pool)
	app := fiber.New()
	v1 := app.Group("/v1")
	v1.Post("/responses", h.Responses)
	v1.All("/*", h.Forward)
	return app, pool
}

func lanesIdle(pool *bridge.Pool) bool {
	for _, set := range pool.Snapshot() {
		for _, lane := range set.Lanes {
			if lane.Busy {
				return false
			}
		}
	}
	return true
}

func upstreamConfig(f *fakeUpstream) models.UpstreamConfig {
	return models.UpstreamConfig{
		BaseURL:      f.server.URL + "/v1",
		WebSocketURL: "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/responses",
		APIKey:       "sk-test",
	}
}

func TestProxyHandler_BridgesStreamingResponses(t *testing.T) {
	f := newFakeUpstream(t)
	app, pool := newTestApp(t, upstreamConfig(f))

	for i := range 2 {
		require.Eventually(t, func() bool { return lanesIdle(pool) }, 2*time.Second, 10*time.Millisecond)

		req := httptest.NewRequest(http.MethodPost, "/v1/responses",
			strings.NewReader(`{"model":"gpt-4o","input":"hello","stream":true}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-ID", "req-stream")

		resp, err := app.Test(req, -1)
		require.NoError(t, err, "request %d", i)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		_ = resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
		assert.Equal(t, "req-stream", resp.Header.Get("X-Request-ID"))
		assert.Equal(t,
			"data: "+createdEvent+"\n\n"+
				"data: "+deltaEvent+"\n\n"+
				"data: "+completedEvent+"\n\n"+
				"data: [DONE]\n\n",
			string(body))
	}

	assert.Equal(t, int32(1), f.handshakes.Load(), "the socket is reused across exchanges")
	assert.Equal(t, int32(0), f.httpCalls.Load())
	assert.Equal(t, "Bearer sk-test", f.auth())

	create := gjson.Parse(f.create())
	assert.Equal(t, "response.create", create.Get("type").String())
	assert.Equal(t, "gpt-4o", create.Get("model").String())
	assert.False(t, create.Get("stream").Exists())
}

func TestProxyHandler_NonStreamingGoesOverHTTPS(t *testing.T) {
	f := newFakeUpstream(t)
	app, _ := newTestApp(t, upstreamConfig(f))

	req := httptest.NewRequest(http.MethodPost, "/v1/responses",
		strings.NewReader(`{"model":"gpt-4o","input":"hello","stream":false}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "resp_2", gjson.GetBytes(body, "id").String())
	assert.Equal(t, "12", resp.Header.Get("OpenAI-Processing-Ms"))
	assert.Equal(t, int32(0), f.handshakes.Load())
	assert.Equal(t, int32(1), f.httpCalls.Load())
}

func TestProxyHandler_ForwardsOtherRoutes(t *testing.T) {
	f := newFakeUpstream(t)
	app, _ := newTestApp(t, upstreamConfig(f))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/v1/models?limit=5", nil), -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gpt-4o", gjson.GetBytes(body, "data.0.id").String())
	assert.Equal(t, "limit=5", gjson.GetBytes(body, "query").String())

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/v1/missing", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxyHandler_ForwardsClientCredential(t *testing.T) {
	f := newFakeUpstream(t)
	upstream := upstreamConfig(f)
	upstream.APIKey = ""
	upstream.ForwardClientAuth = true
	app, _ := newTestApp(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer sk-client")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer sk-client", f.auth())

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/v1/models", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProxyHandler_HandshakeFailureIsBadGateway(t *testing.T) {
	f := newFakeUpstream(t)
	upstream := upstreamConfig(f)
	upstream.WebSocketURL = "ws://127.0.0.1:1/v1/responses"
	app, _ := newTestApp(t, upstream)

	req := httptest.NewRequest(http.MethodPost, "/v1/responses",
		strings.NewReader(`{"model":"gpt-4o","input":"hello","stream":true}`))
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "WebSocket connection failed")
}

func TestClassifyUpstreamError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   models.ErrorType
	}{
		{"busy", wsfetch.ErrConnectionBusy, http.StatusTooManyRequests, models.ErrorTypeBusy},
		{"circuit open", bridge.ErrCircuitOpen, http.StatusServiceUnavailable, models.ErrorTypeCircuitBreaker},
		{"aborted", wsfetch.ErrAborted, models.StatusClientClosedRequest, models.ErrorTypeCanceled},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, models.ErrorTypeTimeout},
		{"other", errors.New("boom"), http.StatusBadGateway, models.ErrorTypeUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var appErr *models.AppError
			require.ErrorAs(t, classifyUpstreamError(tt.err), &appErr)
			assert.Equal(t, tt.status, appErr.GetStatusCode())
			assert.Equal(t, tt.kind, appErr.Type)
		})
	}
}
