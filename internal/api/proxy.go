package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Egham-7/adaptive-wsproxy/internal/config"
	"github.com/Egham-7/adaptive-wsproxy/internal/models"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/bridge"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/request"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/response"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/stream/contracts"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/stream/handlers"
	"github.com/Egham-7/adaptive-wsproxy/pkg/wsfetch"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// forwardedHeaders are copied from the client request to the upstream
var forwardedHeaders = []string{
	fiber.HeaderContentType,
	fiber.HeaderAccept,
	"OpenAI-Organization",
	"OpenAI-Project",
	"OpenAI-Beta",
	"Idempotency-Key",
}

// copiedResponseHeaders are copied from a buffered upstream response
var copiedResponseHeaders = []string{
	fiber.HeaderContentType,
	"OpenAI-Processing-Ms",
	"OpenAI-Version",
	"X-Request-Id",
	"X-Ratelimit-Limit-Requests",
	"X-Ratelimit-Remaining-Requests",
	"X-Ratelimit-Reset-Requests",
}

// ProxyHandler forwards /v1 calls upstream through the bridge pool. Streaming
// Responses API calls travel over a socket lane; everything else is plain HTTPS.
type ProxyHandler struct {
	cfg    *config.Config
	client *http.Client
	req    *request.BaseService
	resp   *response.BaseService
}

func NewProxyHandler(cfg *config.Config, transport http.RoundTripper) *ProxyHandler {
	return &ProxyHandler{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		req:    request.NewBaseService(),
		resp:   response.NewBaseService(),
	}
}

// Responses handles POST /v1/responses
func (h *ProxyHandler) Responses(c *fiber.Ctx) error {
	requestID := h.req.GetRequestID(c)
	target, err := h.upstreamURL(c)
	if err != nil {
		return h.resp.AppError(c, models.NewValidationError("invalid request path", err))
	}
	decision := wsfetch.Decide(c.Method(), target, c.Body())
	if decision.Intercept {
		fiberlog.Infof("[%s] Bridging streaming response over WebSocket", requestID)
	} else {
		fiberlog.Debugf("[%s] Forwarding response request over HTTPS (%s)", requestID, decision.Reason)
	}
	return h.forward(c, requestID)
}

// Forward handles every other /v1 route
func (h *ProxyHandler) Forward(c *fiber.Ctx) error {
	return h.forward(c, h.req.GetRequestID(c))
}

func (h *ProxyHandler) forward(c *fiber.Ctx, requestID string) error {
	auth, err := h.req.UpstreamAuthorization(c, h.cfg.Upstream)
	if err != nil {
		return h.resp.AppError(c, err)
	}

	// The stream writer runs after this handler returns, so the upstream call
	// gets its own context, cancelled once the relay or copy is finished.
	ctx, cancel := context.WithCancel(context.Background())

	target, err := h.upstreamURL(c)
	if err != nil {
		cancel()
		return h.resp.AppError(c, models.NewValidationError("invalid request path", err))
	}
	body := bytes.Clone(c.Body())
	upReq, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytes.NewReader(body))
	if err != nil {
		cancel()
		return h.resp.AppError(c, models.NewValidationError("invalid upstream request", err))
	}
	for _, name := range forwardedHeaders {
		if v := c.Get(name); v != "" {
			upReq.Header.Set(name, v)
		}
	}
	upReq.Header.Set(fiber.HeaderAuthorization, auth)
	upReq.Header.Set("X-Request-ID", requestID)

	resp, err := h.client.Do(upReq)
	if err != nil {
		cancel()
		fiberlog.Warnf("[%s] Upstream %s %s failed: %v", requestID, c.Method(), target.Path, err)
		return h.resp.AppError(c, classifyUpstreamError(err))
	}

	if strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), "text/event-stream") {
		onDone := func(contracts.Summary) { cancel() }
		if err := handlers.HandleResponsesStream(c, resp, requestID, onDone); err != nil {
			cancel()
			return h.resp.AppError(c, classifyUpstreamError(err))
		}
		return nil
	}

	defer cancel()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return h.resp.AppError(c, models.NewUpstreamError("failed to read upstream response", err))
	}
	for _, name := range copiedResponseHeaders {
		if v := resp.Header.Get(name); v != "" {
			c.Set(name, v)
		}
	}
	return c.Status(resp.StatusCode).Send(data)
}

// upstreamURL maps /v1/<path>?<query> onto the configured base URL
func (h *ProxyHandler) upstreamURL(c *fiber.Ctx) (*url.URL, error) {
	u, err := url.Parse(h.cfg.Upstream.GetBaseURL() + strings.TrimPrefix(c.Path(), "/v1"))
	if err != nil {
		return nil, err
	}
	u.RawQuery = string(c.Request().URI().QueryString())
	return u, nil
}

func classifyUpstreamError(err error) error {
	switch {
	case errors.Is(err, wsfetch.ErrConnectionBusy):
		return models.NewBusyError(err)
	case errors.Is(err, bridge.ErrCircuitOpen):
		return models.NewCircuitBreakerError("upstream websocket")
	case errors.Is(err, wsfetch.ErrAborted):
		return models.NewCanceledError(err)
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewTimeoutError("upstream request", err)
	case wsfetch.IsConnectionError(err):
		return models.NewUpstreamError("WebSocket connection failed", err)
	default:
		return models.NewUpstreamError("request failed", err)
	}
}
