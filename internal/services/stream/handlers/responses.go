package handlers

import (
	"bufio"
	"net/http"

	"github.com/Egham-7/adaptive-wsproxy/internal/services/stream/contracts"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/stream/writers"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/valyala/fasthttp"
)

// HandleResponsesStream relays an upstream event stream to the fiber client.
// On error nothing has been written and the upstream body is closed.
func HandleResponsesStream(c *fiber.Ctx, resp *http.Response, requestID string, onDone func(contracts.Summary)) error {
	handler, err := NewResponsesPipeline(resp, requestID, onDone)
	if err != nil {
		fiberlog.Errorf("[%s] Stream validation failed: %v", requestID, err)
		return err
	}

	fasthttpCtx := c.Context()
	c.Status(resp.StatusCode)
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")
	c.Set("X-Request-ID", requestID)

	fasthttpCtx.SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		connState := writers.NewFastHTTPConnectionState(fasthttpCtx)
		httpWriter := writers.NewHTTPStreamWriter(w, connState, requestID)

		if err := handler.Handle(fasthttpCtx, httpWriter); err != nil {
			logStreamEnd(requestID, err)
		}
	}))

	return nil
}

// streamEndLevel picks the log level for an error that ended a relay
func streamEndLevel(err error) fiberlog.Level {
	switch {
	case contracts.IsClientDisconnect(err):
		return fiberlog.LevelInfo
	case contracts.IsExpectedError(err):
		return fiberlog.LevelDebug
	default:
		return fiberlog.LevelError
	}
}

func logStreamEnd(requestID string, err error) {
	switch streamEndLevel(err) {
	case fiberlog.LevelInfo:
		fiberlog.Infof("[%s] Client disconnected mid-stream: %v", requestID, err)
	case fiberlog.LevelDebug:
		fiberlog.Debugf("[%s] Stream ended: %v", requestID, err)
	default:
		fiberlog.Errorf("[%s] Stream error: %v", requestID, err)
	}
}
