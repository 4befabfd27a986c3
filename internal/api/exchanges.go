package api

import (
	"time"

	"github.com/Egham-7/adaptive-wsproxy/internal/models"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/exchangelog"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/response"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// ExchangesHandler exposes the exchange log to operators
type ExchangesHandler struct {
	service *exchangelog.Service
	resp    *response.BaseService
}

func NewExchangesHandler(service *exchangelog.Service) *ExchangesHandler {
	return &ExchangesHandler{
		service: service,
		resp:    response.NewBaseService(),
	}
}

func (h *ExchangesHandler) RegisterRoutes(router fiber.Router) {
	router.Get("/exchanges", h.List)
	router.Get("/exchanges/stats", h.Stats)
}

// List handles GET /admin/exchanges?outcome=&request_id=&since=&limit=&offset=
func (h *ExchangesHandler) List(c *fiber.Ctx) error {
	since, err := parseSince(c)
	if err != nil {
		return h.resp.AppError(c, err)
	}

	records, err := h.service.Recent(c.UserContext(), models.ExchangeQuery{
		Outcome:   c.Query("outcome"),
		RequestID: c.Query("request_id"),
		Since:     since,
		Limit:     c.QueryInt("limit", 50),
		Offset:    c.QueryInt("offset", 0),
	})
	if err != nil {
		fiberlog.Errorf("Failed to list exchanges: %v", err)
		return h.resp.AppError(c, models.NewInternalError("failed to list exchanges", err))
	}
	return h.resp.Success(c, fiber.Map{"data": records})
}

// Stats handles GET /admin/exchanges/stats?since=
func (h *ExchangesHandler) Stats(c *fiber.Ctx) error {
	since, err := parseSince(c)
	if err != nil {
		return h.resp.AppError(c, err)
	}

	stats, err := h.service.Stats(c.UserContext(), since)
	if err != nil {
		fiberlog.Errorf("Failed to aggregate exchanges: %v", err)
		return h.resp.AppError(c, models.NewInternalError("failed to aggregate exchanges", err))
	}
	return h.resp.Success(c, stats)
}

// parseSince accepts an RFC 3339 timestamp or a Go duration such as "24h"
func parseSince(c *fiber.Ctx) (time.Time, error) {
	raw := c.Query("since")
	if raw == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, models.NewValidationError("since must be RFC 3339 or a duration", err)
	}
	return t, nil
}
