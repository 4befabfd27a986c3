package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Egham-7/adaptive-wsproxy/internal/config"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/bridge"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/circuitbreaker"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/database"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/redis/go-redis/v9"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDisabled  = "disabled"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	cfg         *config.Config
	redisClient *redis.Client
	db          *database.DB
	pool        *bridge.Pool
	breaker     *circuitbreaker.CircuitBreaker
	upstream    *openai.Client
}

// NewHealthHandler wires the dependencies the health endpoint reports on.
// redisClient, db and breaker may be nil when those features are off.
func NewHealthHandler(cfg *config.Config, redisClient *redis.Client, db *database.DB, pool *bridge.Pool, breaker *circuitbreaker.CircuitBreaker) *HealthHandler {
	h := &HealthHandler{
		cfg:         cfg,
		redisClient: redisClient,
		db:          db,
		pool:        pool,
		breaker:     breaker,
	}
	if cfg.Upstream.APIKey != "" {
		client := openai.NewClient(
			option.WithAPIKey(cfg.Upstream.APIKey),
			option.WithBaseURL(cfg.Upstream.GetBaseURL()),
			option.WithHTTPClient(&http.Client{Transport: pool}),
			option.WithMaxRetries(0),
		)
		h.upstream = &client
	}
	return h
}

// HealthCheck returns the health status of the service and its dependencies.
// ?deep=true also lists models upstream with the configured key.
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	checks := fiber.Map{
		"redis":    h.checkRedis(),
		"database": h.checkDatabase(),
	}
	if c.QueryBool("deep") {
		checks["upstream"] = h.checkUpstream()
	}

	overallStatus := statusHealthy
	statusCode := fiber.StatusOK
	for _, status := range checks {
		if status == statusUnhealthy {
			overallStatus = "degraded"
			statusCode = fiber.StatusServiceUnavailable
			break
		}
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
		"bridge": fiber.Map{
			"url":             h.cfg.Upstream.GetWebSocketURL(),
			"circuit_breaker": h.breakerState(),
			"credentials":     h.pool.Snapshot(),
		},
	})
}

func (h *HealthHandler) checkRedis() string {
	if h.redisClient == nil {
		return statusDisabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		fiberlog.Warnf("Health check: redis ping failed: %v", err)
		return statusUnhealthy
	}
	return statusHealthy
}

func (h *HealthHandler) checkDatabase() string {
	if h.db == nil {
		return statusDisabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		fiberlog.Warnf("Health check: %s ping failed: %v", h.db.DriverName(), err)
		return statusUnhealthy
	}
	return statusHealthy
}

// checkUpstream makes a plain HTTPS call; it never opens a socket lane
func (h *HealthHandler) checkUpstream() string {
	if h.upstream == nil {
		return statusDisabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := h.upstream.Models.List(ctx); err != nil {
		fiberlog.Warnf("Health check: upstream models list failed: %v", err)
		return statusUnhealthy
	}
	return statusHealthy
}

func (h *HealthHandler) breakerState() string {
	if h.breaker == nil {
		return statusDisabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return h.breaker.GetState(ctx).String()
}
