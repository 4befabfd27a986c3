// Package config provides fluent configuration builders for AdaptiveWSProxy.
package config

import (
	"time"

	"github.com/Egham-7/adaptive-wsproxy/internal/config"
	"github.com/Egham-7/adaptive-wsproxy/internal/models"

	"github.com/gofiber/fiber/v2"
)

// Builder provides a fluent interface for building AdaptiveWSProxy configurations.
type Builder struct {
	cfg             *config.Config
	middlewares     []fiber.Handler
	rateLimitConfig *models.RateLimitConfig
}

// New creates a new configuration builder with minimal defaults.
func New() *Builder {
	return &Builder{
		cfg: &config.Config{
			Server: models.ServerConfig{
				Port:           "8080",
				AllowedOrigins: "*",
				Environment:    "development",
				LogLevel:       "info",
			},
			Upstream: models.UpstreamConfig{
				BaseURL:      models.DefaultUpstreamBaseURL,
				WebSocketURL: models.DefaultUpstreamWebSocketURL,
			},
		},
		middlewares: []fiber.Handler{},
	}
}

// Server configuration

// Port sets the server port.
func (b *Builder) Port(port string) *Builder {
	b.cfg.Server.Port = port
	return b
}

// AllowedOrigins sets CORS allowed origins.
func (b *Builder) AllowedOrigins(origins string) *Builder {
	b.cfg.Server.AllowedOrigins = origins
	return b
}

// Environment sets the environment (development/production).
func (b *Builder) Environment(env string) *Builder {
	b.cfg.Server.Environment = env
	return b
}

// LogLevel sets the logging level (trace, debug, info, warn, error, fatal).
func (b *Builder) LogLevel(level string) *Builder {
	b.cfg.Server.LogLevel = level
	return b
}

// AdminToken enables the /admin routes behind a bearer token.
func (b *Builder) AdminToken(token string) *Builder {
	b.cfg.Server.AdminToken = token
	return b
}

// Upstream configuration

// UpstreamBuilder configures the OpenAI-compatible upstream.
type UpstreamBuilder struct {
	cfg models.UpstreamConfig
}

// NewUpstreamBuilder starts an upstream configuration for the given API key.
func NewUpstreamBuilder(apiKey string) *UpstreamBuilder {
	return &UpstreamBuilder{
		cfg: models.UpstreamConfig{
			APIKey:  apiKey,
			Headers: make(map[string]string),
		},
	}
}

// WithBaseURL sets the HTTPS base URL used for non-bridged calls.
func (ub *UpstreamBuilder) WithBaseURL(url string) *UpstreamBuilder {
	ub.cfg.BaseURL = url
	return ub
}

// WithWebSocketURL sets the socket endpoint bridged requests travel over.
func (ub *UpstreamBuilder) WithWebSocketURL(url string) *UpstreamBuilder {
	ub.cfg.WebSocketURL = url
	return ub
}

// ForwardClientAuth makes the proxy use each client's own Authorization header.
func (ub *UpstreamBuilder) ForwardClientAuth() *UpstreamBuilder {
	ub.cfg.ForwardClientAuth = true
	return ub
}

// WithHeader adds a header sent on the socket handshake.
func (ub *UpstreamBuilder) WithHeader(key, value string) *UpstreamBuilder {
	ub.cfg.Headers[key] = value
	return ub
}

// WithHandshakeTimeout bounds socket establishment.
func (ub *UpstreamBuilder) WithHandshakeTimeout(d time.Duration) *UpstreamBuilder {
	ub.cfg.HandshakeTimeoutMs = int(d / time.Millisecond)
	return ub
}

// WithMaxConnectionsPerKey caps concurrent sockets per credential.
func (ub *UpstreamBuilder) WithMaxConnectionsPerKey(n int) *UpstreamBuilder {
	ub.cfg.MaxConnectionsPerKey = n
	return ub
}

// Build builds the upstream configuration.
func (ub *UpstreamBuilder) Build() models.UpstreamConfig {
	if ub.cfg.BaseURL == "" {
		ub.cfg.BaseURL = models.DefaultUpstreamBaseURL
	}
	if ub.cfg.WebSocketURL == "" {
		ub.cfg.WebSocketURL = models.DefaultUpstreamWebSocketURL
	}
	return ub.cfg
}

// WithUpstream sets the upstream configuration.
func (b *Builder) WithUpstream(cfg models.UpstreamConfig) *Builder {
	b.cfg.Upstream = cfg
	return b
}

// Infrastructure configuration

// WithRedis enables the redis-backed upstream circuit breaker.
func (b *Builder) WithRedis(url string) *Builder {
	b.cfg.Redis = &models.RedisConfig{URL: url}
	return b
}

// WithCircuitBreaker tunes the upstream circuit breaker. It only takes effect with WithRedis.
func (b *Builder) WithCircuitBreaker(cfg models.CircuitBreakerConfig) *Builder {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = 15000
	}
	if cfg.ResetAfterMs == 0 {
		cfg.ResetAfterMs = 60000
	}
	b.cfg.CircuitBreaker = &cfg
	return b
}

// WithDatabase sets the database the exchange log is written to.
func (b *Builder) WithDatabase(cfg models.DatabaseConfig) *Builder {
	b.cfg.Database = &cfg
	return b
}

// WithExchangeLog enables exchange persistence. It requires WithDatabase.
func (b *Builder) WithExchangeLog(workers, bufferSize int) *Builder {
	b.cfg.ExchangeLog = models.ExchangeLogConfig{
		Enabled:    true,
		Workers:    workers,
		BufferSize: bufferSize,
	}
	return b
}

// Middleware configuration

// WithRateLimit configures rate limiting middleware.
func (b *Builder) WithRateLimit(max int, expiration time.Duration, keyFunc ...func(*fiber.Ctx) string) *Builder {
	cfg := &models.RateLimitConfig{
		Max:        max,
		Expiration: expiration,
	}
	if len(keyFunc) > 0 {
		cfg.KeyFunc = keyFunc[0]
	}
	b.rateLimitConfig = cfg
	return b
}

// WithMiddleware adds a custom middleware.
func (b *Builder) WithMiddleware(middleware fiber.Handler) *Builder {
	b.middlewares = append(b.middlewares, middleware)
	return b
}

// GetMiddlewares returns all configured middlewares.
func (b *Builder) GetMiddlewares() []fiber.Handler {
	return b.middlewares
}

// GetRateLimitConfig returns the rate limit configuration.
func (b *Builder) GetRateLimitConfig() *models.RateLimitConfig {
	return b.rateLimitConfig
}

// Build returns the constructed configuration.
func (b *Builder) Build() *config.Config {
	return b.cfg
}

// FromYAML creates a Builder from a YAML configuration file.
// The envFiles parameter specifies which .env files to load before parsing the YAML config.
// Files are loaded in order (first has highest priority).
// Example: builder, err := config.FromYAML("config.yaml", []string{".env.local", ".env"})
func FromYAML(path string, envFiles []string) (*Builder, error) {
	if len(envFiles) > 0 {
		config.LoadEnvFiles(envFiles)
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	return &Builder{
		cfg:         cfg,
		middlewares: []fiber.Handler{},
	}, nil
}
