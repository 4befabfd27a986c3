package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/Egham-7/adaptive-wsproxy/internal/api"
	"github.com/Egham-7/adaptive-wsproxy/internal/config"
	"github.com/Egham-7/adaptive-wsproxy/internal/models"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/bridge"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/circuitbreaker"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/database"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/exchangelog"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/middleware"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/response"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 30 * time.Second

// Proxy represents an AdaptiveWSProxy server instance.
type Proxy struct {
	config  *config.Config
	app     *fiber.App
	builder *Builder

	redis   *redis.Client
	db      *database.DB
	breaker *circuitbreaker.CircuitBreaker
	pool    *bridge.Pool
	worker  *exchangelog.Worker
	logSvc  *exchangelog.Service
}

type proxyInfrastructure struct {
	redis *redis.Client
	db    *database.DB
}

// NewProxy creates a new Proxy instance with the given configuration.
// The cfg parameter is required and must not be nil.
// For middleware and rate limit control, use NewProxyWithBuilder.
func NewProxy(cfg *config.Config) *Proxy {
	if cfg == nil {
		panic("config cannot be nil - use config.LoadFromFile() or the config builder to create config")
	}
	return &Proxy{config: cfg}
}

// NewProxyWithBuilder creates a new Proxy instance from a configuration builder.
func NewProxyWithBuilder(b *Builder) *Proxy {
	return &Proxy{
		config:  b.Build(),
		builder: b,
	}
}

// App exposes the fiber app once Setup has run.
func (p *Proxy) App() *fiber.App {
	return p.app
}

// Setup validates the configuration, connects infrastructure and registers
// middleware and routes without starting the listener.
func (p *Proxy) Setup() error {
	if err := p.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogLevel(p.config)

	p.app = createFiberApp(p.config)

	infra, err := initializeInfrastructure(p.config)
	if err != nil {
		return err
	}
	p.redis = infra.redis
	p.db = infra.db

	p.initializeBridge()

	setupMiddleware(p.app, p.config, p.builder)
	p.setupRoutes()
	p.app.Get("/", welcomeHandler(p.config))

	return nil
}

// Run starts the proxy server and blocks until shutdown.
func (p *Proxy) Run() error {
	if err := p.Setup(); err != nil {
		p.cleanup()
		return err
	}
	defer p.cleanup()

	listenAddr := ":" + p.config.Server.Port

	fmt.Printf("🚀 AdaptiveWSProxy starting on %s\n", listenAddr)
	fmt.Printf("   Environment: %s\n", p.config.Server.Environment)
	fmt.Printf("   Upstream WebSocket: %s\n", p.config.Upstream.GetWebSocketURL())
	fmt.Printf("   Go version: %s\n", runtime.Version())
	fmt.Printf("   GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := p.app.Listen(listenAddr); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		fiberlog.Infof("Received signal: %v. Starting graceful shutdown...", sig)
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	}

	fiberlog.Info("Server shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownErrChan := make(chan error, 1)
	go func() {
		shutdownErrChan <- p.app.ShutdownWithTimeout(shutdownTimeout)
	}()

	select {
	case err := <-shutdownErrChan:
		if err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		fiberlog.Info("Server shutdown completed successfully")
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout exceeded")
	}

	return nil
}

// cleanup releases everything Setup acquired, lanes first so in-flight
// exchange reports still reach the worker before it drains.
func (p *Proxy) cleanup() {
	if p.pool != nil {
		if err := p.pool.Close(); err != nil {
			fiberlog.Errorf("Failed to close upstream lanes: %v", err)
		}
	}
	if p.worker != nil {
		p.worker.Stop()
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			fiberlog.Errorf("Failed to close database connection: %v", err)
		}
	}
	if p.redis != nil {
		if err := p.redis.Close(); err != nil {
			fiberlog.Errorf("Failed to close Redis client: %v", err)
		}
	}
}

func createFiberApp(cfg *config.Config) *fiber.App {
	isProd := cfg.IsProduction()

	return fiber.New(fiber.Config{
		AppName:           "AdaptiveWSProxy v1.0",
		EnablePrintRoutes: !isProd,
		ReadTimeout:       2 * time.Minute,
		// Streamed responses may outlive a fixed write deadline
		WriteTimeout:    0,
		IdleTimeout:     5 * time.Minute,
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		BodyLimit:       16 * 1024 * 1024,
		Prefork:         false,
		CaseSensitive:   true,
		StrictRouting:   false,
		Network:         "tcp",
		ServerHeader:    "AdaptiveWSProxy",
	})
}

func initializeInfrastructure(cfg *config.Config) (*proxyInfrastructure, error) {
	infra := &proxyInfrastructure{}

	redisClient, err := createRedisClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("redis initialization failed: %w", err)
	}
	infra.redis = redisClient

	if cfg.ExchangeLogEnabled() {
		db, err := database.New(*cfg.Database)
		if err != nil {
			closeRedis(infra.redis)
			return nil, fmt.Errorf("database initialization failed: %w", err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			closeRedis(infra.redis)
			return nil, fmt.Errorf("database migration failed: %w", err)
		}
		infra.db = db
		fiberlog.Infof("Exchange log enabled (%s)", db.DriverName())
	} else {
		fiberlog.Info("Exchange log disabled")
	}

	return infra, nil
}

func closeRedis(client *redis.Client) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		fiberlog.Errorf("Failed to close Redis client: %v", err)
	}
}

// initializeBridge builds the breaker, the exchange log worker and the lane pool
func (p *Proxy) initializeBridge() {
	cfg := p.config

	poolCfg := bridge.Config{
		URL:              cfg.Upstream.GetWebSocketURL(),
		Header:           cfg.Upstream.Headers,
		HandshakeTimeout: cfg.Upstream.HandshakeTimeout(),
		MaxLanes:         cfg.Upstream.ConnectionsPerKey(),
	}

	if p.redis != nil {
		p.breaker = circuitbreaker.NewWithConfig(
			p.redis,
			circuitbreaker.ServiceName(upstreamHost(cfg.Upstream.GetWebSocketURL())),
			circuitbreaker.ConfigFromModel(cfg.CircuitBreaker),
		)
		poolCfg.Breaker = p.breaker
	} else {
		fiberlog.Info("Redis not configured - upstream circuit breaker disabled")
	}

	if p.db != nil {
		p.logSvc = exchangelog.NewService(p.db.DB)
		p.worker = exchangelog.NewWorker(p.logSvc, cfg.ExchangeLog.Workers, cfg.ExchangeLog.BufferSize)
		poolCfg.OnExchange = p.worker.Hook
	}

	p.pool = bridge.NewPool(poolCfg)
}

func upstreamHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func setupMiddleware(app *fiber.App, cfg *config.Config, b *Builder) {
	isProd := cfg.IsProduction()

	app.Use(recover.New(recover.Config{
		EnableStackTrace: !isProd,
	}))

	rlCfg := models.DefaultRateLimitConfig()
	if b != nil && b.GetRateLimitConfig() != nil {
		rlCfg = b.GetRateLimitConfig()
	}
	keyFunc := rlCfg.KeyFunc
	if keyFunc == nil {
		keyFunc = func(c *fiber.Ctx) string {
			if auth := c.Get(fiber.HeaderAuthorization); auth != "" {
				return bridge.CredentialHash(auth)
			}
			return c.IP()
		}
	}
	resp := response.NewBaseService()
	app.Use(limiter.New(limiter.Config{
		Max:               rlCfg.Max,
		Expiration:        rlCfg.Expiration,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      keyFunc,
		LimitReached: func(c *fiber.Ctx) error {
			return resp.Error(c, fiber.StatusTooManyRequests,
				fmt.Sprintf("rate limit exceeded: %d requests per %v", rlCfg.Max, rlCfg.Expiration),
				string(models.ErrorTypeRateLimit), "RATE_LIMITED")
		},
	}))

	if isProd {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} ${method} ${path} ${latency} ${bytesSent}b\n",
			Output: os.Stdout,
		}))
	} else {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${error}\n",
			Output: os.Stdout,
		}))
	}

	allAllowedHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization", "User-Agent",
		"X-Request-ID", "OpenAI-Organization", "OpenAI-Project", "OpenAI-Beta",
		"X-Stainless-API-Key", "X-Stainless-Arch", "X-Stainless-OS",
		"X-Stainless-Runtime", "X-Stainless-Runtime-Version",
		"X-Stainless-Package-Version", "X-Stainless-Lang",
		"X-Stainless-Retry-Count", "X-Stainless-Read-Timeout",
		"X-Stainless-Async", "X-Stainless-Raw-Response",
		"X-Stainless-Helper-Method", "X-Stainless-Timeout",
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowHeaders:     strings.Join(allAllowedHeaders, ", "),
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: cfg.Server.AllowedOrigins != "*",
		MaxAge:           86400,
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
	}))

	if b != nil {
		for _, mw := range b.GetMiddlewares() {
			app.Use(mw)
		}
	}

	if !isProd {
		app.Use(pprof.New())
	}
}

func setupLogLevel(cfg *config.Config) {
	logLevel := cfg.GetNormalizedLogLevel()

	switch logLevel {
	case "trace":
		fiberlog.SetLevel(fiberlog.LevelTrace)
	case "debug":
		fiberlog.SetLevel(fiberlog.LevelDebug)
	case "", "info":
		fiberlog.SetLevel(fiberlog.LevelInfo)
	case "warn", "warning":
		fiberlog.SetLevel(fiberlog.LevelWarn)
	case "error":
		fiberlog.SetLevel(fiberlog.LevelError)
	case "fatal":
		fiberlog.SetLevel(fiberlog.LevelFatal)
	case "panic":
		fiberlog.SetLevel(fiberlog.LevelPanic)
	default:
		fiberlog.SetLevel(fiberlog.LevelInfo)
		fiberlog.Warnf("Unknown log level '%s', defaulting to 'info'", logLevel)
	}

	fiberlog.Infof("Log level set to: %s", logLevel)
}

func createRedisClient(cfg *config.Config) (*redis.Client, error) {
	if !cfg.RedisEnabled() {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.PoolSize = 20
	opt.MinIdleConns = 2
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond

	fiberlog.Debugf("Redis client configuration: PoolSize=%d, MinIdle=%d, MaxRetries=%d",
		opt.PoolSize, opt.MinIdleConns, opt.MaxRetries)

	return testRedisConnectionWithRetry(redis.NewClient(opt))
}

func testRedisConnectionWithRetry(client *redis.Client) (*redis.Client, error) {
	const maxAttempts = 3
	const baseDelay = 1 * time.Second

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()

		if err == nil {
			fiberlog.Infof("Redis connection established successfully (attempt %d/%d)", attempt, maxAttempts)
			return client, nil
		}

		fiberlog.Warnf("Redis connection failed (attempt %d/%d): %v", attempt, maxAttempts, err)

		if attempt < maxAttempts {
			delay := time.Duration(attempt) * baseDelay
			fiberlog.Infof("Retrying Redis connection in %v...", delay)
			time.Sleep(delay)
		}
	}

	closeRedis(client)
	return nil, fmt.Errorf("failed to connect to Redis after %d attempts", maxAttempts)
}

func (p *Proxy) setupRoutes() {
	proxyHandler := api.NewProxyHandler(p.config, p.pool)
	healthHandler := api.NewHealthHandler(p.config, p.redis, p.db, p.pool, p.breaker)

	p.app.Get("/health", healthHandler.HealthCheck)

	v1Group := p.app.Group("/v1")
	v1Group.Post("/responses", proxyHandler.Responses)
	v1Group.All("/*", proxyHandler.Forward)

	admin := middleware.NewAdminMiddleware(p.config.Server.AdminToken)
	if !admin.Enabled() {
		fiberlog.Info("Admin token not set - /admin routes disabled")
		return
	}
	adminGroup := p.app.Group("/admin", admin.RequireToken())
	if p.logSvc != nil {
		api.NewExchangesHandler(p.logSvc).RegisterRoutes(adminGroup)
	}
	adminGroup.Get("/bridge", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"url":   p.config.Upstream.GetWebSocketURL(),
			"lanes": p.pool.Snapshot(),
		})
	})
}

func welcomeHandler(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message":    "Welcome to AdaptiveWSProxy!",
			"version":    "1.0.0",
			"go_version": runtime.Version(),
			"status":     "running",
			"upstream": fiber.Map{
				"base_url":      cfg.Upstream.GetBaseURL(),
				"websocket_url": cfg.Upstream.GetWebSocketURL(),
				"lanes_per_key": cfg.Upstream.ConnectionsPerKey(),
			},
			"endpoints": fiber.Map{
				"responses": "/v1/responses",
				"proxy":     "/v1/*",
				"health":    "/health",
			},
		})
	}
}
