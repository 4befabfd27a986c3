package pkg

import "github.com/Egham-7/adaptive-wsproxy/internal/models"

type (
	ServerConfig         = models.ServerConfig
	UpstreamConfig       = models.UpstreamConfig
	RedisConfig          = models.RedisConfig
	CircuitBreakerConfig = models.CircuitBreakerConfig
	DatabaseConfig       = models.DatabaseConfig
	DatabaseType         = models.DatabaseType
	ExchangeLogConfig    = models.ExchangeLogConfig
	ExchangeRecord       = models.ExchangeRecord
	ExchangeStats        = models.ExchangeStats
	RateLimitConfig      = models.RateLimitConfig
)

const (
	PostgreSQL = models.PostgreSQL
	MySQL      = models.MySQL
	SQLite     = models.SQLite
	ClickHouse = models.ClickHouse
)
