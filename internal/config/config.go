package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Egham-7/adaptive-wsproxy/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server         models.ServerConfig          `yaml:"server"`
	Upstream       models.UpstreamConfig        `yaml:"upstream"`
	Redis          *models.RedisConfig          `yaml:"redis,omitempty"`
	CircuitBreaker *models.CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`
	Database       *models.DatabaseConfig       `yaml:"database,omitempty"`
	ExchangeLog    models.ExchangeLogConfig     `yaml:"exchange_log"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::(-[^}]*))?\}`)

// LoadFromFile loads configuration from a YAML file with environment variable substitution
func LoadFromFile(configPath string) (*Config, error) {
	cleanPath := filepath.Clean(configPath)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid config path: path traversal not allowed")
	}

	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("invalid config file: only .yaml and .yml files are allowed")
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 - path is validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration after substituting environment variables
func Parse(data []byte) (*Config, error) {
	content := substituteEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(content), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	config.applyDefaults()
	return &config, nil
}

// LoadEnvFiles loads environment variables from .env files.
// Earlier files win because godotenv never overrides variables already set.
func LoadEnvFiles(envFiles []string) {
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		if err := godotenv.Load(envFile); err != nil {
			fiberlog.Warnf("Failed to load %s: %v", envFile, err)
			continue
		}
		fiberlog.Infof("Loaded environment variables from %s", envFile)
	}
}

// New creates a new Config instance by loading from the specified config file path
func New(configPath string) (*Config, error) {
	return LoadFromFile(configPath)
}

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} patterns with environment variables
func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""
		if len(submatches) > 2 && submatches[2] != "" {
			defaultValue = strings.TrimPrefix(submatches[2], "-")
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.AllowedOrigins == "" {
		c.Server.AllowedOrigins = "*"
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = models.DefaultUpstreamBaseURL
	}
	if c.Upstream.WebSocketURL == "" {
		c.Upstream.WebSocketURL = models.DefaultUpstreamWebSocketURL
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
}

// GetNormalizedLogLevel returns the log level in lowercase for consistent comparison
func (c *Config) GetNormalizedLogLevel() string {
	return strings.ToLower(c.Server.LogLevel)
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// RedisEnabled reports whether a redis URL is configured
func (c *Config) RedisEnabled() bool {
	return c.Redis != nil && c.Redis.URL != ""
}

// ExchangeLogEnabled reports whether exchanges should be persisted
func (c *Config) ExchangeLogEnabled() bool {
	return c.ExchangeLog.Enabled && c.Database != nil
}

// Validate checks if all required configuration values are set
func (c *Config) Validate() error {
	var missing []string

	if c.Server.Port == "" {
		missing = append(missing, "server.port")
	}
	if c.Upstream.APIKey == "" && !c.Upstream.ForwardClientAuth {
		missing = append(missing, "upstream.api_key")
	}
	if c.ExchangeLog.Enabled && c.Database == nil {
		missing = append(missing, "database")
	}
	if len(missing) > 0 {
		return &ValidationError{MissingFields: missing}
	}

	if err := validateURL("upstream.base_url", c.Upstream.GetBaseURL(), "http", "https"); err != nil {
		return err
	}
	if err := validateURL("upstream.websocket_url", c.Upstream.GetWebSocketURL(), "ws", "wss", "http", "https"); err != nil {
		return err
	}
	if c.Database != nil {
		if err := c.Database.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q: scheme must be one of %s", field, raw, strings.Join(schemes, ", "))
}

// ValidationError represents configuration validation errors
type ValidationError struct {
	MissingFields []string
}

func (e *ValidationError) Error() string {
	return "missing required configuration fields: " + strings.Join(e.MissingFields, ", ")
}
