package models

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port           string `json:"port,omitzero" yaml:"port"`
	AllowedOrigins string `json:"allowed_origins,omitzero" yaml:"allowed_origins"`
	Environment    string `json:"environment,omitzero" yaml:"environment"`
	LogLevel       string `json:"log_level,omitzero" yaml:"log_level"`
	AdminToken     string `json:"-" yaml:"admin_token"` // Bearer token for /admin routes; admin routes are off when empty
}

// RedisConfig points at the redis instance shared by circuit breakers
type RedisConfig struct {
	URL string `json:"url,omitzero" yaml:"url"`
}

// CircuitBreakerConfig holds circuit breaker configuration for upstream handshakes
type CircuitBreakerConfig struct {
	FailureThreshold int `json:"failure_threshold,omitzero" yaml:"failure_threshold,omitempty"` // Number of failures before opening circuit
	SuccessThreshold int `json:"success_threshold,omitzero" yaml:"success_threshold,omitempty"` // Number of successes to close circuit
	TimeoutMs        int `json:"timeout_ms,omitzero" yaml:"timeout_ms,omitempty"`               // How long the circuit stays open before probing
	ResetAfterMs     int `json:"reset_after_ms,omitzero" yaml:"reset_after_ms,omitempty"`       // Time to wait before trying to close circuit
}
