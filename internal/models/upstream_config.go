package models

import "time"

const (
	DefaultUpstreamBaseURL      = "https://api.openai.com/v1"
	DefaultUpstreamWebSocketURL = "wss://api.openai.com/v1/responses"
	defaultHandshakeTimeout     = 30 * time.Second
	defaultMaxConnectionsPerKey = 4
)

// UpstreamConfig describes the Responses API the proxy forwards to
type UpstreamConfig struct {
	BaseURL           string            `yaml:"base_url" json:"base_url,omitzero"`                       // HTTPS base used for pass-through calls
	WebSocketURL      string            `yaml:"websocket_url" json:"websocket_url,omitzero"`             // Socket endpoint for streaming responses
	APIKey            string            `yaml:"api_key" json:"api_key,omitzero"`                         // Key used when the client does not supply one
	ForwardClientAuth bool              `yaml:"forward_client_auth" json:"forward_client_auth,omitzero"` // Prefer the caller's Authorization header
	Headers           map[string]string `yaml:"headers" json:"headers,omitzero"`                         // Extra handshake headers

	HandshakeTimeoutMs   int `yaml:"handshake_timeout_ms" json:"handshake_timeout_ms,omitzero"`
	MaxConnectionsPerKey int `yaml:"max_connections_per_key" json:"max_connections_per_key,omitzero"`
}

// GetBaseURL returns the pass-through base URL or the public API default
func (u UpstreamConfig) GetBaseURL() string {
	if u.BaseURL == "" {
		return DefaultUpstreamBaseURL
	}
	return u.BaseURL
}

// GetWebSocketURL returns the socket endpoint or the public API default
func (u UpstreamConfig) GetWebSocketURL() string {
	if u.WebSocketURL == "" {
		return DefaultUpstreamWebSocketURL
	}
	return u.WebSocketURL
}

// HandshakeTimeout returns the socket establishment bound
func (u UpstreamConfig) HandshakeTimeout() time.Duration {
	if u.HandshakeTimeoutMs <= 0 {
		return defaultHandshakeTimeout
	}
	return time.Duration(u.HandshakeTimeoutMs) * time.Millisecond
}

// ConnectionsPerKey returns how many sockets one credential may hold open
func (u UpstreamConfig) ConnectionsPerKey() int {
	if u.MaxConnectionsPerKey <= 0 {
		return defaultMaxConnectionsPerKey
	}
	return u.MaxConnectionsPerKey
}
