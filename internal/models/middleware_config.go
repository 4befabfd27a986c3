package models

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// RateLimitConfig tunes the per-client sliding window limiter
type RateLimitConfig struct {
	Max        int
	Expiration time.Duration
	KeyFunc    func(*fiber.Ctx) string
}

// DefaultRateLimitConfig allows 1000 requests per minute per client
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Max:        1000,
		Expiration: time.Minute,
	}
}
