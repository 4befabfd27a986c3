package request

import (
	"strings"

	"github.com/Egham-7/adaptive-wsproxy/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	// requestIDLocalKey is the shared key for storing request ID in fiber locals
	requestIDLocalKey = "request_id"
	// maxRequestIDLength is the maximum allowed length for request IDs
	maxRequestIDLength = 256
)

// BaseService extracts per-request metadata from fiber contexts
type BaseService struct{}

func NewBaseService() *BaseService {
	return &BaseService{}
}

// sanitizeRequestID trims a request ID and caps its length
func (s *BaseService) sanitizeRequestID(reqID string) string {
	sanitized := strings.TrimSpace(reqID)
	if len(sanitized) > maxRequestIDLength {
		sanitized = sanitized[:maxRequestIDLength]
	}
	return sanitized
}

// GetRequestID returns the X-Request-ID header, or a generated ID, cached in locals
func (s *BaseService) GetRequestID(c *fiber.Ctx) string {
	if cachedID, ok := c.Locals(requestIDLocalKey).(string); ok && cachedID != "" {
		return cachedID
	}

	requestID := s.sanitizeRequestID(c.Get("X-Request-ID"))
	if requestID == "" {
		requestID = s.GenerateRequestID()
	}

	c.Locals(requestIDLocalKey, requestID)
	return requestID
}

// GenerateRequestID creates a new random request ID
func (s *BaseService) GenerateRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// UpstreamAuthorization picks the Authorization value sent upstream: the
// client's own header when forwarding is enabled, otherwise the configured key.
func (s *BaseService) UpstreamAuthorization(c *fiber.Ctx, upstream models.UpstreamConfig) (string, error) {
	if upstream.ForwardClientAuth {
		if auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization)); auth != "" {
			return auth, nil
		}
	}
	if upstream.APIKey != "" {
		return "Bearer " + upstream.APIKey, nil
	}
	return "", models.NewAuthenticationError("no upstream credential: set upstream.api_key or send an Authorization header")
}
