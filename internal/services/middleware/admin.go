package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/Egham-7/adaptive-wsproxy/internal/models"
	"github.com/Egham-7/adaptive-wsproxy/internal/services/response"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// AdminMiddleware guards operator routes with a static bearer token
type AdminMiddleware struct {
	token string
	resp  *response.BaseService
}

func NewAdminMiddleware(token string) *AdminMiddleware {
	return &AdminMiddleware{
		token: token,
		resp:  response.NewBaseService(),
	}
}

// Enabled reports whether a token is configured
func (m *AdminMiddleware) Enabled() bool {
	return m.token != ""
}

func (m *AdminMiddleware) RequireToken() fiber.Handler {
	return func(c *fiber.Ctx) error {
		presented := extractBearer(c.Get(fiber.HeaderAuthorization))
		if !m.Enabled() || presented == "" ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(m.token)) != 1 {
			fiberlog.Warnf("Rejected admin request from %s to %s", c.IP(), c.Path())
			return m.resp.AppError(c, models.NewAuthenticationError("invalid admin token"))
		}
		return c.Next()
	}
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
