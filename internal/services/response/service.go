package response

import (
	"errors"

	"github.com/Egham-7/adaptive-wsproxy/internal/models"

	"github.com/gofiber/fiber/v2"
)

// BaseService writes JSON responses in the upstream API's error shape
type BaseService struct{}

func NewBaseService() *BaseService {
	return &BaseService{}
}

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitzero"`
}

// Error sends an error response with specified status, type, and code
func (s *BaseService) Error(c *fiber.Ctx, status int, message, errorType, code string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Message: message,
			Type:    errorType,
			Code:    code,
		},
	})
}

// AppError sends err using its *models.AppError status and type; anything
// else is reported as an opaque internal error.
func (s *BaseService) AppError(c *fiber.Ctx, err error) error {
	sanitized := models.SanitizeError(err)

	var appErr *models.AppError
	if errors.As(err, &appErr) && appErr.Retryable {
		c.Set(fiber.HeaderRetryAfter, "1")
	}
	return s.Error(c, sanitized.GetStatusCode(), sanitized.Message, string(sanitized.Type), sanitized.Code)
}

// Success sends a 200 OK response with the provided data
func (s *BaseService) Success(c *fiber.Ctx, data any) error {
	return c.JSON(data)
}
