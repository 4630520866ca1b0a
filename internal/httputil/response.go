package httputil

import (
	"github.com/gofiber/fiber/v2"
)

// Code identifies an error class in API responses. The set mirrors the error
// taxonomy used across the gateway; handlers map domain errors onto it.
type Code string

const (
	CodeBadRequest    Code = "BadRequest"
	CodeUnauthorized  Code = "Unauthorized"
	CodeForbidden     Code = "Forbidden"
	CodeNotFound      Code = "NotFound"
	CodeConflict      Code = "Conflict"
	CodeUnsupported   Code = "Unsupported"
	CodeRateLimited   Code = "RateLimited"
	CodeProviderError Code = "ProviderError"
	CodeInternal      Code = "Internal"
)

// Status returns the HTTP status code conventionally paired with a Code.
func (c Code) Status() int {
	switch c {
	case CodeBadRequest:
		return fiber.StatusBadRequest
	case CodeUnauthorized:
		return fiber.StatusUnauthorized
	case CodeForbidden:
		return fiber.StatusForbidden
	case CodeNotFound:
		return fiber.StatusNotFound
	case CodeConflict:
		return fiber.StatusConflict
	case CodeUnsupported:
		return fiber.StatusUnprocessableEntity
	case CodeRateLimited:
		return fiber.StatusTooManyRequests
	case CodeProviderError:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// ErrorResponse is the stable error envelope returned by every endpoint.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    Code   `json:"code"`
	Details any    `json:"details,omitempty"`
}

// Success sends a 200 JSON response with the given data.
func Success(c *fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Success: true, Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Success: true, Data: data})
}

// Fail sends a JSON error response using the status implied by code.
func Fail(c *fiber.Ctx, code Code, message string) error {
	return c.Status(code.Status()).JSON(ErrorResponse{
		Message: message,
		Code:    code,
	})
}

// FailDetails sends a JSON error response carrying structured details, such as
// a list of field validation errors.
func FailDetails(c *fiber.Ctx, code Code, message string, details any) error {
	return c.Status(code.Status()).JSON(ErrorResponse{
		Message: message,
		Code:    code,
		Details: details,
	})
}
