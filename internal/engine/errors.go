package engine

import (
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
)

// AppError is the engine's error taxonomy: validation failures carry a
// field->message map, hook and caller errors carry an explicit status, and
// everything else surfaces as a 500.
type AppError struct {
	Code    string            `json:"code"`
	Status  int               `json:"-"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"-"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

// NewValidationError wraps a field->message map into a 400.
func NewValidationError(fields map[string]string) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  fiber.StatusBadRequest,
		Message: "Validation failed",
		Fields:  fields,
	}
}

// ParamError is a validation failure naming one offending parameter.
func ParamError(key, msg string) *AppError {
	return NewValidationError(map[string]string{key: msg})
}

func NewNotFound(resource string, id any) *AppError {
	msg := fmt.Sprintf("%s not found", resource)
	if id != nil {
		msg = fmt.Sprintf("%s with id %v not found", resource, id)
	}
	return &AppError{Code: "NOT_FOUND", Status: fiber.StatusNotFound, Message: msg}
}

// NewStatusError carries an explicit status set by a hook or caller.
func NewStatusError(status int, msg string) *AppError {
	return &AppError{Code: "STATUS_ERROR", Status: status, Message: msg}
}

// ErrorHandler maps the taxonomy onto HTTP responses. In production mode
// hook detail and internal error text are replaced by a generic body.
func ErrorHandler(production bool) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var appErr *AppError
		if errors.As(err, &appErr) {
			if appErr.Fields != nil {
				return c.Status(appErr.Status).JSON(fiber.Map{"errors": appErr.Fields})
			}
			msg := appErr.Message
			if production && appErr.Code != "NOT_FOUND" {
				msg = "An error occurred"
			}
			return c.Status(appErr.Status).JSON(ErrorResponse{
				Error: &AppError{Code: appErr.Code, Message: msg},
			})
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(ErrorResponse{
				Error: &AppError{Code: "HTTP_ERROR", Message: fiberErr.Message},
			})
		}

		log.Printf("ERROR: %v", err)
		msg := err.Error()
		if production {
			msg = "An error occurred"
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error: &AppError{Code: "INTERNAL_ERROR", Message: msg},
		})
	}
}
