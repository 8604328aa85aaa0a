package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeastudio/api/internal/model"
	"github.com/makeastudio/api/pkg/response"
)

// writeError maps service errors onto the JSON error envelope. Unknown
// errors are logged by the request logger and reported without detail.
func writeError(c *fiber.Ctx, err error) error {
	var validation *model.ValidationError
	if errors.As(err, &validation) {
		var details interface{}
		if validation.Field != "" {
			details = map[string]string{validation.Field: validation.Message}
		}
		return response.ValidationError(c, validation.Error(), details)
	}

	var credits *model.InsufficientCreditsError
	if errors.As(err, &credits) {
		return response.PaymentRequired(c, "Not enough credits", fiber.Map{
			"balance":    credits.Balance,
			"needed":     credits.Needed,
			"suggestion": credits.Suggestion,
		})
	}

	switch {
	case errors.Is(err, model.ErrNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, model.ErrForbidden):
		return response.Forbidden(c, "Job belongs to another owner")
	case errors.Is(err, model.ErrNotRecoverable):
		return response.Conflict(c, "Job is not waiting on the provider")
	case errors.Is(err, model.ErrJobFinalized):
		return response.Conflict(c, "Job is already finalized")
	}

	c.Locals("error", err)
	return response.ServiceError(c, "Internal server error")
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		errs := make(map[string]string)
		for _, e := range validationErrors {
			errs[e.Field()] = e.Tag()
		}
		return errs
	}
	return nil
}
