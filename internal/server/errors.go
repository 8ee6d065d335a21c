package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/usagesvc/internal/usage/domain"
	"github.com/smallbiznis/usagesvc/internal/usage/revenuecat"
	"github.com/smallbiznis/usagesvc/pkg/db"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// validationSentinels are surfaced to clients as field errors. The sentinel
// text doubles as the error code.
var validationSentinels = []error{
	ErrInvalidRequest,
	usagedomain.ErrInvalidRequestID,
	usagedomain.ErrInvalidUserID,
	usagedomain.ErrInvalidTimestamp,
	usagedomain.ErrInvalidAction,
	usagedomain.ErrInvalidPeriodKey,
	usagedomain.ErrInvalidInputTokens,
	usagedomain.ErrInvalidOutputTokens,
	usagedomain.ErrInvalidTotalTokens,
	usagedomain.ErrInvalidCostUSD,
	usagedomain.ErrInvalidCostTracked,
	usagedomain.ErrInvalidCost,
	revenuecat.ErrMissingEvent,
	revenuecat.ErrMissingEventID,
	revenuecat.ErrMissingUserID,
}

var (
	internalPayload     = errorPayload{Type: "internal_error", Message: "internal server error"}
	unauthorizedPayload = errorPayload{Type: "unauthorized", Message: "unauthorized"}
	notFoundPayload     = errorPayload{Type: "not_found", Message: "not found"}
	rateLimitedPayload  = errorPayload{Type: "rate_limited", Message: "too many requests"}
	unavailablePayload  = errorPayload{Type: "service_unavailable", Message: "service unavailable"}
)

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, internalPayload
	}

	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}
	if sentinel := validationSentinel(err); sentinel != nil {
		code := sentinel.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{{
				Field:   validationErrorField(code),
				Code:    code,
				Message: validationErrorMessage(code),
			}},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, unauthorizedPayload
	case errors.Is(err, ErrNotFound),
		errors.Is(err, usagedomain.ErrAggregateMissing),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, notFoundPayload
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, rateLimitedPayload
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, db.ErrTransientStore):
		return http.StatusServiceUnavailable, unavailablePayload
	default:
		return http.StatusInternalServerError, internalPayload
	}
}

// classifyErrorForLog returns the response type and a short code for the
// request log.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}

func validationSentinel(err error) error {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

func validationErrorField(code string) string {
	switch {
	case code == ErrInvalidRequest.Error():
		return "request"
	case strings.HasPrefix(code, "revenuecat_missing_"):
		return strings.TrimPrefix(code, "revenuecat_missing_")
	default:
		return strings.TrimPrefix(code, "invalid_")
	}
}

func validationErrorMessage(code string) string {
	switch {
	case code == ErrInvalidRequest.Error():
		return "invalid request"
	case strings.HasPrefix(code, "revenuecat_missing_"):
		return "required"
	default:
		return "invalid value"
	}
}
