package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/circlelink/linkage-core/internal/http/middleware"
	"github.com/circlelink/linkage-core/internal/services"
)

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty"`
	// Stable, machine-readable code (see errors.go)
	Code string `json:"code"`
	// Human-readable message
	Message string `json:"message"`
	// Code-specific payload, e.g. the rejected hash IDs of unknown_reference
	Details any `json:"details,omitempty"`
}

// fail aborts with an ErrorResponse. 5xx answers are logged with the
// request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	failWith(c, status, code, msg, nil)
}

func failWith(c *gin.Context, status int, code, msg string, details any) {
	c.Set(middleware.ErrorCodeKey, code)
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
		Details:   details,
	})
}

// Fail is the exported variant of fail for the router's NoRoute/NoMethod.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// writeServiceError translates a service error into its HTTP answer. Typed
// errors are matched before sentinels because they carry details.
func writeServiceError(c *gin.Context, err error) {
	var (
		unknown    *services.UnknownReferenceError
		ineligible *services.IneligibleError
		retriable  *services.RetriableError
		cascade    *services.CascadeError
	)
	switch {
	case errors.As(err, &unknown):
		failWith(c, http.StatusUnprocessableEntity, ErrCodeUnknownReference,
			"references do not belong to this event", gin.H{"hash_ids": unknown.HashIDs})
	case errors.As(err, &ineligible):
		failWith(c, http.StatusConflict, ErrCodeNotEligible,
			"ticket cannot be used", gin.H{"reason": ineligible.Reason})
	case errors.As(err, &retriable):
		c.Header("Retry-After", "1")
		_ = c.Error(err)
		fail(c, http.StatusServiceUnavailable, ErrCodeRetriable, "storage busy, retry the request")
	case errors.As(err, &cascade):
		_ = c.Error(err)
		failWith(c, http.StatusInternalServerError, ErrCodeInternal, "delete failed", gin.H{"step": cascade.Step})

	case errors.Is(err, services.ErrInvalidFormat):
		fail(c, http.StatusBadRequest, ErrCodeInvalidFormat, "malformed hash id")
	case errors.Is(err, services.ErrInvalidInput), errors.Is(err, services.ErrInvalidStatus):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, services.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "not found")
	case errors.Is(err, services.ErrForbidden):
		if middleware.AuthFrom(c).Anonymous() {
			fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
			return
		}
		fail(c, http.StatusForbidden, ErrCodeForbidden, "not allowed")
	case errors.Is(err, services.ErrLockedStatus):
		fail(c, http.StatusConflict, ErrCodeLockedStatus, "payment status is locked")
	case errors.Is(err, services.ErrAlreadyUsed):
		fail(c, http.StatusConflict, ErrCodeAlreadyUsed, "ticket already used")
	case errors.Is(err, services.ErrLimitExceeded):
		fail(c, http.StatusConflict, ErrCodeLimitExceeded, "voucher usage limit reached")
	case errors.Is(err, services.ErrInvalidTransition):
		fail(c, http.StatusConflict, ErrCodeInvalidTransition, "status transition not allowed")
	case errors.Is(err, services.ErrGenerationConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, "could not allocate an identifier")
	default:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}
