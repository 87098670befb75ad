// Package httperrors provides generic error responses for the HTTP endpoints.
// Internal details never reach the client.
package httperrors

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	chaterrors "github.com/real-rm/voicebox/internal/errors"
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

// Generic error messages that don't expose internal details
const (
	MsgServiceUnavailable = "Service temporarily unavailable"
	MsgInternalError      = "An internal error occurred"
)

// Error codes for client-side handling
const (
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// RespondTooManyRequests aborts with a 429. retry_after is in milliseconds.
func RespondTooManyRequests(c *gin.Context, retryAfter time.Duration) {
	chatErr := chaterrors.ErrTooManyRequests()
	c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
		Error:      chatErr.Message,
		Code:       string(chatErr.Code),
		RetryAfter: retryAfter.Milliseconds(),
	})
}

// RespondServiceUnavailable aborts with a 503
func RespondServiceUnavailable(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
		Error: MsgServiceUnavailable,
		Code:  CodeServiceUnavailable,
	})
}

// RespondInternalError aborts with a 500
func RespondInternalError(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
		Error: MsgInternalError,
		Code:  CodeInternalError,
	})
}
