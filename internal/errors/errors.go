// Package errors provides the error taxonomy for the voice session service.
// It defines error categories, codes, and the client-facing message generation.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/real-rm/voicebox/internal/constants"
	"github.com/real-rm/voicebox/internal/message"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryChannel represents external channel connection failures (voice, agent, avatar)
	CategoryChannel ErrorCategory = "channel"
	// CategoryTimeout represents turn and handshake timeouts
	CategoryTimeout ErrorCategory = "timeout"
	// CategoryValidation represents malformed inbound messages
	CategoryValidation ErrorCategory = "validation"
	// CategoryCapacity represents registry capacity events (eviction)
	CategoryCapacity ErrorCategory = "capacity"
	// CategoryAuth represents token resolution failures on upgrade
	CategoryAuth ErrorCategory = "auth"
	// CategoryRateLimit represents rate limiting rejections
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryInternal represents everything else
	CategoryInternal ErrorCategory = "internal"
)

// ErrorCode represents specific error codes
type ErrorCode string

const (
	// Channel errors
	ErrCodeChannelUnavailable ErrorCode = "CHANNEL_UNAVAILABLE"
	ErrCodeAgentUnavailable   ErrorCode = "AGENT_UNAVAILABLE"
	ErrCodeVoiceUnavailable   ErrorCode = "VOICE_UNAVAILABLE"
	ErrCodeAvatarUnavailable  ErrorCode = "AVATAR_UNAVAILABLE"

	// Timeout errors
	ErrCodeTurnTimeout ErrorCode = "TURN_TIMEOUT"

	// Validation errors
	ErrCodeInvalidFormat  ErrorCode = "INVALID_FORMAT"
	ErrCodeMissingField   ErrorCode = "MISSING_FIELD"
	ErrCodeTurnInProgress ErrorCode = "TURN_IN_PROGRESS"

	// Capacity
	ErrCodeSessionEvicted ErrorCode = "SESSION_EVICTED"

	// Auth and rate limiting
	ErrCodeInvalidToken    ErrorCode = "INVALID_TOKEN"
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"
	ErrCodeConnectionLimit ErrorCode = "CONNECTION_LIMIT_EXCEEDED"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ChatError represents an application error with category and recoverability information.
// Message is what the client sees; Cause is only ever logged.
type ChatError struct {
	Category    ErrorCategory
	Code        ErrorCode
	Message     string
	Recoverable bool
	Cause       error
}

// Error implements the error interface
func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *ChatError) Unwrap() error {
	return e.Cause
}

// IsFatal returns true if the error ends the session
func (e *ChatError) IsFatal() bool {
	return !e.Recoverable
}

// ToErrorPayload converts a ChatError to the wire error message.
func (e *ChatError) ToErrorPayload() *message.ErrorMessage {
	return message.NewError(e.Message)
}

func newError(category ErrorCategory, code ErrorCode, msg string, recoverable bool, cause error) *ChatError {
	return &ChatError{
		Category:    category,
		Code:        code,
		Message:     msg,
		Recoverable: recoverable,
		Cause:       cause,
	}
}

// NewChannelError creates a channel failure. Channel failures degrade the session but do not end it.
func NewChannelError(code ErrorCode, msg string, cause error) *ChatError {
	return newError(CategoryChannel, code, msg, true, cause)
}

// NewTimeoutError creates a timeout error (recoverable)
func NewTimeoutError(code ErrorCode, msg string, cause error) *ChatError {
	return newError(CategoryTimeout, code, msg, true, cause)
}

// NewValidationError creates a validation error (recoverable)
func NewValidationError(code ErrorCode, msg string, cause error) *ChatError {
	return newError(CategoryValidation, code, msg, true, cause)
}

// NewAuthError creates an authentication error (fatal)
func NewAuthError(code ErrorCode, msg string, cause error) *ChatError {
	return newError(CategoryAuth, code, msg, false, cause)
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(code ErrorCode, msg string, cause error) *ChatError {
	return newError(CategoryRateLimit, code, msg, true, cause)
}

// NewInternalError creates an internal error (recoverable, generic message)
func NewInternalError(cause error) *ChatError {
	return newError(CategoryInternal, ErrCodeInternal, constants.ErrMsgProcessing, true, cause)
}

// Common error constructors for convenience

// ErrAgentUnavailable is fatal: a session cannot exist without its agent.
func ErrAgentUnavailable(cause error) *ChatError {
	return newError(CategoryChannel, ErrCodeAgentUnavailable, "Agent service is unavailable", false, cause)
}

// ErrVoiceUnavailable creates a voice channel degradation error
func ErrVoiceUnavailable(cause error) *ChatError {
	return NewChannelError(ErrCodeVoiceUnavailable, constants.ErrMsgVoiceUnavailable, cause)
}

// ErrAvatarUnavailable creates an avatar connection error
func ErrAvatarUnavailable(cause error) *ChatError {
	return NewChannelError(ErrCodeAvatarUnavailable, constants.ErrMsgAvatarFailed, cause)
}

// ErrTurnTimeout creates a turn timeout error
func ErrTurnTimeout(cause error) *ChatError {
	return NewTimeoutError(ErrCodeTurnTimeout, constants.ErrMsgTurnTimeout, cause)
}

// ErrTurnInProgress rejects history changes while a turn holds the session.
func ErrTurnInProgress() *ChatError {
	return NewValidationError(ErrCodeTurnInProgress, constants.ErrMsgTurnInProgress, nil)
}

// ErrInvalidMessageFormat creates an invalid message format error
func ErrInvalidMessageFormat(cause error) *ChatError {
	return NewValidationError(ErrCodeInvalidFormat, constants.ErrMsgInvalidMessage, cause)
}

// ErrMissingField creates a missing field error
func ErrMissingField(fieldName string) *ChatError {
	return NewValidationError(ErrCodeMissingField, fmt.Sprintf("Required field missing: %s", fieldName), nil)
}

// ErrSessionEvicted records a capacity eviction. It is logged, never sent.
func ErrSessionEvicted(sessionID string) *ChatError {
	return newError(CategoryCapacity, ErrCodeSessionEvicted, "Session evicted", true,
		fmt.Errorf("session %s evicted for capacity", sessionID))
}

// ErrInvalidToken creates an invalid token error
func ErrInvalidToken(cause error) *ChatError {
	return NewAuthError(ErrCodeInvalidToken, "Invalid authentication token", cause)
}

// ErrTooManyRequests creates a too many requests error
func ErrTooManyRequests() *ChatError {
	return NewRateLimitError(ErrCodeTooManyRequests, constants.ErrMsgRateLimitExceeded, nil)
}

// ErrConnectionLimitExceeded creates a connection limit exceeded error
func ErrConnectionLimitExceeded() *ChatError {
	return NewRateLimitError(ErrCodeConnectionLimit, "Connection limit exceeded, please try again later", nil)
}

// FromValidation maps a message validation failure onto the taxonomy.
// Required field failures become MISSING_FIELD, everything else INVALID_FORMAT.
func FromValidation(err error) *ChatError {
	var verr *message.ValidationError
	if stderrors.As(err, &verr) && strings.Contains(verr.Message, "is required") {
		missing := ErrMissingField(verr.Field)
		missing.Cause = err
		return missing
	}
	return ErrInvalidMessageFormat(err)
}

// ClientMessage returns the text safe to show a client for any error.
// Non-taxonomy errors never leak their text.
func ClientMessage(err error) string {
	var chatErr *ChatError
	if stderrors.As(err, &chatErr) {
		return chatErr.Message
	}
	return constants.ErrMsgProcessing
}

// As reports whether err is a ChatError and returns it.
func As(err error) (*ChatError, bool) {
	var chatErr *ChatError
	ok := stderrors.As(err, &chatErr)
	return chatErr, ok
}
