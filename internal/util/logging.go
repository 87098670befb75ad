package util

import (
	"fmt"
	"log/slog"
)

// LogError logs an error with component and operation context.
// This helper standardizes error logging across the codebase.
//
// Parameters:
//   - logger: The logger instance to use
//   - component: The component where the error occurred (e.g., "manager", "websocket", "turn")
//   - operation: The operation that failed (e.g., "close voice channel", "send frame")
//   - err: The error that occurred
//   - fields: Additional key-value pairs to include in the log
//
// Example:
//
//	LogError(logger, "manager", "close voice channel", err, "session_id", sessionID)
func LogError(logger *slog.Logger, component, operation string, err error, fields ...any) {
	if logger == nil {
		return
	}
	allFields := []any{"error", err, "component", component}
	allFields = append(allFields, fields...)
	logger.Error(fmt.Sprintf("Failed to %s", operation), allFields...)
}
