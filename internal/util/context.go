// Package util holds small helpers shared across the voicebox packages.
package util

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type traceIDKey struct{}

// NewTimeoutContext returns a context detached from any caller. Teardown
// paths use it so a cancelled request never skips a release.
//
// Example:
//
//	ctx, cancel := util.NewTimeoutContext(constants.DefaultTeardownTimeout)
//	defer cancel()
func NewTimeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// NewContextWithTraceID returns a child of parent tagged with a fresh
// 32-character trace ID. Each turn gets one.
func NewContextWithTraceID(parent context.Context) context.Context {
	return context.WithValue(parent, traceIDKey{}, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// TraceIDFromContext returns the trace ID, or "" when ctx has none.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}
