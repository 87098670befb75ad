package testutil

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/real-rm/voicebox/internal/message"
)

// ErrSinkClosed is returned by a closed RecordingSink.
var ErrSinkClosed = errors.New("sink closed")

// RecordingSink captures outbound messages in send order.
type RecordingSink struct {
	mu       sync.Mutex
	messages []message.Outbound
	closed   bool
	notify   chan struct{}
}

// NewRecordingSink returns an empty sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{notify: make(chan struct{}, 1)}
}

func (s *RecordingSink) Send(ctx context.Context, msg message.Outbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.messages = append(s.messages, msg)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close makes further sends fail, like a departed client.
func (s *RecordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Messages returns a copy of everything sent so far.
func (s *RecordingSink) Messages() []message.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Outbound(nil), s.messages...)
}

// Types returns the message types sent so far, in order.
func (s *RecordingSink) Types() []message.MessageType {
	msgs := s.Messages()
	types := make([]message.MessageType, len(msgs))
	for i, m := range msgs {
		types[i] = m.MessageType()
	}
	return types
}

// States returns the payloads of state messages, in order.
func (s *RecordingSink) States() []string {
	var states []string
	for _, m := range s.Messages() {
		if st, ok := m.(*message.StateMessage); ok {
			states = append(states, st.State)
		}
	}
	return states
}

// Count returns how many messages of typ were sent.
func (s *RecordingSink) Count(typ message.MessageType) int {
	n := 0
	for _, t := range s.Types() {
		if t == typ {
			n++
		}
	}
	return n
}

// WaitFor blocks until match accepts some sent message or timeout passes.
func (s *RecordingSink) WaitFor(timeout time.Duration, match func(message.Outbound) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, m := range s.Messages() {
			if match(m) {
				return true
			}
		}
		select {
		case <-s.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			return false
		}
	}
}

// WaitForState waits for a state message carrying state.
func (s *RecordingSink) WaitForState(timeout time.Duration, state string) bool {
	return s.WaitFor(timeout, func(m message.Outbound) bool {
		st, ok := m.(*message.StateMessage)
		return ok && st.State == state
	})
}

// WaitForType waits for any message of typ.
func (s *RecordingSink) WaitForType(timeout time.Duration, typ message.MessageType) bool {
	return s.WaitFor(timeout, func(m message.Outbound) bool {
		return m.MessageType() == typ
	})
}

// CreateTestLogger creates a logger for tests that discards output
func CreateTestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// AssertGoroutineCount measures and reports goroutine count changes
func AssertGoroutineCount(t *testing.T, before, after int, description string) {
	t.Helper()
	delta := after - before
	t.Logf("Goroutine count (%s): %d → %d (delta: %d)", description, before, after, delta)

	// Allow for small variations due to test framework and GC
	tolerance := 5
	assert.InDelta(t, before, after, float64(tolerance),
		"Goroutine count should not increase significantly")
}

// MeasureGoroutines returns the current goroutine count
func MeasureGoroutines() int {
	return runtime.NumGoroutine()
}

// WaitForGoroutines waits for goroutines to stabilize
func WaitForGoroutines() {
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
}
