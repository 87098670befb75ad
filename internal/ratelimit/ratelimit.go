// Package ratelimit caps concurrent WebSocket connections per owner and
// request rates per client on the public HTTP endpoints.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// ConnectionLimiter limits the number of concurrent connections per owner
type ConnectionLimiter struct {
	connections map[string]int // owner -> connection count
	maxPerOwner int
	mu          sync.Mutex
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter(maxPerOwner int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxPerOwner: maxPerOwner,
	}
}

// Allow reserves a connection slot for owner. Every successful Allow must
// be paired with a Release.
func (cl *ConnectionLimiter) Allow(owner string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count := cl.connections[owner]
	if count >= cl.maxPerOwner {
		return false
	}

	cl.connections[owner] = count + 1
	return true
}

// Release frees a slot reserved by Allow
func (cl *ConnectionLimiter) Release(owner string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count, ok := cl.connections[owner]
	if !ok {
		return
	}
	if count <= 1 {
		delete(cl.connections, owner)
	} else {
		cl.connections[owner] = count - 1
	}
}

// GetCount returns the current connection count for owner
func (cl *ConnectionLimiter) GetCount(owner string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.connections[owner]
}

// MessageLimiter limits the rate of requests per key using a sliding window
type MessageLimiter struct {
	events map[string][]time.Time // key -> timestamps
	window time.Duration
	limit  int
	mu     sync.Mutex
	logger *slog.Logger

	// Cleanup goroutine management
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	cleanupWg       sync.WaitGroup
}

// NewMessageLimiter creates a sliding window limiter allowing limit events
// per key within window.
func NewMessageLimiter(window time.Duration, limit int, logger *slog.Logger) *MessageLimiter {
	return &MessageLimiter{
		events:          make(map[string][]time.Time),
		window:          window,
		limit:           limit,
		logger:          logger.WithGroup("ratelimit"),
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
}

// Allow records an event for key and reports whether it fits in the window
func (ml *MessageLimiter) Allow(key string) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	recent := pruneBefore(ml.events[key], now.Add(-ml.window))

	if len(recent) >= ml.limit {
		ml.events[key] = recent
		return false
	}

	ml.events[key] = append(recent, now)
	return true
}

// RetryAfter returns how long until key may send again. It is zero when
// key is under the limit.
func (ml *MessageLimiter) RetryAfter(key string) time.Duration {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	recent := pruneBefore(ml.events[key], now.Add(-ml.window))
	if len(recent) < ml.limit {
		return 0
	}

	// Timestamps are appended in order, so the first is the oldest.
	wait := recent[0].Add(ml.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Reset clears the history for key
func (ml *MessageLimiter) Reset(key string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.events, key)
}

// Cleanup drops expired events and returns how many were removed
func (ml *MessageLimiter) Cleanup() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	cutoff := time.Now().Add(-ml.window)
	removed := 0
	for key, events := range ml.events {
		recent := pruneBefore(events, cutoff)
		removed += len(events) - len(recent)
		if len(recent) == 0 {
			delete(ml.events, key)
		} else {
			ml.events[key] = recent
		}
	}
	return removed
}

// StartCleanup starts a background goroutine that periodically cleans up expired events
func (ml *MessageLimiter) StartCleanup() {
	ml.cleanupWg.Add(1)
	go func() {
		defer ml.cleanupWg.Done()
		ticker := time.NewTicker(ml.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if removed := ml.Cleanup(); removed > 0 {
					ml.logger.Debug("Rate limiter cleanup", "removed_events", removed)
				}
			case <-ml.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine and waits for it to finish.
// Safe to call more than once.
func (ml *MessageLimiter) StopCleanup() {
	ml.stopOnce.Do(func() {
		close(ml.stopCleanup)
	})
	ml.cleanupWg.Wait()
}

// pruneBefore returns the suffix of events after cutoff, reusing the slice.
func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}
