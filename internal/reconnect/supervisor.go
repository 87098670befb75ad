// Package reconnect retries a channel's connect operation with exponential
// backoff and lets concurrent callers share one reconnect.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/real-rm/voicebox/internal/constants"
	"github.com/real-rm/voicebox/internal/metrics"
)

var (
	// ErrExhausted is returned once the supervisor has given up on its channel.
	ErrExhausted = errors.New("reconnect attempts exhausted")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("supervisor closed")
)

// ConnectFunc establishes (or re-establishes) a channel connection.
type ConnectFunc func(ctx context.Context) error

type options struct {
	maxAttempts int
	baseDelay   time.Duration
	retryable   func(error) bool
	logger      *slog.Logger
}

// Option configures a Supervisor.
type Option func(*options)

// WithMaxAttempts sets the total number of connect attempts.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the delay before the second attempt. Each later delay doubles.
func WithBaseDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.baseDelay = d
		}
	}
}

// WithRetryable sets the predicate separating transient from permanent errors.
// By default every error is transient.
func WithRetryable(fn func(error) bool) Option {
	return func(o *options) {
		if fn != nil {
			o.retryable = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Supervisor guards one channel's connection.
type Supervisor struct {
	name    string
	connect ConnectFunc
	opts    options
	logger  *slog.Logger

	group    singleflight.Group
	degraded atomic.Bool
	attempts atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a supervisor named after the channel it guards.
func New(name string, connect ConnectFunc, opts ...Option) *Supervisor {
	o := options{
		maxAttempts: constants.DefaultReconnectAttempts,
		baseDelay:   constants.DefaultReconnectBaseDelay,
		retryable:   func(error) bool { return true },
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		name:    name,
		connect: connect,
		opts:    o,
		logger:  o.logger.WithGroup("reconnect").With("channel", name),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Reconnect runs the connect operation until it succeeds, hits a permanent
// error or runs out of attempts. A caller arriving while a reconnect is in
// flight waits for that one instead of starting another; ctx bounds only
// the caller's wait.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	if s.degraded.Load() {
		return fmt.Errorf("%w: %s", ErrExhausted, s.name)
	}
	if s.ctx.Err() != nil {
		return ErrClosed
	}

	result := s.group.DoChan(s.name, func() (any, error) {
		return nil, s.run(s.ctx)
	})

	select {
	case r := <-result:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) run(ctx context.Context) error {
	backoff := retry.WithMaxRetries(uint64(s.opts.maxAttempts-1), retry.NewExponential(s.opts.baseDelay))

	attempt := 0
	var lastErr error
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		s.attempts.Add(1)
		metrics.ReconnectAttempts.WithLabelValues(s.name).Inc()

		err := s.connect(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("Connect attempt failed",
			"attempt", attempt,
			"max_attempts", s.opts.maxAttempts,
			"error", err)

		if !s.opts.retryable(err) {
			return err
		}
		return retry.RetryableError(err)
	})

	if err == nil {
		if attempt > 1 {
			s.logger.Info("Channel reconnected", "attempts", attempt)
		}
		return nil
	}
	if ctx.Err() != nil {
		return ErrClosed
	}

	s.degraded.Store(true)
	metrics.ChannelFailures.WithLabelValues(s.name).Inc()
	s.logger.Error("Channel unavailable", "attempts", attempt, "error", lastErr)
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrExhausted, s.name, attempt, lastErr)
}

// Degraded reports whether the supervisor has given up.
func (s *Supervisor) Degraded() bool {
	return s.degraded.Load()
}

// Attempts returns the total number of connect attempts made.
func (s *Supervisor) Attempts() int64 {
	return s.attempts.Load()
}

// Close aborts any in-flight reconnect. Safe to call more than once.
func (s *Supervisor) Close() {
	s.closeOnce.Do(s.cancel)
}
