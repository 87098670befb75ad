package reconnect

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDialFailed = errors.New("dial failed")

func TestReconnect_SucceedsFirstTry(t *testing.T) {
	var calls atomic.Int32
	sup := New("voice", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, sup.Reconnect(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, sup.Degraded())
}

func TestReconnect_SucceedsAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	sup := New("voice", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errDialFailed
		}
		return nil
	}, WithBaseDelay(5*time.Millisecond))

	require.NoError(t, sup.Reconnect(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, sup.Degraded())
}

// With base d and three attempts against a permanent outage, the supervisor
// makes exactly three attempts separated by d and 2d, then gives up.
func TestReconnect_BackoffTiming(t *testing.T) {
	const base = 50 * time.Millisecond
	var calls atomic.Int32
	var stamps []time.Time
	var mu sync.Mutex

	sup := New("voice", func(ctx context.Context) error {
		calls.Add(1)
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return errDialFailed
	}, WithMaxAttempts(3), WithBaseDelay(base))

	start := time.Now()
	err := sup.Reconnect(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errDialFailed)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, sup.Degraded())

	assert.GreaterOrEqual(t, elapsed, 3*base)
	assert.Less(t, elapsed, 3*base+150*time.Millisecond)

	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), base)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 2*base)
}

func TestReconnect_PermanentErrorStopsImmediately(t *testing.T) {
	errAuth := errors.New("401 unauthorized")
	var calls atomic.Int32
	sup := New("avatar", func(ctx context.Context) error {
		calls.Add(1)
		return errAuth
	}, WithBaseDelay(time.Second), WithRetryable(func(err error) bool {
		return !errors.Is(err, errAuth)
	}))

	start := time.Now()
	err := sup.Reconnect(context.Background())

	assert.ErrorIs(t, err, errAuth)
	assert.Equal(t, int32(1), calls.Load())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, sup.Degraded())
}

func TestReconnect_DegradedShortCircuits(t *testing.T) {
	var calls atomic.Int32
	sup := New("voice", func(ctx context.Context) error {
		calls.Add(1)
		return errDialFailed
	}, WithMaxAttempts(1))

	require.Error(t, sup.Reconnect(context.Background()))
	err := sup.Reconnect(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestReconnect_ConcurrentCallersShareOneAttempt(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	sup := New("voice", func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return nil
	})

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- sup.Reconnect(context.Background())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestReconnect_CallerWaitBoundedByContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sup := New("voice", func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := sup.Reconnect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, sup.Degraded())
}

func TestClose_AbortsInFlight(t *testing.T) {
	sup := New("voice", func(ctx context.Context) error {
		return errDialFailed
	}, WithBaseDelay(time.Hour))

	done := make(chan error, 1)
	go func() { done <- sup.Reconnect(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	sup.Close()
	sup.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Reconnect did not return after Close")
	}
	assert.False(t, sup.Degraded())
	assert.ErrorIs(t, sup.Reconnect(context.Background()), ErrClosed)
}

func TestNew_DefaultLoggerDiscards(t *testing.T) {
	sup := New("voice", func(ctx context.Context) error { return nil })
	assert.False(t, sup.logger.Enabled(context.Background(), slog.LevelError))

	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	sup = New("voice", func(ctx context.Context) error { return nil }, WithLogger(logger))
	assert.True(t, sup.logger.Enabled(context.Background(), slog.LevelInfo))
}
