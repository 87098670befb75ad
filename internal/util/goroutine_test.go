package util

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/voicebox/internal/metrics"
)

// syncBuffer guards a bytes.Buffer shared between the test and a goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newBufferLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func TestSafeGo_NormalExecution(t *testing.T) {
	logger, _ := newBufferLogger()
	done := make(chan struct{})

	SafeGo(logger, "test", func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestSafeGo_PanicRecovery(t *testing.T) {
	logger, buf := newBufferLogger()
	before := testutil.ToFloat64(metrics.GoroutinePanics)

	var wg sync.WaitGroup
	wg.Add(1)
	SafeGo(logger, "turn-processor", func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.GoroutinePanics) == before+1
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, buf.String(), "Panic recovered in goroutine")
	assert.Contains(t, buf.String(), "component=turn-processor")
	assert.Contains(t, buf.String(), "panic=boom")
}

func TestRecover_LoopSurvivesPanickingIteration(t *testing.T) {
	logger, _ := newBufferLogger()
	ran := 0

	for i := 0; i < 3; i++ {
		func() {
			defer Recover(logger, "sweep")
			ran++
			if i == 1 {
				panic("bad iteration")
			}
		}()
	}

	assert.Equal(t, 3, ran)
}
