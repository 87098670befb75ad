package session

import (
	"context"
	"sync"
)

// Signal is a resettable one-shot broadcast. Set wakes every current and
// future waiter until Reset arms it again. Set and Reset are idempotent.
type Signal struct {
	mu    sync.Mutex
	ch    chan struct{}
	set   bool
	abort context.CancelFunc // cancels the fn inside RunUnlessSet, if any

	run sync.Mutex
}

// NewSignal returns an unset signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set fires the signal and reports whether this call changed it. An fn
// running under RunUnlessSet has its context cancelled, and Set returns only
// after that fn has returned.
func (s *Signal) Set() bool {
	s.mu.Lock()
	changed := !s.set
	if changed {
		s.set = true
		close(s.ch)
		if s.abort != nil {
			s.abort()
		}
	}
	s.mu.Unlock()

	// Wait out an fn that started before the signal fired.
	s.run.Lock()
	defer s.run.Unlock()
	return changed
}

// Reset re-arms a fired signal. Waiters that already observed the fired
// channel are unaffected.
func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.set {
		return
	}
	s.set = false
	s.ch = make(chan struct{})
}

// IsSet reports whether the signal has fired since the last Reset.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// RunUnlessSet calls fn unless the signal has fired, and reports whether fn
// ran. fn's context is cancelled by a concurrent Set, which waits for fn to
// return, so nothing fn does can be ordered after Set. fn must not use the
// signal.
func (s *Signal) RunUnlessSet(ctx context.Context, fn func(ctx context.Context)) bool {
	s.run.Lock()
	defer s.run.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.set {
		s.mu.Unlock()
		return false
	}
	s.abort = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.abort = nil
		s.mu.Unlock()
	}()

	fn(runCtx)
	return true
}

// Done returns a channel that is closed when the signal fires.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Wait blocks until the signal fires or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
