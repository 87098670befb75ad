package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/real-rm/voicebox/internal/channel"
)

var (
	// ErrSessionNotFound is returned when a session is not found
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidOwner is returned when the owner is empty
	ErrInvalidOwner = errors.New("owner cannot be empty")
	// ErrInvalidSessionID is returned when session ID is empty
	ErrInvalidSessionID = errors.New("session ID cannot be empty")
	// ErrInvalidTransition is returned for a state change that is not an edge of the state machine
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrSessionClosed is returned by operations on a session that has been cleaned up
	ErrSessionClosed = errors.New("session closed")
)

// State is the conversational state of a session.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
)

// States lists every state in declaration order.
var States = []State{StateIdle, StateListening, StateThinking, StateSpeaking}

// transitions holds the allowed edges. Every state may also return to idle
// on an explicit cancel, which the table already covers.
var transitions = map[State]map[State]bool{
	StateIdle:      {StateListening: true, StateThinking: true},
	StateListening: {StateIdle: true, StateThinking: true},
	StateThinking:  {StateSpeaking: true, StateIdle: true, StateListening: true},
	StateSpeaking:  {StateIdle: true, StateListening: true},
}

// CanTransition reports whether from -> to is an edge. Self transitions are
// no-ops and always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	return transitions[from][to]
}

// Role values for history entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one (role, content) pair in the conversation history.
type Entry struct {
	Role    string
	Content string
}

// Session is one live conversation bound to a client connection.
//
// State, history and activity time are guarded by mu. History is only
// written by whoever holds the turn lock.
type Session struct {
	// Identity
	ID    string
	Owner string

	// Configuration
	LiteMode  bool
	CreatedAt time.Time

	// Channels. Voice is nil when the session runs text-only; Avatar is nil
	// when no avatar is configured or in lite mode.
	Voice  channel.Voice
	Agent  channel.Agent
	Avatar channel.Avatar

	// Cancel fires on barge-in. AvatarReady fires when the avatar handshake
	// completes and is reset on disconnect. SynthesisDone fires when the voice
	// channel finishes streaming a requested synthesis.
	Cancel        *Signal
	AvatarReady   *Signal
	SynthesisDone *Signal

	mu           sync.Mutex
	state        State
	history      []Entry
	turnCount    int
	lastActivity time.Time

	turnLock chan struct{}

	avatarPhase atomic.Int32

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a session in the idle state. The session context lives until
// Close is called.
func New(owner string, liteMode bool) *Session {
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:           uuid.New().String(),
		Owner:        owner,
		LiteMode:     liteMode,
		CreatedAt:    now,
		Cancel:        NewSignal(),
		AvatarReady:   NewSignal(),
		SynthesisDone: NewSignal(),
		state:         StateIdle,
		history:       []Entry{},
		lastActivity:  now,
		turnLock:      make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to the given state if the edge is allowed.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

// CompareAndTransition moves from -> to only when the session is currently
// in from. It reports whether the transition happened.
func (s *Session) CompareAndTransition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != from || !CanTransition(from, to) {
		return false
	}
	s.state = to
	return true
}

// FinishTurn resets a turn to idle only while the turn still owns the state
// (thinking or speaking). A concurrently entered listening state wins.
func (s *Session) FinishTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateThinking && s.state != StateSpeaking {
		return false
	}
	s.state = StateIdle
	return true
}

// BeginTurn moves the session to thinking, counts the turn and records the
// user entry. The caller must hold the turn lock.
func (s *Session) BeginTurn(userText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !CanTransition(s.state, StateThinking) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateThinking)
	}
	s.state = StateThinking
	s.turnCount++
	s.history = append(s.history, Entry{Role: RoleUser, Content: userText})
	return nil
}

// AppendHistory records an entry. The caller must hold the turn lock.
func (s *Session) AppendHistory(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Entry{Role: role, Content: content})
}

// ReplaceHistory swaps the whole history. The caller must hold the turn lock.
func (s *Session) ReplaceHistory(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]Entry(nil), entries...)
}

// History returns a copy of the conversation so far.
func (s *Session) History() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.history...)
}

// TurnCount returns the number of accepted turns.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// Touch records client activity.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the time of the last client activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// IdleFor returns how long the session has been without client activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

// Lock acquires the turn lock, giving up when ctx or the session ends.
func (s *Session) Lock(ctx context.Context) error {
	select {
	case s.turnLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// TryLock acquires the turn lock only if it is free.
func (s *Session) TryLock() bool {
	select {
	case s.turnLock <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the turn lock.
func (s *Session) Unlock() {
	<-s.turnLock
}

// TurnActive reports whether a turn currently holds the lock.
func (s *Session) TurnActive() bool {
	return len(s.turnLock) == 1
}

// Avatar connection phases.
const (
	avatarNone int32 = iota
	avatarConnecting
	avatarConnected
)

// BeginAvatarHandshake marks an avatar handshake as in progress.
func (s *Session) BeginAvatarHandshake() {
	s.avatarPhase.Store(avatarConnecting)
}

// AbortAvatarHandshake clears an in-progress handshake. It reports whether a
// handshake was pending. A barge-in aborts the handshake so that its
// completion is discarded.
func (s *Session) AbortAvatarHandshake() bool {
	return s.avatarPhase.CompareAndSwap(avatarConnecting, avatarNone)
}

// CompleteAvatarHandshake publishes a finished handshake. It returns false
// when the handshake was aborted in the meantime; the caller then owns the
// teardown of the new connection.
func (s *Session) CompleteAvatarHandshake() bool {
	return s.avatarPhase.CompareAndSwap(avatarConnecting, avatarConnected)
}

// SetAvatarConnected records a live avatar connection unconditionally.
func (s *Session) SetAvatarConnected() {
	s.avatarPhase.Store(avatarConnected)
}

// TakeAvatarConnected claims teardown of the current avatar connection.
// Exactly one caller per connection gets true.
func (s *Session) TakeAvatarConnected() bool {
	return s.avatarPhase.CompareAndSwap(avatarConnected, avatarNone)
}

// AvatarConnected reports whether an avatar connection is live.
func (s *Session) AvatarConnected() bool {
	return s.avatarPhase.Load() == avatarConnected
}

// AvatarActive reports whether an avatar is connected or mid-handshake.
func (s *Session) AvatarActive() bool {
	return s.avatarPhase.Load() != avatarNone
}

// Context is cancelled when the session is closed.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// close cancels the session context and fires Cancel so that any in-flight
// turn stops at its next checkpoint. Safe to call more than once.
func (s *Session) close() bool {
	closed := false
	s.closeOnce.Do(func() {
		s.Cancel.Set()
		s.cancel()
		closed = true
	})
	return closed
}
