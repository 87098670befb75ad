// Package router dispatches client messages for each connected session and
// relays voice channel events back to the client.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/real-rm/voicebox/internal/bargein"
	"github.com/real-rm/voicebox/internal/channel"
	"github.com/real-rm/voicebox/internal/constants"
	chaterrors "github.com/real-rm/voicebox/internal/errors"
	"github.com/real-rm/voicebox/internal/message"
	"github.com/real-rm/voicebox/internal/session"
	"github.com/real-rm/voicebox/internal/turn"
	"github.com/real-rm/voicebox/internal/util"
	"github.com/real-rm/voicebox/internal/websocket"
)

var (
	// ErrNilSink is returned when a session is opened without a sink
	ErrNilSink = errors.New("sink cannot be nil")
	// ErrShutdown is returned when a session is opened after Shutdown
	ErrShutdown = errors.New("router is shut down")
)

// Options configures a MessageRouter. Zero values fall back to the defaults
// in the constants package.
type Options struct {
	AvatarConnectTimeout time.Duration
}

// MessageRouter opens sessions for new connections and routes their messages
// to the turn processor, the barge-in controller and the avatar channel.
type MessageRouter struct {
	manager    *session.Manager
	processor  *turn.Processor
	summarizer *turn.Summarizer
	bargein    *bargein.Controller
	ice        channel.ICEProvider
	opts       Options
	logger     *slog.Logger

	bindings map[string]*Binding // sessionID -> Binding
	mu       sync.RWMutex
	closed   bool
}

// NewMessageRouter creates a message router. ice may be nil when no avatar
// relay is configured.
func NewMessageRouter(manager *session.Manager, processor *turn.Processor, summarizer *turn.Summarizer, controller *bargein.Controller, ice channel.ICEProvider, opts Options, logger *slog.Logger) *MessageRouter {
	if opts.AvatarConnectTimeout <= 0 {
		opts.AvatarConnectTimeout = constants.DefaultAvatarConnectTime
	}
	return &MessageRouter{
		manager:    manager,
		processor:  processor,
		summarizer: summarizer,
		bargein:    controller,
		ice:        ice,
		opts:       opts,
		logger:     logger.WithGroup("router"),
		bindings:   make(map[string]*Binding),
	}
}

// OpenSession creates a session for owner and binds it to sink. The voice
// listener starts immediately when the session has a voice channel.
func (mr *MessageRouter) OpenSession(ctx context.Context, sink message.Sink, owner string, liteMode bool) (websocket.Binding, error) {
	// No else needed: early return pattern (guard clause)
	if sink == nil {
		return nil, ErrNilSink
	}

	mr.mu.RLock()
	closed := mr.closed
	mr.mu.RUnlock()
	if closed {
		return nil, ErrShutdown
	}

	sess, err := mr.manager.Create(ctx, owner, liteMode)
	if err != nil {
		return nil, err
	}

	b := newBinding(mr, sess, sink)

	mr.mu.Lock()
	mr.bindings[sess.ID] = b
	mr.mu.Unlock()

	b.start()
	return b, nil
}

// BindingCount returns the number of sessions bound to live connections.
func (mr *MessageRouter) BindingCount() int {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return len(mr.bindings)
}

func (mr *MessageRouter) unbind(sessionID string) {
	mr.mu.Lock()
	delete(mr.bindings, sessionID)
	mr.mu.Unlock()
}

// Shutdown refuses new sessions and releases every bound session.
func (mr *MessageRouter) Shutdown() {
	mr.mu.Lock()
	mr.closed = true
	bindings := make([]*Binding, 0, len(mr.bindings))
	for _, b := range mr.bindings {
		bindings = append(bindings, b)
	}
	mr.mu.Unlock()

	for _, b := range bindings {
		b.Close()
	}
	mr.logger.Info("Message router shut down", "sessions", len(bindings))
}

// Binding is one session bound to one client connection.
type Binding struct {
	router *MessageRouter
	sess   *session.Session
	sink   message.Sink
	logger *slog.Logger

	// ctx lives as long as the session; turns and avatar handshakes run on it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ended         atomic.Bool
	closing       atomic.Bool
	voiceNotified atomic.Bool

	evicted   chan struct{}
	closeOnce sync.Once
}

func newBinding(mr *MessageRouter, sess *session.Session, sink message.Sink) *Binding {
	ctx, cancel := context.WithCancel(sess.Context())
	return &Binding{
		router:  mr,
		sess:    sess,
		sink:    sink,
		logger:  mr.logger.With("session_id", sess.ID, "owner", sess.Owner),
		ctx:     ctx,
		cancel:  cancel,
		evicted: make(chan struct{}),
	}
}

func (b *Binding) start() {
	b.wg.Add(1)
	util.SafeGo(b.logger, "sessionWatcher", func() {
		defer b.wg.Done()
		<-b.sess.Done()
		if !b.ended.Load() && !b.closing.Load() {
			b.logger.Info("Session closed by manager")
			close(b.evicted)
		}
	})

	// No else needed: a nil voice channel means text-only
	if b.sess.Voice != nil {
		b.wg.Add(1)
		util.SafeGo(b.logger, "voiceListener", func() {
			defer b.wg.Done()
			b.listenVoice()
		})
	}
}

// SessionID returns the bound session's ID.
func (b *Binding) SessionID() string {
	return b.sess.ID
}

// Session returns the bound session.
func (b *Binding) Session() *session.Session {
	return b.sess
}

// Done is closed when the session is evicted or expires while the
// connection is still open.
func (b *Binding) Done() <-chan struct{} {
	return b.evicted
}

// Close releases the session and waits for its goroutines. Safe to call more
// than once.
func (b *Binding) Close() {
	b.closeOnce.Do(func() {
		b.closing.Store(true)
		b.cancel()
		b.router.manager.Cleanup(context.Background(), b.sess.ID)
		b.wg.Wait()
		b.router.unbind(b.sess.ID)
		b.logger.Debug("Session binding closed")
	})
}

// Route handles one client message. Turns, summaries and avatar handshakes
// run on their own goroutines so the read loop never blocks on them.
func (b *Binding) Route(ctx context.Context, msg *message.Inbound) {
	// No else needed: early return pattern (guard clause)
	if b.ended.Load() {
		b.send(ctx, message.NewError(constants.ErrMsgSessionEnded))
		return
	}

	b.sess.Touch()

	switch msg.Type {
	case message.TypeAudio:
		b.handleAudio(ctx, msg.Data)
	case message.TypeText:
		b.handleText(ctx, msg.Content)
	case message.TypeControl:
		b.handleControl(ctx, msg.Action)
	case message.TypeAvatarOffer:
		b.goTracked("avatarOffer", func() { b.handleAvatarOffer(ctx, msg.SDP) })
	case message.TypeAvatarICERequest:
		b.goTracked("avatarICE", func() { b.handleICERequest(ctx) })
	case message.TypeRestoreHistory:
		b.handleRestoreHistory(ctx, msg.Messages)
	default:
		b.logger.Warn("Unhandled message type", "message_type", msg.Type)
	}
}

func (b *Binding) handleAudio(ctx context.Context, data string) {
	if b.sess.Voice == nil {
		if b.voiceNotified.CompareAndSwap(false, true) {
			b.send(ctx, chaterrors.ErrVoiceUnavailable(channel.ErrUnavailable).ToErrorPayload())
		}
		return
	}

	if err := b.sess.Voice.SendAudio(ctx, data); err != nil {
		// One error per failure streak, not one per audio frame.
		if b.voiceNotified.CompareAndSwap(false, true) {
			util.LogError(b.logger, "router", "forward audio", err)
			b.send(ctx, chaterrors.ErrVoiceUnavailable(err).ToErrorPayload())
		}
		return
	}
	b.voiceNotified.Store(false)
}

func (b *Binding) handleText(ctx context.Context, content string) {
	if b.turnInFlight() {
		b.router.bargein.Interrupt(ctx, b.sess, b.sink)
	}
	b.startTurn(content)
}

func (b *Binding) handleControl(ctx context.Context, action message.Action) {
	switch action {
	case message.ActionStartListening:
		// The client may still be playing audio after the turn went idle.
		b.router.bargein.Interrupt(ctx, b.sess, b.sink)
		if err := b.sess.Transition(session.StateListening); err != nil {
			b.logger.Debug("Cannot start listening", "error", err)
		}
		b.sendState(ctx)

	case message.ActionStopListening:
		b.sess.CompareAndTransition(session.StateListening, session.StateIdle)
		b.sendState(ctx)

	case message.ActionStartSession:
		b.sendState(ctx)

	case message.ActionEndSession:
		// No else needed: a second end_session is ignored
		if b.ended.CompareAndSwap(false, true) {
			b.goTracked("endSession", func() { b.endSession(ctx) })
		}

	case message.ActionTTSStop:
		b.router.bargein.Interrupt(ctx, b.sess, b.sink)
	}
}

// endSession streams the summary, then releases the session. The closing
// state goes out on the connection context since the session context is
// gone by then.
func (b *Binding) endSession(ctx context.Context) {
	if err := b.router.summarizer.Summarize(b.ctx, b.sess, b.sink); err != nil {
		b.logger.Warn("Session summary not produced", "error", err)
	}
	b.router.manager.Cleanup(ctx, b.sess.ID)
	b.send(ctx, message.NewState(string(session.StateIdle)))
	b.logger.Info("Session ended by client", "turns", b.sess.TurnCount())
}

func (b *Binding) handleRestoreHistory(ctx context.Context, entries []message.HistoryEntry) {
	// No else needed: early return pattern (guard clause)
	if !b.sess.TryLock() {
		b.send(ctx, chaterrors.ErrTurnInProgress().ToErrorPayload())
		return
	}
	defer b.sess.Unlock()

	history := make([]session.Entry, len(entries))
	for i, e := range entries {
		history[i] = session.Entry{Role: e.Role, Content: e.Content}
	}
	b.sess.ReplaceHistory(history)
	b.logger.Info("History restored", "entries", len(history))
}

func (b *Binding) handleAvatarOffer(ctx context.Context, sdp string) {
	avatar := b.sess.Avatar
	// No else needed: early return pattern (guard clause)
	if avatar == nil {
		b.send(ctx, chaterrors.ErrAvatarUnavailable(channel.ErrUnavailable).ToErrorPayload())
		b.send(ctx, message.NewAvatarState(message.AvatarDisconnected))
		return
	}

	// A renegotiation replaces the previous connection.
	if b.sess.TakeAvatarConnected() {
		b.disconnectAvatar()
	}

	b.sess.BeginAvatarHandshake()
	b.send(ctx, message.NewAvatarState(message.AvatarConnecting))

	connectCtx, cancel := context.WithTimeout(b.ctx, b.router.opts.AvatarConnectTimeout)
	answer, servers, err := avatar.Connect(connectCtx, sdp)
	cancel()

	if err != nil {
		util.LogError(b.logger, "router", "connect avatar", err)
		b.sess.AbortAvatarHandshake()
		b.disconnectAvatar()
		b.send(ctx, chaterrors.ErrAvatarUnavailable(err).ToErrorPayload())
		b.send(ctx, message.NewAvatarState(message.AvatarDisconnected))
		return
	}

	// No else needed: a barge-in during the handshake discards its result
	if !b.sess.CompleteAvatarHandshake() {
		b.logger.Info("Avatar handshake interrupted, discarding connection")
		b.disconnectAvatar()
		b.send(ctx, message.NewAvatarState(message.AvatarDisconnected))
		return
	}
	b.send(ctx, message.NewAvatarAnswer(answer, servers))
	b.sess.AvatarReady.Set()
	b.send(ctx, message.NewAvatarState(message.AvatarIdle))
	b.logger.Info("Avatar connected")
}

func (b *Binding) disconnectAvatar() {
	teardownCtx, cancel := util.NewTimeoutContext(constants.DefaultTeardownTimeout)
	defer cancel()
	if err := b.sess.Avatar.Disconnect(teardownCtx); err != nil {
		util.LogError(b.logger, "router", "disconnect avatar", err)
	}
	b.sess.AvatarReady.Reset()
}

func (b *Binding) handleICERequest(ctx context.Context) {
	// No else needed: early return pattern (guard clause)
	if b.router.ice == nil {
		b.send(ctx, chaterrors.ErrAvatarUnavailable(channel.ErrUnavailable).ToErrorPayload())
		return
	}

	servers, err := b.router.ice.ICEServers(b.ctx)
	if err != nil {
		util.LogError(b.logger, "router", "fetch ICE servers", err)
		b.send(ctx, chaterrors.ErrAvatarUnavailable(err).ToErrorPayload())
		return
	}
	b.send(ctx, message.NewAvatarICE(servers))
}

// turnInFlight reports whether a turn holds the lock or the state still
// belongs to one.
func (b *Binding) turnInFlight() bool {
	if b.sess.TurnActive() {
		return true
	}
	state := b.sess.State()
	return state == session.StateThinking || state == session.StateSpeaking
}

// startTurn runs a turn on its own goroutine. Turns queue on the session's
// turn lock.
func (b *Binding) startTurn(text string) {
	b.wg.Add(1)
	util.SafeGo(b.logger, "turn", func() {
		defer b.wg.Done()
		if err := b.router.processor.Run(b.ctx, b.sess, b.sink, text); err != nil {
			b.logger.Debug("Turn ended with error", "error", err)
		}
	})
}

func (b *Binding) goTracked(component string, fn func()) {
	b.wg.Add(1)
	util.SafeGo(b.logger, component, func() {
		defer b.wg.Done()
		fn()
	})
}

func (b *Binding) sendState(ctx context.Context) {
	b.send(ctx, message.NewState(string(b.sess.State())))
}

func (b *Binding) send(ctx context.Context, msg message.Outbound) {
	if err := b.sink.Send(ctx, msg); err != nil {
		b.logger.Debug("Message not delivered", "message_type", msg.MessageType(), "error", err)
	}
}
