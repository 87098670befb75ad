// Package turn runs conversational turns: one user utterance in, one streamed
// agent response out, optionally spoken through the avatar or synthesizer.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/real-rm/voicebox/internal/channel"
	"github.com/real-rm/voicebox/internal/constants"
	chaterrors "github.com/real-rm/voicebox/internal/errors"
	"github.com/real-rm/voicebox/internal/message"
	"github.com/real-rm/voicebox/internal/metrics"
	"github.com/real-rm/voicebox/internal/session"
	"github.com/real-rm/voicebox/internal/util"
)

var (
	// ErrCancelled is returned when a barge-in interrupts the turn
	ErrCancelled = errors.New("turn cancelled")
	// ErrStalled is returned when the agent makes no progress within the turn timeout
	ErrStalled = errors.New("agent made no progress")
	// ErrStreamEnded is returned when the agent stream closes without a terminal event
	ErrStreamEnded = errors.New("agent stream ended without completion")
)

// Options configures a Processor. Zero values fall back to the defaults in
// the constants package.
type Options struct {
	TurnTimeout        time.Duration
	AvatarReadyTimeout time.Duration
}

// Processor executes turns against a session's channels.
type Processor struct {
	synth  channel.Synthesizer
	opts   Options
	logger *slog.Logger
}

// NewProcessor creates a turn processor. synth may be nil, in which case
// spoken output goes through the session's voice channel when there is one.
func NewProcessor(synth channel.Synthesizer, opts Options, logger *slog.Logger) *Processor {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = constants.DefaultAgentTurnTimeout
	}
	if opts.AvatarReadyTimeout <= 0 {
		opts.AvatarReadyTimeout = constants.DefaultAvatarReadyTimeout
	}
	return &Processor{
		synth:  synth,
		opts:   opts,
		logger: logger.WithGroup("turn"),
	}
}

// Run executes one turn for userText. It blocks until the turn lock is free,
// so callers start it on its own goroutine. ctx bounds the whole turn,
// including the wait for the lock.
func (p *Processor) Run(ctx context.Context, sess *session.Session, sink message.Sink, userText string) error {
	if err := sess.Lock(ctx); err != nil {
		return err
	}
	defer sess.Unlock()

	ctx = util.NewContextWithTraceID(ctx)
	logger := p.logger.With("session_id", sess.ID, "trace_id", util.TraceIDFromContext(ctx))
	start := time.Now()
	outcome := metrics.OutcomeFailed

	// A barge-in aimed at an earlier turn must not cancel this one.
	sess.Cancel.Reset()

	if err := sess.BeginTurn(userText); err != nil {
		util.LogError(logger, "turn", "begin turn", err, "state", sess.State())
		return err
	}

	defer func() {
		if sess.FinishTurn() {
			p.send(ctx, sink, message.NewState(string(session.StateIdle)), logger)
		}
		metrics.TurnsTotal.WithLabelValues(outcome).Inc()
		metrics.TurnDuration.Observe(time.Since(start).Seconds())
		logger.Info("Turn finished", "outcome", outcome, "elapsed", time.Since(start))
	}()

	p.send(ctx, sink, message.NewState(string(session.StateThinking)), logger)

	text, err := p.streamAgent(ctx, sess, sink, userText, logger)

	// The final text goes out even when empty or partial.
	p.send(ctx, sink, message.NewAgentText(text, true), logger)
	if text != "" || err == nil {
		sess.AppendHistory(session.RoleAssistant, text)
	}

	if err != nil {
		outcome = p.fail(ctx, sink, err, logger)
		return err
	}

	if !sess.LiteMode && text != "" {
		if err := p.speak(ctx, sess, sink, text, logger); err != nil {
			outcome = p.fail(ctx, sink, err, logger)
			return err
		}
	}

	outcome = metrics.OutcomeCompleted
	if sess.Cancel.IsSet() {
		outcome = metrics.OutcomeCancelled
	}
	return nil
}

// streamAgent forwards agent deltas to the client and returns the
// accumulated text. Any event resets the progress timer; only Done ends the
// stream successfully.
func (p *Processor) streamAgent(ctx context.Context, sess *session.Session, sink message.Sink, userText string, logger *slog.Logger) (string, error) {
	agentCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := sess.Agent.Send(agentCtx, userText)
	if err != nil {
		return "", chaterrors.NewInternalError(err)
	}

	var full strings.Builder
	progress := time.NewTimer(p.opts.TurnTimeout)
	defer progress.Stop()

	cancelled := sess.Cancel.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return full.String(), chaterrors.NewInternalError(ErrStreamEnded)
			}
			resetTimer(progress, p.opts.TurnTimeout)

			switch ev.Kind {
			case channel.AgentDelta:
				if ev.Text == "" {
					continue
				}
				full.WriteString(ev.Text)
				p.send(ctx, sink, message.NewAgentText(ev.Text, false), logger)
			case channel.AgentToolActivity:
				logger.Debug("Agent tool activity", "tool", ev.Tool)
			case channel.AgentDone:
				return full.String(), nil
			case channel.AgentError:
				return full.String(), chaterrors.NewInternalError(ev.Err)
			}

		case <-progress.C:
			return full.String(), chaterrors.ErrTurnTimeout(
				fmt.Errorf("%w within %s", ErrStalled, p.opts.TurnTimeout))

		case <-cancelled:
			return full.String(), ErrCancelled

		case <-ctx.Done():
			return full.String(), ctx.Err()
		}
	}
}

// speak plays text through the avatar when it becomes ready in time, and
// through audio otherwise. A barge-in stops playback without an error.
func (p *Processor) speak(ctx context.Context, sess *session.Session, sink message.Sink, text string, logger *slog.Logger) error {
	useAvatar := sess.Avatar != nil && sess.AvatarActive()
	if !useAvatar && p.synth == nil && sess.Voice == nil {
		return nil
	}
	if !sess.CompareAndTransition(session.StateThinking, session.StateSpeaking) {
		// The user re-engaged while the agent was answering.
		return nil
	}
	p.send(ctx, sink, message.NewState(string(session.StateSpeaking)), logger)

	// Playback stops as soon as Cancel fires.
	speakCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	util.SafeGo(logger, "turn-cancel-watch", func() {
		select {
		case <-sess.Cancel.Done():
			cancel()
		case <-speakCtx.Done():
		}
	})

	if useAvatar && p.waitAvatar(speakCtx, sess) {
		return p.speakAvatar(speakCtx, sess, sink, text, logger)
	}
	if sess.Cancel.IsSet() {
		return nil
	}
	return p.speakAudio(speakCtx, sess, sink, text, logger)
}

// waitAvatar reports whether the avatar handshake completed within the
// ready timeout.
func (p *Processor) waitAvatar(ctx context.Context, sess *session.Session) bool {
	waitCtx, cancel := context.WithTimeout(ctx, p.opts.AvatarReadyTimeout)
	defer cancel()
	return sess.AvatarReady.Wait(waitCtx) == nil
}

func (p *Processor) speakAvatar(ctx context.Context, sess *session.Session, sink message.Sink, text string, logger *slog.Logger) error {
	p.send(ctx, sink, message.NewAvatarState(message.AvatarSpeaking), logger)

	err := sess.Avatar.Speak(ctx, text)
	if sess.Cancel.IsSet() {
		// Barge-in already reported the avatar as disconnected.
		return nil
	}
	p.send(ctx, sink, message.NewAvatarState(message.AvatarIdle), logger)
	if err != nil {
		return chaterrors.ErrAvatarUnavailable(err)
	}
	return nil
}

func (p *Processor) speakAudio(ctx context.Context, sess *session.Session, sink message.Sink, text string, logger *slog.Logger) error {
	if p.synth == nil {
		if sess.Voice == nil {
			return nil
		}
		return p.speakVoice(ctx, sess, text, logger)
	}

	chunks, err := p.synth.Synthesize(ctx, text)
	if err != nil {
		return chaterrors.NewInternalError(err)
	}

	sent := 0
	for chunk := range chunks {
		if chunk.Err != nil {
			return chaterrors.NewInternalError(chunk.Err)
		}
		var sendErr error
		// A barge-in aborts a blocked send and waits for it, so no chunk can
		// follow its tts_stop.
		delivered := sess.Cancel.RunUnlessSet(ctx, func(ctx context.Context) {
			sendErr = sink.Send(ctx, message.NewTTSAudio(chunk.Data))
		})
		if !delivered {
			logger.Debug("Playback cancelled", "chunks_sent", sent)
			return nil
		}
		if sendErr != nil {
			return nil
		}
		sent++
	}
	return nil
}

// speakVoice asks the voice channel to synthesize text. The listener relays
// the audio and fires SynthesisDone; the turn stays in SPEAKING until then,
// until a barge-in, or until the turn timeout.
func (p *Processor) speakVoice(ctx context.Context, sess *session.Session, text string, logger *slog.Logger) error {
	sess.SynthesisDone.Reset()
	if err := sess.Voice.SendText(ctx, text); err != nil {
		util.LogError(logger, "turn", "request voice synthesis", err)
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.opts.TurnTimeout)
	defer cancel()
	if err := sess.SynthesisDone.Wait(waitCtx); err != nil && ctx.Err() == nil {
		logger.Warn("Voice synthesis did not complete", "timeout", p.opts.TurnTimeout)
	}
	return nil
}

// fail reports err to the client and returns the turn outcome for metrics.
func (p *Processor) fail(ctx context.Context, sink message.Sink, err error, logger *slog.Logger) string {
	switch {
	case errors.Is(err, ErrCancelled):
		logger.Debug("Turn cancelled by barge-in")
		return metrics.OutcomeCancelled
	case errors.Is(err, context.Canceled):
		logger.Debug("Turn aborted", "error", err)
		return metrics.OutcomeCancelled
	}

	util.LogError(logger, "turn", "complete turn", err)
	p.send(ctx, sink, message.NewError(chaterrors.ClientMessage(err)), logger)

	if chatErr, ok := chaterrors.As(err); ok && chatErr.Category == chaterrors.CategoryTimeout {
		return metrics.OutcomeTimeout
	}
	return metrics.OutcomeFailed
}

// send delivers msg and logs a failure. A departed client ends delivery but
// never the turn bookkeeping.
func (p *Processor) send(ctx context.Context, sink message.Sink, msg message.Outbound, logger *slog.Logger) {
	if err := sink.Send(ctx, msg); err != nil {
		logger.Debug("Message not delivered", "type", msg.MessageType(), "error", err)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
