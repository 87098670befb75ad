// Package bargein interrupts an in-flight turn when the user starts talking
// over the assistant.
package bargein

import (
	"context"
	"log/slog"
	"time"

	"github.com/real-rm/voicebox/internal/constants"
	"github.com/real-rm/voicebox/internal/message"
	"github.com/real-rm/voicebox/internal/metrics"
	"github.com/real-rm/voicebox/internal/session"
	"github.com/real-rm/voicebox/internal/util"
)

// Controller cancels playback and tears down the avatar connection.
type Controller struct {
	logger          *slog.Logger
	teardownTimeout time.Duration
}

// New creates a barge-in controller.
func New(logger *slog.Logger) *Controller {
	return &Controller{
		logger:          logger.WithGroup("bargein"),
		teardownTimeout: constants.DefaultTeardownTimeout,
	}
}

// Interrupt fires the session's Cancel signal and tells the client to stop
// playback. A connected avatar is stopped and disconnected; concurrent
// callers share a single disconnect per avatar connection. A handshake still
// in progress is aborted, and the offer handler tears down its result.
//
// Interrupt never fails. Delivery and teardown errors are logged.
func (c *Controller) Interrupt(ctx context.Context, sess *session.Session, sink message.Sink) {
	sess.Cancel.Set()
	metrics.BargeIns.Inc()

	logger := c.logger.With("session_id", sess.ID)
	logger.Debug("Barge-in", "state", sess.State())

	if err := sink.Send(ctx, message.NewTTSStop()); err != nil {
		logger.Debug("tts_stop not delivered", "error", err)
	}

	if sess.Avatar == nil {
		return
	}
	if !sess.TakeAvatarConnected() {
		if sess.AbortAvatarHandshake() {
			logger.Debug("Avatar handshake aborted")
		}
		return
	}

	// Teardown outlives the triggering request so a departing client cannot
	// leave the avatar half-stopped.
	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.teardownTimeout)
	defer cancel()

	if err := sess.Avatar.Stop(teardownCtx); err != nil {
		util.LogError(logger, "bargein", "stop avatar", err)
	}
	if err := sess.Avatar.Disconnect(teardownCtx); err != nil {
		util.LogError(logger, "bargein", "disconnect avatar", err)
	}
	sess.AvatarReady.Reset()

	if err := sink.Send(ctx, message.NewAvatarState(message.AvatarDisconnected)); err != nil {
		logger.Debug("avatar_state not delivered", "error", err)
	}
}
