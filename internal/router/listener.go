package router

import (
	"context"
	"strings"

	"github.com/real-rm/voicebox/internal/channel"
	chaterrors "github.com/real-rm/voicebox/internal/errors"
	"github.com/real-rm/voicebox/internal/message"
	"github.com/real-rm/voicebox/internal/session"
)

// listenVoice relays voice channel events for the life of the session.
func (b *Binding) listenVoice() {
	events := b.sess.Voice.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				b.voiceClosed()
				return
			}
			b.handleVoiceEvent(ev)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Binding) handleVoiceEvent(ev channel.VoiceEvent) {
	ctx := b.ctx

	switch ev.Kind {
	case channel.VoiceTranscriptDelta:
		b.send(ctx, message.NewTranscript(ev.Text, false))

	case channel.VoiceTranscriptFinal:
		b.send(ctx, message.NewTranscript(ev.Text, true))
		// No else needed: silence produces an empty final transcript
		if strings.TrimSpace(ev.Text) != "" {
			b.startTurn(ev.Text)
		}

	case channel.VoiceSpeechStarted:
		// Playback on the client can outlast the turn, so the flush is sent
		// whatever the state.
		b.router.bargein.Interrupt(ctx, b.sess, b.sink)
		if b.sess.CompareAndTransition(session.StateSpeaking, session.StateListening) {
			b.send(ctx, message.NewState(string(session.StateListening)))
		}

	case channel.VoiceSynthesisDelta:
		b.sess.Cancel.RunUnlessSet(ctx, func(ctx context.Context) {
			b.send(ctx, message.NewTTSAudio(ev.Audio))
		})

	case channel.VoiceSynthesisDone:
		b.logger.Debug("Voice synthesis done")
		b.sess.SynthesisDone.Set()

	case channel.VoiceError:
		b.logger.Warn("Voice channel error", "error", ev.Err)
		b.send(ctx, chaterrors.ErrVoiceUnavailable(ev.Err).ToErrorPayload())
	}
}

// voiceClosed reports a voice channel that went away while the session is
// still live.
func (b *Binding) voiceClosed() {
	// No else needed: a closing session closes its voice channel
	if b.ctx.Err() != nil {
		return
	}
	b.logger.Warn("Voice channel closed, continuing text-only")
	// A turn waiting on voice synthesis must not wait for a closed channel.
	b.sess.SynthesisDone.Set()
	if b.voiceNotified.CompareAndSwap(false, true) {
		b.send(b.ctx, chaterrors.ErrVoiceUnavailable(channel.ErrUnavailable).ToErrorPayload())
	}
}
