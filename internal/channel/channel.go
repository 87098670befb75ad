// Package channel defines the contracts for the external streaming services a
// session talks to: voice streaming, the LLM agent, speech synthesis and the
// talking avatar. Implementations live in their own packages; this package only
// carries interfaces and the typed events that flow over their streams.
package channel

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable is returned when a channel has exhausted its reconnect
	// attempts and is no longer usable for the session.
	ErrUnavailable = errors.New("channel unavailable")
	// ErrNotConnected is returned when an operation needs an open connection.
	ErrNotConnected = errors.New("channel not connected")
	// ErrClosed is returned by operations on a channel that has been closed.
	ErrClosed = errors.New("channel closed")
)

// VoiceEventKind discriminates VoiceEvent.
type VoiceEventKind int

const (
	VoiceTranscriptDelta VoiceEventKind = iota + 1
	VoiceTranscriptFinal
	VoiceSpeechStarted
	VoiceSynthesisDelta
	VoiceSynthesisDone
	VoiceError
)

func (k VoiceEventKind) String() string {
	switch k {
	case VoiceTranscriptDelta:
		return "transcript_delta"
	case VoiceTranscriptFinal:
		return "transcript_final"
	case VoiceSpeechStarted:
		return "speech_started"
	case VoiceSynthesisDelta:
		return "synthesis_delta"
	case VoiceSynthesisDone:
		return "synthesis_done"
	case VoiceError:
		return "error"
	default:
		return "unknown"
	}
}

// VoiceEvent is one event from the voice-streaming channel.
// Text carries transcripts, Audio carries base64 PCM for synthesis deltas and
// Err is set for VoiceError.
type VoiceEvent struct {
	Kind  VoiceEventKind
	Text  string
	Audio string
	Err   error
}

// Voice is a bidirectional speech-to-text stream.
type Voice interface {
	// SendAudio forwards base64-encoded PCM captured from the client.
	SendAudio(ctx context.Context, base64PCM string) error
	// SendText asks the voice service to speak text on the synthesis path.
	SendText(ctx context.Context, text string) error
	// Events delivers events in arrival order. The channel is closed when the
	// voice channel is closed or becomes unavailable.
	Events() <-chan VoiceEvent
	// EnsureConnected reconnects if the underlying stream dropped. It is
	// idempotent and safe to call concurrently.
	EnsureConnected(ctx context.Context) error
	Close() error
}

// AgentEventKind discriminates AgentEvent.
type AgentEventKind int

const (
	// AgentDelta carries a fragment of response text.
	AgentDelta AgentEventKind = iota + 1
	// AgentToolActivity reports a tool sub-turn in progress. It is progress,
	// never completion.
	AgentToolActivity
	// AgentDone ends the turn. It is the last event on the stream.
	AgentDone
	// AgentError ends the turn with a failure. It is the last event on the stream.
	AgentError
)

func (k AgentEventKind) String() string {
	switch k {
	case AgentDelta:
		return "delta"
	case AgentToolActivity:
		return "tool_activity"
	case AgentDone:
		return "done"
	case AgentError:
		return "error"
	default:
		return "unknown"
	}
}

// AgentEvent is one event from an agent turn.
type AgentEvent struct {
	Kind AgentEventKind
	Text string
	Tool string
	Err  error
}

// Agent is a conversational LLM endpoint that keeps its own context.
type Agent interface {
	// Send starts a turn. The returned channel is closed after the terminal
	// AgentDone or AgentError event. Cancelling ctx aborts the turn.
	Send(ctx context.Context, text string) (<-chan AgentEvent, error)
	Close() error
}

// AudioChunk is a piece of synthesized audio, base64-encoded PCM.
type AudioChunk struct {
	Data string
	Err  error
}

// Synthesizer turns text into a stream of audio chunks. The consumer may stop
// reading at any time by cancelling ctx.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan AudioChunk, error)
}

// ICEServer describes a TURN/STUN relay for the avatar WebRTC session.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

// Avatar is a talking-avatar renderer reached over WebRTC.
type Avatar interface {
	// Connect performs the WebRTC handshake for the client's SDP offer.
	Connect(ctx context.Context, offerSDP string) (answerSDP string, iceServers []ICEServer, err error)
	// Speak blocks until text has been spoken or ctx is cancelled.
	Speak(ctx context.Context, text string) error
	Stop(ctx context.Context) error
	// Disconnect tears the connection down. It must tolerate a connection that
	// never completed its handshake and may be called more than once.
	Disconnect(ctx context.Context) error
	IsConnected() bool
}

// ICEProvider supplies relay credentials for the avatar handshake.
type ICEProvider interface {
	ICEServers(ctx context.Context) ([]ICEServer, error)
}

// Factory opens the per-session channels.
type Factory interface {
	NewVoice(ctx context.Context, owner string) (Voice, error)
	NewAgent(ctx context.Context, owner string) (Agent, error)
	// NewAvatar returns nil when no avatar is configured.
	NewAvatar(owner string) Avatar
}
