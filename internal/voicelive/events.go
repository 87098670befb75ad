package voicelive

import (
	"fmt"

	"github.com/real-rm/voicebox/internal/channel"
)

// Server event types relayed to the session. Everything else is ignored.
const (
	EventTranscriptionDelta     = "conversation.item.input_audio_transcription.delta"
	EventTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventSpeechStarted          = "input_audio_buffer.speech_started"
	EventAudioDelta             = "response.audio.delta"
	EventAudioDone              = "response.audio.done"
	EventError                  = "error"
)

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta"`
	Transcript string       `json:"transcript"`
	Error      *serverError `json:"error"`
}

func (e serverEvent) toVoiceEvent() (channel.VoiceEvent, bool) {
	switch e.Type {
	case EventTranscriptionDelta:
		return channel.VoiceEvent{Kind: channel.VoiceTranscriptDelta, Text: e.Delta}, true
	case EventTranscriptionCompleted:
		return channel.VoiceEvent{Kind: channel.VoiceTranscriptFinal, Text: e.Transcript}, true
	case EventSpeechStarted:
		return channel.VoiceEvent{Kind: channel.VoiceSpeechStarted}, true
	case EventAudioDelta:
		return channel.VoiceEvent{Kind: channel.VoiceSynthesisDelta, Audio: e.Delta}, true
	case EventAudioDone:
		return channel.VoiceEvent{Kind: channel.VoiceSynthesisDone}, true
	case EventError:
		msg := "unknown error"
		if e.Error != nil {
			msg = e.Error.Message
			if e.Error.Code != "" {
				msg = e.Error.Code + ": " + msg
			}
		}
		return channel.VoiceEvent{Kind: channel.VoiceError, Err: fmt.Errorf("%w: %s", ErrServer, msg)}, true
	default:
		return channel.VoiceEvent{}, false
	}
}

// sessionUpdate configures semantic VAD, transcription, noise suppression
// and echo cancellation. Responses are created explicitly, never by VAD.
func sessionUpdate() map[string]any {
	return map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":                []string{"audio", "text"},
			"input_audio_transcription": map[string]any{"model": "azure-speech"},
			"turn_detection": map[string]any{
				"type":                "azure_semantic_vad",
				"create_response":     false,
				"silence_duration_ms": 500,
				"remove_filler_words": true,
			},
			"input_audio_noise_reduction":   map[string]any{"type": "azure_deep_noise_suppression"},
			"input_audio_echo_cancellation": map[string]any{"type": "server_echo_cancellation"},
		},
	}
}
