// Package message defines the JSON wire protocol spoken over the session
// WebSocket. Every frame is an object whose "type" field discriminates it.
package message

import (
	"context"
	"encoding/json"

	"github.com/real-rm/voicebox/internal/channel"
	"github.com/real-rm/voicebox/internal/util"
)

// MessageType represents the type of WebSocket message
type MessageType string

// Inbound message types (client to server)
const (
	TypeAudio            MessageType = "audio"
	TypeControl          MessageType = "control"
	TypeText             MessageType = "text"
	TypeAvatarOffer      MessageType = "avatar_offer"
	TypeAvatarICERequest MessageType = "avatar_ice_request"
	TypeRestoreHistory   MessageType = "restore_history"
)

// Outbound message types (server to client)
const (
	TypeTranscript          MessageType = "transcript"
	TypeAgentText           MessageType = "agent_text"
	TypeTTSAudio            MessageType = "tts_audio"
	TypeTTSStop             MessageType = "tts_stop"
	TypeAvatarAnswer        MessageType = "avatar_answer"
	TypeAvatarICE           MessageType = "avatar_ice"
	TypeAvatarState         MessageType = "avatar_state"
	TypeState               MessageType = "state"
	TypeError               MessageType = "error"
	TypeSessionSummaryChunk MessageType = "session_summary_chunk"
	TypeSessionCreated      MessageType = "session_created"
)

// Action is a control message verb.
type Action string

const (
	ActionStartListening Action = "start_listening"
	ActionStopListening  Action = "stop_listening"
	ActionStartSession   Action = "start_session"
	ActionEndSession     Action = "end_session"
	ActionTTSStop        Action = "tts_stop"
)

// AvatarState is reported to the client in avatar_state messages.
type AvatarState string

const (
	AvatarIdle         AvatarState = "idle"
	AvatarConnecting   AvatarState = "connecting"
	AvatarSpeaking     AvatarState = "speaking"
	AvatarDisconnected AvatarState = "disconnected"
)

// HistoryEntry is one (role, content) pair exchanged in restore_history.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Inbound is the union of all client messages. Only the fields relevant to
// Type are populated.
type Inbound struct {
	Type     MessageType    `json:"type"`
	Data     string         `json:"data,omitempty"`
	Action   Action         `json:"action,omitempty"`
	Content  string         `json:"content,omitempty"`
	SDP      string         `json:"sdp,omitempty"`
	Messages []HistoryEntry `json:"messages,omitempty"`
}

// Parse decodes and validates a raw client frame.
func Parse(raw []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &ValidationError{Field: "body", Message: "malformed JSON"}
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Outbound is implemented by every server-to-client message.
type Outbound interface {
	MessageType() MessageType
}

// Sink delivers outbound messages to one client in call order. Send blocks
// while the client's buffer is full and fails once the client is gone.
type Sink interface {
	Send(ctx context.Context, msg Outbound) error
}

// Marshal encodes an outbound message for the wire.
func Marshal(msg Outbound) ([]byte, error) {
	return util.MarshalJSON(msg)
}

type Transcript struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"is_final"`
}

func (m *Transcript) MessageType() MessageType { return m.Type }

type AgentText struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"is_final"`
}

func (m *AgentText) MessageType() MessageType { return m.Type }

type TTSAudio struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

func (m *TTSAudio) MessageType() MessageType { return m.Type }

type TTSStop struct {
	Type MessageType `json:"type"`
}

func (m *TTSStop) MessageType() MessageType { return m.Type }

type AvatarAnswer struct {
	Type       MessageType         `json:"type"`
	SDP        string              `json:"sdp"`
	ICEServers []channel.ICEServer `json:"ice_servers"`
}

func (m *AvatarAnswer) MessageType() MessageType { return m.Type }

type AvatarICE struct {
	Type       MessageType         `json:"type"`
	ICEServers []channel.ICEServer `json:"ice_servers"`
}

func (m *AvatarICE) MessageType() MessageType { return m.Type }

type AvatarStateMessage struct {
	Type  MessageType `json:"type"`
	State AvatarState `json:"state"`
}

func (m *AvatarStateMessage) MessageType() MessageType { return m.Type }

type StateMessage struct {
	Type  MessageType `json:"type"`
	State string      `json:"state"`
}

func (m *StateMessage) MessageType() MessageType { return m.Type }

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func (m *ErrorMessage) MessageType() MessageType { return m.Type }

type SummaryChunk struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"is_final"`
}

func (m *SummaryChunk) MessageType() MessageType { return m.Type }

type SessionCreated struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	LiteMode  bool        `json:"lite_mode"`
}

func (m *SessionCreated) MessageType() MessageType { return m.Type }

// Constructors

func NewTranscript(text string, final bool) *Transcript {
	return &Transcript{Type: TypeTranscript, Text: text, IsFinal: final}
}

func NewAgentText(text string, final bool) *AgentText {
	return &AgentText{Type: TypeAgentText, Text: text, IsFinal: final}
}

func NewTTSAudio(data string) *TTSAudio {
	return &TTSAudio{Type: TypeTTSAudio, Data: data}
}

func NewTTSStop() *TTSStop {
	return &TTSStop{Type: TypeTTSStop}
}

func NewAvatarAnswer(sdp string, servers []channel.ICEServer) *AvatarAnswer {
	if servers == nil {
		servers = []channel.ICEServer{}
	}
	return &AvatarAnswer{Type: TypeAvatarAnswer, SDP: sdp, ICEServers: servers}
}

func NewAvatarICE(servers []channel.ICEServer) *AvatarICE {
	if servers == nil {
		servers = []channel.ICEServer{}
	}
	return &AvatarICE{Type: TypeAvatarICE, ICEServers: servers}
}

func NewAvatarState(state AvatarState) *AvatarStateMessage {
	return &AvatarStateMessage{Type: TypeAvatarState, State: state}
}

func NewState(state string) *StateMessage {
	return &StateMessage{Type: TypeState, State: state}
}

func NewError(msg string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Message: msg}
}

func NewSummaryChunk(text string, final bool) *SummaryChunk {
	return &SummaryChunk{Type: TypeSessionSummaryChunk, Text: text, IsFinal: final}
}

func NewSessionCreated(sessionID string, lite bool) *SessionCreated {
	return &SessionCreated{Type: TypeSessionCreated, SessionID: sessionID, LiteMode: lite}
}
