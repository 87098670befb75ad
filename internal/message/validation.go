package message

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/real-rm/voicebox/internal/constants"
)

// Validation constants
const (
	MaxContentLength  = 10000   // Maximum text content length in characters
	MaxAudioLength    = 1 << 20 // Maximum base64 audio payload per frame
	MaxSDPLength      = 65536   // Maximum SDP offer length
	MaxHistoryEntries = constants.MaxRestoredMessages
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Validate validates an inbound message according to its type
func (m *Inbound) Validate() error {
	if m.Type == "" {
		return &ValidationError{Field: "type", Message: "type is required"}
	}

	switch m.Type {
	case TypeAudio:
		if m.Data == "" {
			return &ValidationError{Field: "data", Message: "data is required for audio"}
		}
		if len(m.Data) > MaxAudioLength {
			return &ValidationError{Field: "data", Message: fmt.Sprintf("data exceeds maximum length of %d", MaxAudioLength)}
		}
		if _, err := base64.StdEncoding.DecodeString(m.Data); err != nil {
			return &ValidationError{Field: "data", Message: "data must be base64"}
		}

	case TypeControl:
		if !isValidAction(m.Action) {
			return &ValidationError{Field: "action", Message: fmt.Sprintf("invalid action: %s", m.Action)}
		}

	case TypeText:
		if strings.TrimSpace(m.Content) == "" {
			return &ValidationError{Field: "content", Message: "content is required for text"}
		}
		if len(m.Content) > MaxContentLength {
			return &ValidationError{
				Field:   "content",
				Message: fmt.Sprintf("content exceeds maximum length of %d characters", MaxContentLength),
			}
		}

	case TypeAvatarOffer:
		if m.SDP == "" {
			return &ValidationError{Field: "sdp", Message: "sdp is required for avatar_offer"}
		}
		if len(m.SDP) > MaxSDPLength {
			return &ValidationError{Field: "sdp", Message: fmt.Sprintf("sdp exceeds maximum length of %d", MaxSDPLength)}
		}

	case TypeAvatarICERequest:
		// No payload

	case TypeRestoreHistory:
		if len(m.Messages) > MaxHistoryEntries {
			return &ValidationError{
				Field:   "messages",
				Message: fmt.Sprintf("messages exceeds maximum of %d entries", MaxHistoryEntries),
			}
		}
		for i, entry := range m.Messages {
			if entry.Role != constants.RoleUser && entry.Role != constants.RoleAssistant {
				return &ValidationError{
					Field:   fmt.Sprintf("messages[%d].role", i),
					Message: fmt.Sprintf("invalid role: %s", entry.Role),
				}
			}
			if len(entry.Content) > MaxContentLength {
				return &ValidationError{
					Field:   fmt.Sprintf("messages[%d].content", i),
					Message: fmt.Sprintf("content exceeds maximum length of %d characters", MaxContentLength),
				}
			}
		}

	default:
		return &ValidationError{Field: "type", Message: fmt.Sprintf("invalid message type: %s", m.Type)}
	}

	return nil
}

func isValidAction(a Action) bool {
	switch a {
	case ActionStartListening, ActionStopListening, ActionStartSession, ActionEndSession, ActionTTSStop:
		return true
	default:
		return false
	}
}
