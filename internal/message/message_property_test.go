package message

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: Finality flag is always on the wire
//
// For any text and finality, an encoded agent_text carries both the text and
// an explicit is_final field, including is_final=false and empty text.
func TestProperty_AgentTextAlwaysCarriesFinality(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("agent_text encodes text and is_final", prop.ForAll(
		func(text string, final bool) bool {
			data, err := Marshal(NewAgentText(text, final))
			if err != nil {
				return false
			}
			var decoded map[string]any
			if err := json.Unmarshal(data, &decoded); err != nil {
				return false
			}
			gotFinal, ok := decoded["is_final"].(bool)
			if !ok || gotFinal != final {
				return false
			}
			gotText, ok := decoded["text"].(string)
			return ok && gotText == text && decoded["type"] == "agent_text"
		},
		gen.AnyString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property: Any base64 audio frame within limits parses
func TestProperty_AudioFramesParse(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("non-empty base64 payloads are accepted", prop.ForAll(
		func(payload []byte) bool {
			encoded := base64.StdEncoding.EncodeToString(payload)
			raw, _ := json.Marshal(map[string]string{"type": "audio", "data": encoded})
			msg, err := Parse(raw)
			return err == nil && msg.Data == encoded
		},
		gen.SliceOfN(64, gen.UInt8()),
	))

	properties.TestingRun(t)
}

// Property: Unknown message types are rejected
func TestProperty_UnknownTypesRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	known := map[MessageType]bool{
		TypeAudio: true, TypeControl: true, TypeText: true,
		TypeAvatarOffer: true, TypeAvatarICERequest: true, TypeRestoreHistory: true,
	}

	properties.Property("types outside the inbound set fail validation", prop.ForAll(
		func(typ string) bool {
			if known[MessageType(typ)] {
				return true
			}
			msg := &Inbound{Type: MessageType(typ)}
			return msg.Validate() != nil
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
