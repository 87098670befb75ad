package errors

import (
	stderrors "errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: Client messages never carry the cause
//
// For any cause text, the message a client sees is the fixed ChatError
// message and never contains the cause.
func TestProperty_ClientMessageHidesCause(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	constructors := []func(error) *ChatError{
		ErrAgentUnavailable,
		ErrVoiceUnavailable,
		ErrAvatarUnavailable,
		ErrTurnTimeout,
		ErrInvalidMessageFormat,
		NewInternalError,
	}

	properties.Property("payload message equals the fixed message", prop.ForAll(
		func(idx int, causeText string) bool {
			err := constructors[idx](stderrors.New("cause:" + causeText))
			payload := err.ToErrorPayload()
			return payload.Message == err.Message &&
				ClientMessage(err) == err.Message &&
				payload.Message != "cause:"+causeText
		},
		gen.IntRange(0, len(constructors)-1),
		gen.AlphaString(),
	))

	properties.Property("plain errors map to the generic message", prop.ForAll(
		func(text string) bool {
			return ClientMessage(stderrors.New(text)) == NewInternalError(nil).Message
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
