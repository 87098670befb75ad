package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/real-rm/voicebox/internal/config"
	"github.com/real-rm/voicebox/internal/util"
)

// Property: every failure logged through util.LogError carries the
// component, the operation and the error text as structured fields
func TestProperty_ErrorLoggingCompleteness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("errors are logged with complete context", prop.ForAll(
		func(component, operation, errText string) bool {
			var buf bytes.Buffer
			logger := New(&buf, config.LogConfig{Level: "debug", Format: "json"})
			util.LogError(logger, component, operation, errorString(errText))

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				return false
			}
			return entry["level"] == "ERROR" &&
				entry["msg"] == "Failed to "+operation &&
				entry["component"] == component &&
				entry["error"] == errText
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// Property: a record is written iff its level is at or above the configured level
func TestProperty_LevelFiltering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	names := []string{"debug", "info", "warn", "error"}
	levels := []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError}

	properties.Property("records below the threshold are dropped", prop.ForAll(
		func(configured, emitted int, format string) bool {
			var buf bytes.Buffer
			logger := New(&buf, config.LogConfig{Level: names[configured], Format: format})
			logger.Log(t.Context(), levels[emitted], "event")

			written := buf.Len() > 0
			return written == (levels[emitted] >= levels[configured])
		},
		gen.IntRange(0, 3),
		gen.IntRange(0, 3),
		gen.OneConstOf("text", "json"),
	))

	properties.TestingRun(t)
}

type errorString string

func (e errorString) Error() string { return string(e) }
