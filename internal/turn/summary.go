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
	"github.com/real-rm/voicebox/internal/message"
	"github.com/real-rm/voicebox/internal/session"
	"github.com/real-rm/voicebox/internal/util"
)

// ErrSummaryFailed is returned when the agent could not produce a summary
var ErrSummaryFailed = errors.New("summary generation failed")

const summaryInstructions = `You are now generating a session summary document. Below is the full transcript of the conversation you just had. Produce a structured Markdown document that both parties can take away as documentation.

Rules:
1. Extract and synthesize. Do not copy the conversation verbatim.
2. Be concise and actionable.
3. Preserve any diagrams or code blocks exactly as they appeared.
4. If a section has no relevant content, write "Not discussed in this session." rather than inventing content.

Use these headings:

# Session Summary
## 1. Executive Summary
## 2. Context and Goals
## 3. Key Points Discussed
## 4. Decisions
## 5. Open Questions and Risks
## 6. Next Steps

FULL SESSION TRANSCRIPT:

`

// BuildSummaryPrompt renders the history as a transcript under the summary
// instructions.
func BuildSummaryPrompt(history []session.Entry) string {
	lines := make([]string, 0, len(history))
	for _, e := range history {
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(e.Role), e.Content))
	}
	return summaryInstructions + strings.Join(lines, "\n\n")
}

// Summarizer streams an end-of-session summary through the session's agent.
type Summarizer struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewSummarizer creates a summarizer whose agent stream stalls out after
// timeout without progress.
func NewSummarizer(timeout time.Duration, logger *slog.Logger) *Summarizer {
	if timeout <= 0 {
		timeout = constants.DefaultAgentTurnTimeout
	}
	return &Summarizer{timeout: timeout, logger: logger.WithGroup("summary")}
}

// Summarize streams session_summary_chunk deltas followed by one final chunk
// holding the full text. An empty history produces nothing. It waits for any
// running turn to finish first.
func (s *Summarizer) Summarize(ctx context.Context, sess *session.Session, sink message.Sink) error {
	if len(sess.History()) == 0 {
		return nil
	}

	if err := sess.Lock(ctx); err != nil {
		return err
	}
	defer sess.Unlock()

	logger := s.logger.With("session_id", sess.ID)
	history := sess.History()

	text, err := s.stream(ctx, sess, sink, BuildSummaryPrompt(history))
	if err != nil {
		util.LogError(logger, "summary", "generate session summary", err, "entries", len(history))
		if sendErr := sink.Send(ctx, message.NewError(constants.ErrMsgSummaryFailed)); sendErr != nil {
			logger.Debug("Summary error not delivered", "error", sendErr)
		}
		return err
	}

	if err := sink.Send(ctx, message.NewSummaryChunk(text, true)); err != nil {
		return err
	}
	logger.Info("Session summary sent", "entries", len(history), "length", len(text))
	return nil
}

func (s *Summarizer) stream(ctx context.Context, sess *session.Session, sink message.Sink, prompt string) (string, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := sess.Agent.Send(streamCtx, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSummaryFailed, err)
	}

	var full strings.Builder
	progress := time.NewTimer(s.timeout)
	defer progress.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return "", fmt.Errorf("%w: %w", ErrSummaryFailed, ErrStreamEnded)
			}
			resetTimer(progress, s.timeout)

			switch ev.Kind {
			case channel.AgentDelta:
				if ev.Text == "" {
					continue
				}
				full.WriteString(ev.Text)
				if err := sink.Send(ctx, message.NewSummaryChunk(ev.Text, false)); err != nil {
					return "", err
				}
			case channel.AgentDone:
				return full.String(), nil
			case channel.AgentError:
				return "", fmt.Errorf("%w: %w", ErrSummaryFailed, ev.Err)
			}

		case <-progress.C:
			return "", fmt.Errorf("%w: %w", ErrSummaryFailed, ErrStalled)

		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
