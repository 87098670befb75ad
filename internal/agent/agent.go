// Package agent runs conversational turns against the Anthropic Messages API.
// Each Agent keeps its own conversation and resolves tool calls through a
// ToolSet between streaming rounds.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/real-rm/voicebox/internal/channel"
	"github.com/real-rm/voicebox/internal/constants"
	"github.com/real-rm/voicebox/internal/util"
)

var (
	// ErrEmptyInput is returned by Send for blank input.
	ErrEmptyInput = errors.New("agent: empty input")
	// ErrToolRounds ends a turn whose model keeps asking for tools.
	ErrToolRounds = errors.New("agent: tool round limit reached")
)

const warmupPrompt = "hello"

// Tool describes a callable tool offered to the model.
type Tool struct {
	Name        string
	Description string
	Properties  any
	Required    []string
}

// ToolSet executes the tools the model asks for.
type ToolSet interface {
	Tools() []Tool
	// Call runs one tool. A returned error is reported to the model as a
	// failed tool result, never to the client.
	Call(ctx context.Context, name string, input json.RawMessage) (string, error)
	Close() error
}

// Config holds the per-agent model settings.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	MaxTokens     int
	SystemPrompt  string
	MaxToolRounds int
}

// Agent is one session's conversation with the model. It implements
// channel.Agent. Turns are serialized; a second Send waits for the first.
type Agent struct {
	client anthropic.Client
	cfg    Config
	tools  ToolSet
	logger *slog.Logger

	mu      sync.Mutex
	history []anthropic.MessageParam
}

// New creates an agent. tools may be nil.
func New(cfg Config, tools ToolSet, logger *slog.Logger) *Agent {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = constants.MaxToolRounds
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = constants.DefaultAgentMaxTokens
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Agent{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		tools:  tools,
		logger: logger.WithGroup("agent"),
	}
}

// Send starts a turn. Events arrive in order and the channel closes after
// Done or Error. The conversation only records turns that completed.
func (a *Agent) Send(ctx context.Context, text string) (<-chan channel.AgentEvent, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	events := make(chan channel.AgentEvent, constants.AgentEventBuffer)
	util.SafeGo(a.logger, "agent.turn", func() {
		defer close(events)
		a.turn(ctx, text, events)
	})
	return events, nil
}

// Warmup primes the connection with a throwaway round. Nothing it produces
// is kept in the conversation.
func (a *Agent) Warmup(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	messages := []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(warmupPrompt))}
	if _, err := a.stream(ctx, messages, nil); err != nil {
		return fmt.Errorf("warm-up: %w", err)
	}
	a.logger.Debug("Agent warmed up", "model", a.cfg.Model)
	return nil
}

// HistoryLen returns the number of recorded messages.
func (a *Agent) HistoryLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history)
}

// Close releases the tool connections.
func (a *Agent) Close() error {
	if a.tools == nil {
		return nil
	}
	return a.tools.Close()
}

func (a *Agent) turn(ctx context.Context, text string, events chan<- channel.AgentEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	messages := make([]anthropic.MessageParam, len(a.history), len(a.history)+2)
	copy(messages, a.history)
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))

	for round := 0; round < a.cfg.MaxToolRounds; round++ {
		msg, err := a.stream(ctx, messages, events)
		if err != nil {
			if ctx.Err() == nil {
				emit(ctx, events, channel.AgentEvent{Kind: channel.AgentError, Err: err})
			}
			return
		}
		messages = append(messages, msg.ToParam())

		// No else needed: early return pattern (guard clause)
		if msg.StopReason != anthropic.StopReasonToolUse {
			a.history = messages
			emit(ctx, events, channel.AgentEvent{Kind: channel.AgentDone})
			return
		}

		results, ok := a.runTools(ctx, msg, events)
		if !ok {
			return
		}
		if len(results) == 0 {
			a.history = messages
			emit(ctx, events, channel.AgentEvent{Kind: channel.AgentDone})
			return
		}
		messages = append(messages, anthropic.NewUserMessage(results...))
	}

	a.loggerFor(ctx).Warn("Tool round limit reached", "rounds", a.cfg.MaxToolRounds)
	emit(ctx, events, channel.AgentEvent{Kind: channel.AgentError, Err: ErrToolRounds})
}

// stream runs one Messages round, forwarding text deltas when events is
// non-nil, and returns the accumulated message.
func (a *Agent) stream(ctx context.Context, messages []anthropic.MessageParam, events chan<- channel.AgentEvent) (*anthropic.Message, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.params(messages))
	defer stream.Close()

	var acc anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate stream: %w", err)
		}
		if events == nil {
			continue
		}
		if event.Type == "content_block_delta" && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
			if !emit(ctx, events, channel.AgentEvent{Kind: channel.AgentDelta, Text: event.Delta.Text}) {
				return nil, ctx.Err()
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}
	return &acc, nil
}

func (a *Agent) runTools(ctx context.Context, msg *anthropic.Message, events chan<- channel.AgentEvent) ([]anthropic.ContentBlockParamUnion, bool) {
	var results []anthropic.ContentBlockParamUnion
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		if !emit(ctx, events, channel.AgentEvent{Kind: channel.AgentToolActivity, Tool: block.Name}) {
			return nil, false
		}

		content, isErr := a.callTool(ctx, block.Name, block.Input)
		if ctx.Err() != nil {
			return nil, false
		}
		results = append(results, anthropic.NewToolResultBlock(block.ID, content, isErr))
	}
	return results, true
}

func (a *Agent) callTool(ctx context.Context, name string, input json.RawMessage) (string, bool) {
	if a.tools == nil {
		return fmt.Sprintf("tool %s is not available", name), true
	}
	out, err := a.tools.Call(ctx, name, input)
	if err != nil {
		util.LogError(a.loggerFor(ctx), "agent", "call tool", err, "tool", name)
		return err.Error(), true
	}
	return out, false
}

// loggerFor tags log lines with the turn's trace ID when ctx carries one.
func (a *Agent) loggerFor(ctx context.Context) *slog.Logger {
	if id := util.TraceIDFromContext(ctx); id != "" {
		return a.logger.With("trace_id", id)
	}
	return a.logger
}

func (a *Agent) params(messages []anthropic.MessageParam) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		Messages:  messages,
		MaxTokens: int64(a.cfg.MaxTokens),
	}
	if a.cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.cfg.SystemPrompt}}
	}
	if a.tools == nil {
		return params
	}

	for _, t := range a.tools.Tools() {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.Properties,
					Required:   t.Required,
				},
			},
		})
	}
	return params
}

func emit(ctx context.Context, events chan<- channel.AgentEvent, ev channel.AgentEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
