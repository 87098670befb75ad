package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrUnknownTool is returned for a tool no connected server offers.
var ErrUnknownTool = errors.New("agent: unknown tool")

const (
	clientName    = "voicebox"
	clientVersion = "1.0.0"
)

// MCPTools is a ToolSet backed by remote MCP servers over streamable HTTP.
type MCPTools struct {
	logger *slog.Logger

	sessions []*mcpsdk.ClientSession
	tools    []Tool
	owner    map[string]*mcpsdk.ClientSession

	closeOnce sync.Once
}

// ConnectMCP connects to every server and lists its tools. A server that
// cannot be reached is skipped; its error is joined into the returned error
// while the remaining servers stay usable.
func ConnectMCP(ctx context.Context, urls []string, logger *slog.Logger) (*MCPTools, error) {
	m := &MCPTools{
		logger: logger.WithGroup("mcp"),
		owner:  make(map[string]*mcpsdk.ClientSession),
	}
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: clientName, Version: clientVersion}, nil)

	var errs []error
	for _, url := range urls {
		if err := m.connect(ctx, client, url); err != nil {
			errs = append(errs, fmt.Errorf("mcp %s: %w", url, err))
		}
	}
	return m, errors.Join(errs...)
}

func (m *MCPTools) connect(ctx context.Context, client *mcpsdk.Client, url string) error {
	session, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: url}, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var listed []Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			session.Close()
			return fmt.Errorf("list tools: %w", err)
		}
		t, err := toTool(tool)
		if err != nil {
			m.logger.Warn("Skipping tool with unreadable schema", "tool", tool.Name, "error", err)
			continue
		}
		listed = append(listed, t)
	}

	m.sessions = append(m.sessions, session)
	for _, t := range listed {
		// First server wins on a name clash.
		if _, taken := m.owner[t.Name]; taken {
			continue
		}
		m.owner[t.Name] = session
		m.tools = append(m.tools, t)
	}
	m.logger.Info("Connected to MCP server", "url", url, "tools", len(listed))
	return nil
}

func toTool(tool *mcpsdk.Tool) (Tool, error) {
	t := Tool{Name: tool.Name, Description: tool.Description}
	if tool.InputSchema == nil {
		return t, nil
	}

	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return Tool{}, err
	}
	var schema struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return Tool{}, err
	}
	t.Properties = schema.Properties
	t.Required = schema.Required
	return t, nil
}

// Tools returns the merged tool list.
func (m *MCPTools) Tools() []Tool {
	return m.tools
}

// Call runs a tool on the server that offers it and joins its text content.
func (m *MCPTools) Call(ctx context.Context, name string, input json.RawMessage) (string, error) {
	session, ok := m.owner[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	var args any
	if len(input) > 0 {
		args = input
	}
	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, text)
	}
	return text, nil
}

// Close closes every server session. Safe to call more than once.
func (m *MCPTools) Close() error {
	var errs []error
	m.closeOnce.Do(func() {
		for _, s := range m.sessions {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
