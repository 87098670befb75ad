// Package voicelive streams microphone audio to an Azure VoiceLive realtime
// endpoint and turns its server events into typed voice events.
package voicelive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/real-rm/voicebox/internal/channel"
	"github.com/real-rm/voicebox/internal/constants"
	"github.com/real-rm/voicebox/internal/reconnect"
	"github.com/real-rm/voicebox/internal/util"
)

var (
	// ErrUnauthorized is returned when the endpoint rejects the API key. It is
	// never retried.
	ErrUnauthorized = errors.New("voicelive: unauthorized")
	// ErrServer wraps error events reported by the service.
	ErrServer = errors.New("voicelive: server error")
)

const (
	writeWait     = 10 * time.Second
	handshakeWait = 15 * time.Second
)

// Config holds the endpoint and reconnect settings for one client.
type Config struct {
	Endpoint    string
	APIKey      string
	APIVersion  string
	Model       string
	MaxAttempts int
	BaseDelay   time.Duration
}

// Client is one realtime voice session. It implements channel.Voice.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	events     chan channel.VoiceEvent
	eventsOnce sync.Once

	supervisor *reconnect.Supervisor
	ctx        context.Context
	cancel     context.CancelFunc
	closed     atomic.Bool
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// Dial connects to the endpoint and configures the session. The initial
// connect is not retried; the caller decides whether to continue without
// voice.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if err := util.ValidateEndpointURL(cfg.Endpoint, "voicelive endpoint"); err != nil {
		return nil, err
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		logger: logger.WithGroup("voicelive"),
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeWait},
		events: make(chan channel.VoiceEvent, constants.VoiceEventBuffer),
		ctx:    clientCtx,
		cancel: cancel,
	}
	c.supervisor = reconnect.New("voicelive", c.connect,
		reconnect.WithMaxAttempts(cfg.MaxAttempts),
		reconnect.WithBaseDelay(cfg.BaseDelay),
		reconnect.WithRetryable(func(err error) bool { return !errors.Is(err, ErrUnauthorized) }),
		reconnect.WithLogger(logger))

	if err := c.connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// URL maps an http(s) endpoint to the ws(s) URL with the API version and
// model as query parameters.
func URL(endpoint, apiVersion, model string) (string, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("api-version", apiVersion)
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connect(ctx context.Context) error {
	wsURL, err := URL(c.cfg.Endpoint, c.cfg.APIVersion, c.cfg.Model)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("api-key", c.cfg.APIKey)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		return fmt.Errorf("dial voicelive: %w", err)
	}

	if err := writeFrame(conn, &c.writeMu, sessionUpdate()); err != nil {
		conn.Close()
		return fmt.Errorf("configure session: %w", err)
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		conn.Close()
		return channel.ErrClosed
	}
	c.conn = conn
	c.wg.Add(1)
	c.mu.Unlock()

	util.SafeGo(c.logger, "voicelive.readLoop", func() {
		defer c.wg.Done()
		c.readLoop(conn)
	})

	c.logger.Info("Connected to VoiceLive", "model", c.cfg.Model)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(conn, err)
			return
		}

		var ev serverEvent
		if err := util.UnmarshalJSON(data, &ev); err != nil {
			c.logger.Warn("Non-JSON message from VoiceLive", "error", err)
			continue
		}

		out, ok := ev.toVoiceEvent()
		if !ok {
			continue
		}
		if !c.emit(out) {
			return
		}
	}
}

// dropped handles the end of a read loop. An unexpected close reconnects
// through the supervisor; exhaustion reports one error and closes Events.
func (c *Client) dropped(conn *websocket.Conn, readErr error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()

	// No else needed: Close ends the loop on purpose
	if c.closed.Load() {
		return
	}

	c.logger.Warn("VoiceLive connection lost", "error", readErr)
	if err := c.supervisor.Reconnect(c.ctx); err != nil {
		if c.closed.Load() {
			return
		}
		util.LogError(c.logger, "voicelive", "reconnect", err)
		c.emit(channel.VoiceEvent{Kind: channel.VoiceError, Err: fmt.Errorf("%w: %w", channel.ErrUnavailable, err)})
		c.closeEvents()
	}
}

func (c *Client) emit(ev channel.VoiceEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) closeEvents() {
	c.eventsOnce.Do(func() { close(c.events) })
}

// SendAudio appends base64 PCM to the input audio buffer.
func (c *Client) SendAudio(ctx context.Context, base64PCM string) error {
	return c.send(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64PCM,
	})
}

// SendText asks the service to speak text as the assistant.
func (c *Client) SendText(ctx context.Context, text string) error {
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "message",
			"role":    "assistant",
			"content": []map[string]string{{"type": "input_text", "text": text}},
		},
	}
	if err := c.send(ctx, item); err != nil {
		return err
	}
	return c.send(ctx, map[string]any{"type": "response.create"})
}

func (c *Client) send(ctx context.Context, frame any) error {
	if c.closed.Load() {
		return channel.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	// No else needed: early return pattern (guard clause)
	if conn == nil {
		if c.supervisor.Degraded() {
			return channel.ErrUnavailable
		}
		return channel.ErrNotConnected
	}
	return writeFrame(conn, &c.writeMu, frame)
}

func writeFrame(conn *websocket.Conn, mu *sync.Mutex, frame any) error {
	mu.Lock()
	defer mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

// Events returns the event stream. It is closed after Close or once the
// connection is given up.
func (c *Client) Events() <-chan channel.VoiceEvent {
	return c.events
}

// EnsureConnected reconnects when the stream has dropped.
func (c *Client) EnsureConnected(ctx context.Context) error {
	if c.closed.Load() {
		return channel.ErrClosed
	}
	if c.supervisor.Degraded() {
		return channel.ErrUnavailable
	}

	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if connected {
		return nil
	}

	if err := c.supervisor.Reconnect(ctx); err != nil {
		if errors.Is(err, reconnect.ErrExhausted) {
			return fmt.Errorf("%w: %w", channel.ErrUnavailable, err)
		}
		return err
	}
	return nil
}

// Close ends the session. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.supervisor.Close()

		c.mu.Lock()
		if c.conn != nil {
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		c.wg.Wait()
		c.closeEvents()
	})
	return nil
}
