package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/real-rm/voicebox/internal/channel"
	"github.com/real-rm/voicebox/internal/constants"
	"github.com/real-rm/voicebox/internal/reconnect"
	"github.com/real-rm/voicebox/internal/util"
)

var (
	// ErrThrottled is returned when the service refuses a new avatar
	// session (close code 4429). It is the only retried connect failure.
	ErrThrottled = errors.New("avatar: throttled")
	// ErrNoAnswer is returned when turn.start carries no remote description.
	ErrNoAnswer = errors.New("avatar: no answer in turn.start")
	// ErrTurnAborted is returned by Speak when the connection drops mid-turn.
	ErrTurnAborted = errors.New("avatar: turn aborted")
)

const (
	closeThrottled = 4429
	avatarPath     = "/cognitiveservices/websocket/v1"
	frameWait      = 10 * time.Second
)

// AvatarConfig selects the character and the connect policy.
type AvatarConfig struct {
	Speech         Config
	Character      string
	Style          string
	ConnectTimeout time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	// Endpoint overrides wss://{region}.tts.speech.microsoft.com.
	Endpoint string
}

// Avatar drives one talking-avatar session over the synthesis websocket.
// It implements channel.Avatar.
type Avatar struct {
	cfg    AvatarConfig
	ice    channel.ICEProvider
	logger *slog.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   chan error
	wg        sync.WaitGroup
	writeMu   sync.Mutex
	connected atomic.Bool
}

// NewAvatar creates a disconnected avatar. ice may be nil.
func NewAvatar(cfg AvatarConfig, ice channel.ICEProvider, logger *slog.Logger) *Avatar {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = constants.DefaultAvatarConnectTime
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.AvatarConnectAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = constants.AvatarConnectBaseDelay
	}
	if cfg.Speech.Voice == "" {
		cfg.Speech.Voice = constants.DefaultVoice
	}
	return &Avatar{
		cfg:    cfg,
		ice:    ice,
		logger: logger.WithGroup("avatar"),
		dialer: &websocket.Dialer{HandshakeTimeout: frameWait},
	}
}

func (a *Avatar) endpoint() (string, error) {
	base := a.cfg.Endpoint
	if base == "" {
		base = fmt.Sprintf("wss://%s.tts.speech.microsoft.com", a.cfg.Speech.Region)
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + avatarPath)
	if err != nil {
		return "", fmt.Errorf("parse avatar endpoint: %w", err)
	}
	q := u.Query()
	q.Set("enableTalkingAvatar", "true")
	q.Set("X-ConnectionId", strings.ReplaceAll(uuid.NewString(), "-", ""))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect answers the client's WebRTC offer. Throttled attempts are retried
// with backoff; the whole call is bounded by the connect timeout.
func (a *Avatar) Connect(ctx context.Context, offerSDP string) (string, []channel.ICEServer, error) {
	if err := a.Disconnect(ctx); err != nil {
		util.LogError(a.logger, "avatar", "release previous connection", err)
	}

	var servers []channel.ICEServer
	if a.ice != nil {
		var err error
		if servers, err = a.ice.ICEServers(ctx); err != nil {
			return "", nil, fmt.Errorf("ice servers: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	var answer string
	supervisor := reconnect.New("avatar", func(attemptCtx context.Context) error {
		sdp, err := a.handshake(attemptCtx, offerSDP, servers)
		if err == nil {
			answer = sdp
		}
		return err
	},
		reconnect.WithMaxAttempts(a.cfg.MaxAttempts),
		reconnect.WithBaseDelay(a.cfg.BaseDelay),
		reconnect.WithRetryable(func(err error) bool { return errors.Is(err, ErrThrottled) }),
		reconnect.WithLogger(a.logger))
	defer supervisor.Close()

	if err := supervisor.Reconnect(ctx); err != nil {
		return "", nil, fmt.Errorf("avatar connect: %w", err)
	}
	a.logger.Info("Avatar connected", "character", a.cfg.Character)
	return answer, servers, nil
}

// handshake opens the socket, sends the avatar configuration and an empty
// turn, and returns the remote description from turn.start.
func (a *Avatar) handshake(ctx context.Context, offerSDP string, servers []channel.ICEServer) (string, error) {
	endpoint, err := a.endpoint()
	if err != nil {
		return "", err
	}
	header := http.Header{}
	header.Set(headerKey, a.cfg.Speech.Key)

	conn, resp, err := a.dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: status %d", ErrThrottled, resp.StatusCode)
		}
		return "", fmt.Errorf("dial avatar: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	answer, err := a.negotiate(conn, offerSDP, servers)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// No else needed: a cancelled attempt must not publish its socket
	if ctx.Err() != nil {
		conn.Close()
		return "", ctx.Err()
	}
	a.conn = conn
	a.connected.Store(true)
	a.wg.Add(1)
	util.SafeGo(a.logger, "avatar.readLoop", func() {
		defer a.wg.Done()
		a.readLoop(conn)
	})
	return answer, nil
}

func (a *Avatar) negotiate(conn *websocket.Conn, offerSDP string, servers []channel.ICEServer) (string, error) {
	requestID := newRequestID()

	configBody, _ := json.Marshal(speechConfig())
	contextBody, _ := json.Marshal(a.synthesisContext(offerSDP, servers))
	frames := []frame{
		{Path: PathSpeechConfig, RequestID: requestID, ContentType: "application/json", Body: configBody},
		{Path: PathSynthesisContext, RequestID: requestID, ContentType: "application/json", Body: contextBody},
		{Path: PathSSML, RequestID: requestID, ContentType: ssmlMediaType, Body: []byte(SSML(a.cfg.Speech.Voice, ""))},
	}
	for _, f := range frames {
		if err := a.write(conn, f); err != nil {
			return "", fmt.Errorf("send %s: %w", f.Path, err)
		}
	}

	var answer string
	for {
		f, err := readFrame(conn)
		if err != nil {
			return "", err
		}
		switch f.Path {
		case PathTurnStart:
			if answer, err = remoteDescription(f.Body); err != nil {
				return "", err
			}
		case PathTurnEnd:
			if answer == "" {
				return "", ErrNoAnswer
			}
			return answer, nil
		}
	}
}

func remoteDescription(body []byte) (string, error) {
	var start struct {
		WebRTC struct {
			ConnectionString string `json:"connectionString"`
		} `json:"webrtc"`
	}
	if err := json.Unmarshal(body, &start); err != nil {
		return "", fmt.Errorf("decode turn.start: %w", err)
	}
	if start.WebRTC.ConnectionString == "" {
		return "", ErrNoAnswer
	}
	return start.WebRTC.ConnectionString, nil
}

// readFrame returns the next text frame, skipping binary audio.
func readFrame(conn *websocket.Conn) (frame, error) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == closeThrottled {
				return frame{}, fmt.Errorf("%w: %s", ErrThrottled, closeErr.Text)
			}
			return frame{}, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		return parseFrame(data)
	}
}

// readLoop completes pending Speak calls on turn.end.
func (a *Avatar) readLoop(conn *websocket.Conn) {
	for {
		f, err := readFrame(conn)
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				continue
			}
			a.dropped(conn, err)
			return
		}
		if f.Path == PathTurnEnd {
			a.finishTurn(nil)
		}
	}
}

func (a *Avatar) dropped(conn *websocket.Conn, err error) {
	a.mu.Lock()
	current := a.conn == conn
	if current {
		a.conn = nil
		a.connected.Store(false)
	}
	a.mu.Unlock()

	if current {
		a.logger.Warn("Avatar connection lost", "error", err)
		a.finishTurn(fmt.Errorf("%w: %w", ErrTurnAborted, err))
	}
}

func (a *Avatar) finishTurn(err error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()
	if pending != nil {
		pending <- err
	}
}

// Speak sends text and blocks until the avatar finishes the turn.
func (a *Avatar) Speak(ctx context.Context, text string) error {
	done := make(chan error, 1)

	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return channel.ErrNotConnected
	}
	a.pending = done
	a.mu.Unlock()

	f := frame{Path: PathSSML, RequestID: newRequestID(), ContentType: ssmlMediaType,
		Body: []byte(SSML(a.cfg.Speech.Voice, text))}
	if err := a.write(conn, f); err != nil {
		a.finishTurn(nil)
		return fmt.Errorf("send ssml: %w", err)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		a.mu.Lock()
		if a.pending == done {
			a.pending = nil
		}
		a.mu.Unlock()
		return ctx.Err()
	}
}

// Stop interrupts the current turn. It is a no-op when disconnected.
func (a *Avatar) Stop(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}

	body, _ := json.Marshal(map[string]any{"synthesis": map[string]any{"control": map[string]string{"action": "stop"}}})
	f := frame{Path: PathSynthesisControl, RequestID: newRequestID(), ContentType: "application/json", Body: body}
	if err := a.write(conn, f); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}
	return nil
}

// Disconnect closes the socket. Safe on a never-connected avatar and safe to
// repeat.
func (a *Avatar) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.connected.Store(false)
	a.mu.Unlock()

	if conn != nil {
		a.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		a.writeMu.Unlock()
		conn.Close()
		a.logger.Info("Avatar disconnected")
	}
	a.finishTurn(ErrTurnAborted)
	a.wg.Wait()
	return nil
}

// IsConnected reports whether a handshake completed and the socket is open.
func (a *Avatar) IsConnected() bool {
	return a.connected.Load()
}

func (a *Avatar) write(conn *websocket.Conn, f frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(frameWait))
	return conn.WriteMessage(websocket.TextMessage, f.encode())
}

func (a *Avatar) synthesisContext(offerSDP string, servers []channel.ICEServer) map[string]any {
	ice := []map[string]any{}
	if len(servers) > 0 && len(servers[0].URLs) > 0 {
		ice = append(ice, map[string]any{
			"urls":       []string{servers[0].URLs[0]},
			"username":   servers[0].Username,
			"credential": servers[0].Credential,
		})
	}
	return map[string]any{
		"synthesis": map[string]any{
			"video": map[string]any{
				"protocol": map[string]any{
					"name": "WebRTC",
					"webrtcConfig": map[string]any{
						"clientDescription": offerSDP,
						"iceServers":        ice,
					},
				},
				"format": map[string]any{
					"crop": map[string]any{
						"topLeft":     map[string]int{"x": 600, "y": 0},
						"bottomRight": map[string]int{"x": 1320, "y": 1080},
					},
					"bitrate": 1000000,
				},
				"talkingAvatar": map[string]any{
					"customized": false,
					"character":  a.cfg.Character,
					"style":      a.cfg.Style,
					"background": map[string]string{"color": "#FFFFFFFF"},
				},
			},
		},
	}
}

func speechConfig() map[string]any {
	return map[string]any{
		"context": map[string]any{
			"system": map[string]string{"name": "voicebox", "version": "1.0.0", "build": "go"},
			"os":     map[string]string{"platform": "server"},
		},
	}
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
