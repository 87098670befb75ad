// Package websocket provides the client-facing duplex transport: upgrade,
// read and write pumps, heartbeats and the session handshake.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/real-rm/voicebox/internal/auth"
	"github.com/real-rm/voicebox/internal/constants"
	chaterrors "github.com/real-rm/voicebox/internal/errors"
	"github.com/real-rm/voicebox/internal/message"
	"github.com/real-rm/voicebox/internal/metrics"
	"github.com/real-rm/voicebox/internal/ratelimit"
	"github.com/real-rm/voicebox/internal/session"
	"github.com/real-rm/voicebox/internal/util"
)

var (
	// ErrConnectionClosed is returned by Send once the connection is gone
	ErrConnectionClosed = errors.New("connection closed")

	// upgrader configures the WebSocket upgrade
	// SECURITY: In production, this service MUST be deployed behind a reverse proxy
	// that terminates TLS so clients connect over WSS.
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// CheckOrigin is set per-handler instance
	}

	// pongWait is the time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// pingPeriod is the interval for sending ping messages (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// writeWait is the time allowed to write a message to the peer
	writeWait = 10 * time.Second
)

// Binding is one session as seen from its connection.
type Binding interface {
	SessionID() string
	// Route handles one validated inbound message. It must not block on
	// turn processing.
	Route(ctx context.Context, msg *message.Inbound)
	// Done is closed when the session ends without the client asking,
	// such as eviction or expiry.
	Done() <-chan struct{}
	// Close releases the session after the connection is gone.
	Close()
}

// SessionRouter opens the session behind a new connection.
type SessionRouter interface {
	OpenSession(ctx context.Context, sink message.Sink, owner string, liteMode bool) (Binding, error)
}

// Connection represents an active WebSocket connection. It implements
// message.Sink for the session behind it.
type Connection struct {
	// conn is the underlying WebSocket connection
	conn *websocket.Conn

	// ConnectionID is a unique identifier for this connection
	ConnectionID string

	// Owner is the user or tenant the session belongs to
	Owner string

	sessionID atomic.Value // string

	// send is a buffered channel for outbound frames. It is never closed;
	// done signals shutdown to writers instead.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	// writeMu serializes control frames written outside the write pump
	writeMu sync.Mutex
}

func newConnection(conn *websocket.Conn, owner string) *Connection {
	return &Connection{
		conn:         conn,
		ConnectionID: fmt.Sprintf("%s-%s", owner, uuid.New().String()),
		Owner:        owner,
		send:         make(chan []byte, constants.SendBufferSize),
		done:         make(chan struct{}),
	}
}

// SessionID returns the ID of the session bound to this connection, or ""
// before the handshake.
func (c *Connection) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// Send queues msg for the write pump. It blocks while the buffer is full and
// fails once the connection is closed or ctx is done.
func (c *Connection) Send(ctx context.Context, msg message.Outbound) error {
	data, err := message.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}

	// Checked first so a closed connection never accepts another frame.
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SafeSend queues raw data without blocking. It returns false if the
// connection is closing or the buffer is full.
func (c *Connection) SafeSend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// CloseWithReason sends a close frame with code and reason, then closes.
func (c *Connection) CloseWithReason(code int, reason string) {
	c.writeMu.Lock()
	if c.conn != nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	}
	c.writeMu.Unlock()
	_ = c.Close()
}

// Handler manages WebSocket connections and upgrades
type Handler struct {
	resolver       *auth.OwnerResolver
	router         SessionRouter
	logger         *slog.Logger
	connLimiter    *ratelimit.ConnectionLimiter
	allowedOrigins map[string]bool
	maxMessageSize int64

	// connections tracks active connections by ID
	connections map[string]*Connection
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// NewHandler creates a new WebSocket handler
func NewHandler(resolver *auth.OwnerResolver, router SessionRouter, connLimiter *ratelimit.ConnectionLimiter, maxMessageSize int64, logger *slog.Logger) *Handler {
	return &Handler{
		resolver:       resolver,
		router:         router,
		logger:         logger.WithGroup("websocket"),
		connLimiter:    connLimiter,
		allowedOrigins: make(map[string]bool),
		maxMessageSize: maxMessageSize,
		connections:    make(map[string]*Connection),
	}
}

// SetAllowedOrigins configures the allowed origins for WebSocket connections
// If no origins are set, all origins are allowed (development mode)
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.allowedOrigins = make(map[string]bool)
	for _, origin := range origins {
		h.allowedOrigins[origin] = true
	}

	h.logger.Info("Configured allowed origins", "count", len(origins), "origins", origins)
}

// checkOrigin validates the origin of a WebSocket upgrade request
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	h.mu.RLock()
	defer h.mu.RUnlock()

	// No else needed: early return pattern (guard clause)
	if len(h.allowedOrigins) == 0 || origin == "" {
		return true
	}
	if h.allowedOrigins[origin] {
		return true
	}

	h.logger.Warn("Origin not allowed", "origin", origin)
	return false
}

// ConnectionCount returns the number of open connections.
func (h *Handler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// HandleWebSocket upgrades the request and serves the session:
// 1. Resolve the owner (token claim or user_id query)
// 2. Reserve a connection slot for the owner
// 3. Upgrade and open the session
// 4. Send session_created then state{idle} and start the pumps
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	owner, err := h.resolver.Resolve(r)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		h.logger.Warn("Owner resolution failed", "error", err, "remote_addr", r.RemoteAddr)
		http.Error(w, chaterrors.ErrInvalidToken(err).Message, http.StatusUnauthorized)
		return
	}

	// No else needed: early return pattern (guard clause)
	if !h.connLimiter.Allow(owner) {
		h.logger.Warn("Connection limit exceeded", "owner", owner)
		http.Error(w, chaterrors.ErrConnectionLimitExceeded().Message, http.StatusTooManyRequests)
		return
	}

	lite, _ := strconv.ParseBool(r.URL.Query().Get("lite"))

	localUpgrader := upgrader
	localUpgrader.CheckOrigin = h.checkOrigin

	ws, err := localUpgrader.Upgrade(w, r, nil)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		h.connLimiter.Release(owner)
		util.LogError(h.logger, "websocket", "upgrade connection", err, "owner", owner)
		return
	}
	ws.SetReadLimit(h.maxMessageSize)

	conn := newConnection(ws, owner)
	h.registerConnection(conn)
	util.SafeGo(h.logger, "writePump", conn.writePump)

	// Sessions outlive the upgrade request; they end with the connection.
	binding, err := h.router.OpenSession(context.Background(), conn, owner, lite)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		util.LogError(h.logger, "websocket", "open session", err, "owner", owner)
		code := websocket.ClosePolicyViolation
		if chatErr, ok := chaterrors.As(err); ok && !chatErr.IsFatal() {
			code = websocket.CloseTryAgainLater
		}
		conn.CloseWithReason(code, constants.ErrMsgSessionFailed)
		h.unregisterConnection(conn)
		return
	}
	conn.sessionID.Store(binding.SessionID())

	h.handshake(conn, binding, lite)

	h.wg.Add(1)
	util.SafeGo(h.logger, "readPump", func() {
		defer h.wg.Done()
		h.readPump(conn, binding)
	})
}

func (h *Handler) handshake(conn *Connection, binding Binding, lite bool) {
	ctx := context.Background()
	if err := conn.Send(ctx, message.NewSessionCreated(binding.SessionID(), lite)); err != nil {
		h.logger.Debug("Handshake not delivered", "error", err)
		return
	}
	if err := conn.Send(ctx, message.NewState(string(session.StateIdle))); err != nil {
		h.logger.Debug("Handshake not delivered", "error", err)
	}
	h.logger.Info("WebSocket session established",
		"owner", conn.Owner,
		"session_id", binding.SessionID(),
		"connection_id", conn.ConnectionID,
		"lite_mode", lite)
}

// registerConnection adds a connection to the active connections map
func (h *Handler) registerConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[conn.ConnectionID] = conn
	metrics.WebSocketConnections.Inc()
}

// unregisterConnection removes a connection and frees its owner slot.
// Only the first call for a connection has any effect.
func (h *Handler) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	_, exists := h.connections[conn.ConnectionID]
	delete(h.connections, conn.ConnectionID)
	remaining := len(h.connections)
	h.mu.Unlock()

	// No else needed: early return pattern (guard clause)
	if !exists {
		return
	}

	_ = conn.Close()
	h.connLimiter.Release(conn.Owner)
	metrics.WebSocketConnections.Dec()

	h.logger.Info("Connection unregistered",
		"owner", conn.Owner,
		"connection_id", conn.ConnectionID,
		"remaining_connections", remaining)
}

// ShutdownWithContext sends a going-away close frame to every connection
// and waits for their sessions to be released, or for ctx to expire.
func (h *Handler) ShutdownWithContext(ctx context.Context) error {
	h.mu.RLock()
	connections := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		connections = append(connections, conn)
	}
	h.mu.RUnlock()

	h.logger.Info("Shutting down WebSocket handler", "connections", len(connections))

	for _, conn := range connections {
		conn.CloseWithReason(websocket.CloseGoingAway, "Server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("All WebSocket connections closed gracefully")
		return nil
	case <-ctx.Done():
		h.logger.Warn("Shutdown deadline exceeded, forcing closure", "connections", h.ConnectionCount())
		return ctx.Err()
	}
}

// readPump reads client frames until the connection ends, then releases
// the session. It also closes the connection when the session is ended
// from the server side.
func (h *Handler) readPump(c *Connection, binding Binding) {
	logger := h.logger.With("owner", c.Owner, "session_id", binding.SessionID(), "connection_id", c.ConnectionID)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		binding.Close()
		h.unregisterConnection(c)
		logger.Info("WebSocket connection closed")
	}()

	go func() {
		select {
		case <-binding.Done():
			logger.Info("Session ended by server, closing connection")
			c.CloseWithReason(websocket.CloseNormalClosure, constants.ErrMsgSessionEnded)
		case <-c.done:
		}
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		// No else needed: error handling with return (exits loop)
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				logger.Warn("WebSocket message size limit exceeded", "limit", h.maxMessageSize)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure):
				util.LogError(logger, "websocket", "handle unexpected close", err)
			default:
				logger.Debug("WebSocket read ended", "error", err)
			}
			return
		}

		msg, err := message.Parse(raw)
		// No else needed: error handling with continue (skips to next iteration)
		if err != nil {
			metrics.MessageErrors.Inc()
			chatErr := chaterrors.FromValidation(err)
			logger.Warn("Invalid message", "error", err, "code", chatErr.Code)
			if sendErr := c.Send(ctx, chatErr.ToErrorPayload()); sendErr != nil {
				return
			}
			continue
		}

		metrics.MessagesReceived.Inc()
		logger.Debug("Message received", "message_type", msg.Type)
		binding.Route(ctx, msg)
	}
}

// writePump writes queued frames and heartbeats until the connection closes
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.TextMessage, data)
			c.writeMu.Unlock()
			// No else needed: error handling with return (exits function)
			if err != nil {
				return
			}
			metrics.MessagesSent.Inc()

		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			// No else needed: error handling with return (exits function)
			if err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
