// Package voicebox wires the voice conversation service onto a gin engine.
// Register builds the session manager, turn processor and websocket
// transport, and returns a Service that owns them for shutdown.
package voicebox

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/real-rm/voicebox/internal/auth"
	"github.com/real-rm/voicebox/internal/bargein"
	"github.com/real-rm/voicebox/internal/channel"
	"github.com/real-rm/voicebox/internal/config"
	"github.com/real-rm/voicebox/internal/constants"
	"github.com/real-rm/voicebox/internal/httperrors"
	"github.com/real-rm/voicebox/internal/metrics"
	"github.com/real-rm/voicebox/internal/ratelimit"
	"github.com/real-rm/voicebox/internal/router"
	"github.com/real-rm/voicebox/internal/session"
	"github.com/real-rm/voicebox/internal/speech"
	"github.com/real-rm/voicebox/internal/turn"
	"github.com/real-rm/voicebox/internal/websocket"
)

// Option overrides a production dependency.
type Option func(*options)

type options struct {
	factory channel.Factory
	synth   channel.Synthesizer
	ice     channel.ICEProvider
}

// WithFactory replaces the channel factory.
func WithFactory(f channel.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithSynthesizer replaces the speech synthesizer.
func WithSynthesizer(s channel.Synthesizer) Option {
	return func(o *options) { o.synth = s }
}

// WithICEProvider replaces the avatar relay provider.
func WithICEProvider(p channel.ICEProvider) Option {
	return func(o *options) { o.ice = p }
}

// Service is one registered voicebox instance.
type Service struct {
	manager       *session.Manager
	router        *router.MessageRouter
	ws            *websocket.Handler
	healthLimiter *ratelimit.MessageLimiter
	logger        *slog.Logger

	closing      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// Register validates cfg, builds the service and mounts its routes under
// the configured path prefix.
func Register(r *gin.Engine, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	logger = logger.WithGroup("voicebox")
	logger.Info("Initializing voicebox service")

	// No else needed: early return pattern (guard clause)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	if cfg.SpeechEnabled() {
		sc := speech.Config{Region: cfg.Speech.Region, Key: cfg.Speech.Key, Voice: cfg.Speech.Voice}
		o.synth = speech.NewSynthesizer(sc, logger)
		o.ice = speech.NewICEProvider(sc, logger)
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.factory == nil {
		o.factory = newChannelFactory(cfg, o.ice, logger)
	}

	manager := session.NewManager(o.factory, session.Options{
		SessionTTL:          cfg.Session.TTL,
		CleanupInterval:     cfg.Session.CleanupInterval,
		MaxSessionsPerOwner: cfg.Session.MaxSessionsPerOwner,
	}, logger)
	processor := turn.NewProcessor(o.synth, turn.Options{
		TurnTimeout:        cfg.Session.AgentTurnTimeout,
		AvatarReadyTimeout: cfg.Session.AvatarReadyTimeout,
	}, logger)
	summarizer := turn.NewSummarizer(cfg.Session.AgentTurnTimeout, logger)

	messageRouter := router.NewMessageRouter(manager, processor, summarizer, bargein.New(logger), o.ice,
		router.Options{AvatarConnectTimeout: cfg.Speech.AvatarTimeout}, logger)

	resolver := auth.NewOwnerResolver(cfg.Server.JWTSecret)
	if !resolver.Enabled() {
		logger.Warn("AUTH_JWT_SECRET not set, owners are taken from the user_id query parameter")
	}
	wsHandler := websocket.NewHandler(resolver, messageRouter,
		ratelimit.NewConnectionLimiter(cfg.Server.MaxConnectionsPerOwner), cfg.Server.MaxMessageSize, logger)

	origins := cfg.CORSOriginList()
	wsHandler.SetAllowedOrigins(origins)
	healthLimiter := ratelimit.NewMessageLimiter(constants.DefaultRateWindow, cfg.Server.HealthRateLimit, logger)

	svc := &Service{
		manager:       manager,
		router:        messageRouter,
		ws:            wsHandler,
		healthLimiter: healthLimiter,
		logger:        logger,
	}

	if len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     []string{"GET", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
		logger.Info("CORS middleware configured", "allowed_origins", origins)
	} else {
		logger.Warn("No CORS origins configured, allowing all websocket origins (development mode)")
	}
	r.Use(securityHeadersMiddleware())
	r.Use(metricsMiddleware())

	group := r.Group(cfg.Server.PathPrefix)
	group.GET("/ws", func(c *gin.Context) {
		wsHandler.HandleWebSocket(c.Writer, c.Request)
	})
	group.GET("/health", ratelimit.Middleware(healthLimiter), svc.handleHealth)
	group.GET("/metrics/prometheus", gin.WrapH(promhttp.Handler()))

	// Background loops start last so a failed Register leaks nothing.
	manager.StartCleanup()
	healthLimiter.StartCleanup()

	logger.Info("Voicebox service registered",
		"websocket_endpoint", cfg.Server.PathPrefix+"/ws",
		"health_endpoint", cfg.Server.PathPrefix+"/health",
		"metrics_endpoint", cfg.Server.PathPrefix+"/metrics/prometheus",
		"voice", cfg.VoiceEnabled(),
		"speech", o.synth != nil,
		"avatar", cfg.Speech.AvatarEnabled)
	return svc, nil
}

// ActiveSessions returns the number of live sessions.
func (s *Service) ActiveSessions() int {
	return s.manager.ActiveCount()
}

func (s *Service) handleHealth(c *gin.Context) {
	if s.closing.Load() {
		httperrors.RespondServiceUnavailable(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"active_sessions": s.ActiveSessions(),
	})
}

// Shutdown closes every websocket with a going-away frame, stops the
// router and releases all sessions. Health reports 503 from then on.
// Later calls return the first result.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.closing.Store(true)
		s.logger.Info("Starting graceful shutdown of voicebox service")

		if err := s.ws.ShutdownWithContext(ctx); err != nil {
			s.logger.Warn("WebSocket handler shutdown error", "error", err)
			s.shutdownErr = fmt.Errorf("websocket shutdown: %w", err)
		}
		s.router.Shutdown()
		s.manager.StopCleanup()
		s.manager.CleanupAll(ctx)
		s.healthLimiter.StopCleanup()

		s.logger.Info("Voicebox service shutdown complete")
	})
	return s.shutdownErr
}

// securityHeadersMiddleware adds standard HTTP security headers to all responses.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// metricsMiddleware records HTTP request duration for Prometheus monitoring
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.HTTPRequestDuration.With(prometheus.Labels{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": strconv.Itoa(c.Writer.Status()),
		}).Observe(time.Since(start).Seconds())
	}
}
