package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/real-rm/voicebox/internal/constants"
	"github.com/real-rm/voicebox/internal/util"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Session   SessionConfig
	Reconnect ReconnectConfig
	VoiceLive VoiceLiveConfig
	Agent     AgentConfig
	Speech    SpeechConfig
	Log       LogConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port                   int    `env:"SERVER_PORT,default=8000"`
	PathPrefix             string `env:"PATH_PREFIX"`
	CORSOrigins            string `env:"CORS_ORIGINS,default=http://localhost:3000"`
	MaxMessageSize         int64  `env:"MAX_MESSAGE_SIZE,default=1048576"`
	MaxConnectionsPerOwner int    `env:"MAX_CONNECTIONS_PER_OWNER,default=10"`
	HealthRateLimit        int    `env:"HEALTH_RATE_LIMIT,default=60"`
	JWTSecret              string `env:"AUTH_JWT_SECRET"`
}

// SessionConfig holds session lifecycle settings
type SessionConfig struct {
	TTL                 time.Duration `env:"SESSION_TTL,default=1h"`
	MaxSessionsPerOwner int           `env:"MAX_SESSIONS_PER_OWNER,default=5"`
	CleanupInterval     time.Duration `env:"CLEANUP_INTERVAL,default=60s"`
	AgentTurnTimeout    time.Duration `env:"AGENT_TURN_TIMEOUT,default=300s"`
	AvatarReadyTimeout  time.Duration `env:"AVATAR_READY_TIMEOUT,default=10s"`
}

// ReconnectConfig holds the backoff settings shared by streaming channels
type ReconnectConfig struct {
	MaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS,default=3"`
	BaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY,default=1s"`
}

// VoiceLiveConfig holds the realtime voice endpoint settings
type VoiceLiveConfig struct {
	Endpoint   string `env:"VOICELIVE_ENDPOINT"`
	APIKey     string `env:"VOICELIVE_API_KEY"`
	APIVersion string `env:"VOICELIVE_API_VERSION,default=2025-10-01"`
	Model      string `env:"VOICELIVE_MODEL,default=gpt-4o"`
}

// AgentConfig holds the LLM agent settings
type AgentConfig struct {
	APIKey        string `env:"ANTHROPIC_API_KEY"`
	Model         string `env:"AGENT_MODEL,default=claude-sonnet-4-5"`
	MaxTokens     int    `env:"AGENT_MAX_TOKENS,default=4096"`
	SystemPrompt  string `env:"AGENT_SYSTEM_PROMPT"`
	Warmup        bool   `env:"AGENT_WARMUP,default=true"`
	MCPServerURLs string `env:"MCP_SERVER_URLS,default=https://learn.microsoft.com/api/mcp"`
}

// SpeechConfig holds speech synthesis and avatar settings
type SpeechConfig struct {
	Region          string        `env:"SPEECH_REGION"`
	Key             string        `env:"SPEECH_KEY"`
	Voice           string        `env:"SPEECH_VOICE,default=en-US-AvaMultilingualNeural"`
	AvatarEnabled   bool          `env:"AVATAR_ENABLED,default=false"`
	AvatarCharacter string        `env:"AVATAR_CHARACTER,default=lisa"`
	AvatarStyle     string        `env:"AVATAR_STYLE,default=casual-sitting"`
	AvatarTimeout   time.Duration `env:"AVATAR_CONNECT_TIMEOUT,default=30s"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=text"`
}

// Load reads an optional .env file and decodes the environment into a Config.
// A missing env file is not an error; variables already set in the process win.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server port must be between 1 and 65535"))
	}
	if c.Server.PathPrefix != "" && !strings.HasPrefix(c.Server.PathPrefix, "/") {
		errs = append(errs, errors.New("path prefix must start with '/'"))
	}
	if c.Server.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max message size must be positive"))
	}
	if c.Server.MaxConnectionsPerOwner <= 0 {
		errs = append(errs, errors.New("max connections per owner must be positive"))
	}
	if c.Server.HealthRateLimit <= 0 {
		errs = append(errs, errors.New("health rate limit must be positive"))
	}
	// Token auth is optional; an enabled secret must still be strong.
	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < constants.MinJWTSecretLength {
		errs = append(errs, fmt.Errorf(
			"JWT secret must be at least %d characters (got %d). "+
				"Generate a strong secret with: openssl rand -base64 32",
			constants.MinJWTSecretLength, len(c.Server.JWTSecret)))
	}

	// Validate session config
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session TTL must be positive"))
	}
	if c.Session.MaxSessionsPerOwner <= 0 {
		errs = append(errs, errors.New("max sessions per owner must be positive"))
	}
	if c.Session.CleanupInterval <= 0 {
		errs = append(errs, errors.New("cleanup interval must be positive"))
	}
	if c.Session.AgentTurnTimeout <= 0 {
		errs = append(errs, errors.New("agent turn timeout must be positive"))
	}
	if c.Session.AvatarReadyTimeout <= 0 {
		errs = append(errs, errors.New("avatar ready timeout must be positive"))
	}

	// Validate reconnect config
	if c.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, errors.New("reconnect max attempts must be positive"))
	}
	if c.Reconnect.BaseDelay <= 0 {
		errs = append(errs, errors.New("reconnect base delay must be positive"))
	}

	// Validate agent config
	if err := util.ValidateNotEmpty(c.Agent.APIKey, "ANTHROPIC_API_KEY"); err != nil {
		errs = append(errs, err)
	}
	if err := util.ValidateNotEmpty(c.Agent.Model, "agent model"); err != nil {
		errs = append(errs, err)
	}
	if c.Agent.MaxTokens <= 0 {
		errs = append(errs, errors.New("agent max tokens must be positive"))
	}

	// Voice and speech are optional, but half-configured endpoints are mistakes.
	if c.VoiceLive.Endpoint != "" {
		if err := util.ValidateEndpointURL(c.VoiceLive.Endpoint, "VOICELIVE_ENDPOINT"); err != nil {
			errs = append(errs, err)
		}
		if c.VoiceLive.APIKey == "" {
			errs = append(errs, errors.New("VOICELIVE_API_KEY is required when VOICELIVE_ENDPOINT is set"))
		}
	}
	for _, server := range c.MCPServerList() {
		if err := util.ValidateEndpointURL(server, "MCP server URL"); err != nil {
			errs = append(errs, err)
		}
	}
	if (c.Speech.Region == "") != (c.Speech.Key == "") {
		errs = append(errs, errors.New("SPEECH_REGION and SPEECH_KEY must be set together"))
	}
	if c.Speech.AvatarEnabled && c.Speech.Region == "" {
		errs = append(errs, errors.New("avatar requires SPEECH_REGION and SPEECH_KEY"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// CORSOriginList returns the configured CORS origins with whitespace trimmed.
func (c *Config) CORSOriginList() []string {
	return splitList(c.Server.CORSOrigins)
}

// MCPServerList returns the configured MCP server URLs.
func (c *Config) MCPServerList() []string {
	return splitList(c.Agent.MCPServerURLs)
}

// VoiceEnabled reports whether a voice endpoint is configured.
func (c *Config) VoiceEnabled() bool {
	return c.VoiceLive.Endpoint != ""
}

// SpeechEnabled reports whether speech synthesis is configured.
func (c *Config) SpeechEnabled() bool {
	return c.Speech.Region != "" && c.Speech.Key != ""
}

// Defaults returns a Config populated with the built-in defaults only.
// Tests and embedders use it to avoid depending on the process environment.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                   constants.DefaultPort,
			CORSOrigins:            "http://localhost:3000",
			MaxMessageSize:         constants.DefaultMaxMessageSize,
			MaxConnectionsPerOwner: constants.DefaultConnectionsPerOwner,
			HealthRateLimit:        constants.PublicEndpointRate,
		},
		Session: SessionConfig{
			TTL:                 constants.DefaultSessionTTL,
			MaxSessionsPerOwner: constants.DefaultMaxSessionsPerOwner,
			CleanupInterval:     constants.DefaultCleanupInterval,
			AgentTurnTimeout:    constants.DefaultAgentTurnTimeout,
			AvatarReadyTimeout:  constants.DefaultAvatarReadyTimeout,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: constants.DefaultReconnectAttempts,
			BaseDelay:   constants.DefaultReconnectBaseDelay,
		},
		VoiceLive: VoiceLiveConfig{
			APIVersion: constants.DefaultVoiceLiveVersion,
			Model:      constants.DefaultVoiceLiveModel,
		},
		Agent: AgentConfig{
			Model:         constants.DefaultAgentModel,
			MaxTokens:     constants.DefaultAgentMaxTokens,
			Warmup:        true,
			MCPServerURLs: constants.DefaultMCPServerURL,
		},
		Speech: SpeechConfig{
			Voice:           constants.DefaultVoice,
			AvatarCharacter: "lisa",
			AvatarStyle:     "casual-sitting",
			AvatarTimeout:   constants.DefaultAvatarConnectTime,
		},
		Log: LogConfig{
			Level:  constants.DefaultLogLevel,
			Format: "text",
		},
	}
}

func splitList(s string) []string {
	result := []string{}
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			result = append(result, v)
		}
	}
	return result
}
