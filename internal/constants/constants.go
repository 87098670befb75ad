// Package constants provides centralized constant definitions for the voicebox service.
// This eliminates magic numbers and strings throughout the codebase.
package constants

import "time"

// Session lifecycle defaults
const (
	DefaultSessionTTL          = 1 * time.Hour    // Idle time before a session is expired
	DefaultCleanupInterval     = 60 * time.Second // TTL sweep interval
	DefaultMaxSessionsPerOwner = 5                // Oldest session is evicted beyond this
	DefaultAgentTurnTimeout    = 300 * time.Second
	DefaultAvatarReadyTimeout  = 10 * time.Second
	DefaultTeardownTimeout     = 5 * time.Second // Per-channel release during cleanup
	AgentWarmupTimeout         = 30 * time.Second
	MCPConnectTimeout          = 15 * time.Second
)

// Reconnect defaults
const (
	DefaultReconnectAttempts  = 3
	DefaultReconnectBaseDelay = 1 * time.Second
	AvatarConnectAttempts     = 3
	AvatarConnectBaseDelay    = 2 * time.Second
	DefaultAvatarConnectTime  = 30 * time.Second
)

// Sizes and Limits
const (
	DefaultMaxMessageSize      = 1048576 // 1MB in bytes for WebSocket messages
	SendBufferSize             = 256     // Outbound frames buffered per connection
	AgentEventBuffer           = 64      // Agent stream channel capacity
	VoiceEventBuffer           = 128     // Voice listener channel capacity
	AudioChunkBuffer           = 16      // Synthesizer chunk channel capacity
	AudioChunkSize             = 4800    // 100ms of 24kHz 16-bit mono PCM
	MaxToolRounds              = 8       // Agent tool sub-turns per user turn
	DefaultConnectionsPerOwner = 10      // Concurrent websockets per owner
	PublicEndpointRate         = 60      // Requests per minute for /health
	MaxErrorBodySize           = 1024    // Max bytes read from upstream error responses
	MaxRestoredMessages        = 200     // Upper bound for restore_history
)

// HTTP Server Timeouts (for standalone server mode)
const (
	HTTPReadTimeout      = 15 * time.Second
	HTTPWriteTimeout     = 60 * time.Second
	HTTPIdleTimeout      = 120 * time.Second
	ShutdownTimeout      = 30 * time.Second
	DefaultRateWindow    = 1 * time.Minute
	ICETokenRefreshTime  = 23 * time.Hour
	SpeechRequestTimeout = 60 * time.Second
)

// Default Configuration Values
const (
	DefaultPort             = 8000
	DefaultLogLevel         = "info"
	DefaultOwner            = "anonymous"
	DefaultVoiceLiveVersion = "2025-10-01"
	DefaultVoiceLiveModel   = "gpt-4o"
	DefaultAgentModel       = "claude-sonnet-4-5"
	DefaultAgentMaxTokens   = 4096
	DefaultVoice            = "en-US-AvaMultilingualNeural"
	DefaultMCPServerURL     = "https://learn.microsoft.com/api/mcp"
)

// Minimum Security Requirements
const (
	MinJWTSecretLength = 32 // Minimum length for JWT secret (256 bits)
)

// History roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HTTP Headers
const (
	HeaderAuthorization = "Authorization"
	HeaderRetryAfter    = "Retry-After"
	BearerPrefix        = "Bearer "
)

// Client-facing error messages. These never carry internal detail.
const (
	ErrMsgInvalidMessage    = "Invalid message"
	ErrMsgProcessing        = "Error processing your message"
	ErrMsgTurnTimeout       = "Response timed out"
	ErrMsgVoiceUnavailable  = "Voice input is unavailable"
	ErrMsgAvatarFailed      = "Avatar connection failed"
	ErrMsgSummaryFailed     = "Failed to generate session summary"
	ErrMsgTurnInProgress    = "Cannot restore history while a response is in progress"
	ErrMsgRateLimitExceeded = "Too many requests. Please try again later."
	ErrMsgSessionEnded      = "Session has ended"
	ErrMsgSessionFailed     = "Session creation failed"
)
