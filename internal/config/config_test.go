package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Agent.APIKey = "sk-ant-test-key"
	return cfg
}

func TestLoad_DefaultsFromTags(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Equal(t, 5, cfg.Session.MaxSessionsPerOwner)
	assert.Equal(t, 60*time.Second, cfg.Session.CleanupInterval)
	assert.Equal(t, 300*time.Second, cfg.Session.AgentTurnTimeout)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, "2025-10-01", cfg.VoiceLive.APIVersion)
	assert.Equal(t, "sk-ant-from-env", cfg.Agent.APIKey)
	assert.True(t, cfg.Agent.Warmup)
	assert.False(t, cfg.Speech.AvatarEnabled)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SESSION_TTL", "15m")
	t.Setenv("MAX_SESSIONS_PER_OWNER", "2")
	t.Setenv("AGENT_WARMUP", "false")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 2, cfg.Session.MaxSessionsPerOwner)
	assert.False(t, cfg.Agent.Warmup)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOriginList())
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("VOICEBOX_TEST_ONLY_KEY=1\nSPEECH_VOICE=en-GB-SoniaNeural\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("VOICEBOX_TEST_ONLY_KEY")
		os.Unsetenv("SPEECH_VOICE")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "en-GB-SoniaNeural", cfg.Speech.Voice)
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.env"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid defaults", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server port"},
		{name: "prefix without slash", mutate: func(c *Config) { c.Server.PathPrefix = "voice" }, wantErr: "path prefix"},
		{name: "missing agent key", mutate: func(c *Config) { c.Agent.APIKey = "" }, wantErr: "ANTHROPIC_API_KEY"},
		{name: "zero ttl", mutate: func(c *Config) { c.Session.TTL = 0 }, wantErr: "session TTL"},
		{name: "zero max sessions", mutate: func(c *Config) { c.Session.MaxSessionsPerOwner = 0 }, wantErr: "max sessions"},
		{name: "zero reconnect attempts", mutate: func(c *Config) { c.Reconnect.MaxAttempts = 0 }, wantErr: "reconnect max attempts"},
		{name: "voice endpoint without key", mutate: func(c *Config) { c.VoiceLive.Endpoint = "https://x" }, wantErr: "VOICELIVE_API_KEY"},
		{
			name: "voice endpoint bad scheme",
			mutate: func(c *Config) {
				c.VoiceLive.Endpoint = "ftp://x"
				c.VoiceLive.APIKey = "k"
			},
			wantErr: "scheme",
		},
		{name: "mcp server without host", mutate: func(c *Config) { c.Agent.MCPServerURLs = "https://" }, wantErr: "must have a hostname"},
		{name: "speech region without key", mutate: func(c *Config) { c.Speech.Region = "westus2" }, wantErr: "set together"},
		{name: "avatar without speech", mutate: func(c *Config) { c.Speech.AvatarEnabled = true }, wantErr: "avatar requires"},
		{name: "short jwt secret", mutate: func(c *Config) { c.Server.JWTSecret = "short" }, wantErr: "at least 32"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = -1
	cfg.Session.TTL = 0
	cfg.Agent.APIKey = ""

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"server port", "session TTL", "ANTHROPIC_API_KEY"} {
		assert.True(t, strings.Contains(err.Error(), want), "missing %q in %v", want, err)
	}
}

func TestFeatureToggles(t *testing.T) {
	cfg := validConfig()
	assert.False(t, cfg.VoiceEnabled())
	assert.False(t, cfg.SpeechEnabled())

	cfg.VoiceLive.Endpoint = "https://voice.example.com"
	cfg.Speech.Region = "westus2"
	cfg.Speech.Key = "k"
	assert.True(t, cfg.VoiceEnabled())
	assert.True(t, cfg.SpeechEnabled())
	assert.Equal(t, []string{"https://learn.microsoft.com/api/mcp"}, cfg.MCPServerList())
}
