package voicebox

import (
	"context"
	"log/slog"

	"github.com/real-rm/voicebox/internal/agent"
	"github.com/real-rm/voicebox/internal/channel"
	"github.com/real-rm/voicebox/internal/config"
	"github.com/real-rm/voicebox/internal/constants"
	"github.com/real-rm/voicebox/internal/speech"
	"github.com/real-rm/voicebox/internal/util"
	"github.com/real-rm/voicebox/internal/voicelive"
)

// channelFactory opens the production channels for each session.
type channelFactory struct {
	cfg    *config.Config
	ice    channel.ICEProvider
	logger *slog.Logger
}

func newChannelFactory(cfg *config.Config, ice channel.ICEProvider, logger *slog.Logger) *channelFactory {
	return &channelFactory{cfg: cfg, ice: ice, logger: logger}
}

// NewVoice dials VoiceLive. Without an endpoint the session is text-only.
func (f *channelFactory) NewVoice(ctx context.Context, owner string) (channel.Voice, error) {
	if !f.cfg.VoiceEnabled() {
		return nil, nil
	}
	client, err := voicelive.Dial(ctx, voicelive.Config{
		Endpoint:    f.cfg.VoiceLive.Endpoint,
		APIKey:      f.cfg.VoiceLive.APIKey,
		APIVersion:  f.cfg.VoiceLive.APIVersion,
		Model:       f.cfg.VoiceLive.Model,
		MaxAttempts: f.cfg.Reconnect.MaxAttempts,
		BaseDelay:   f.cfg.Reconnect.BaseDelay,
	}, f.logger.With("owner", owner))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// NewAgent creates the session's agent with whatever MCP tools are
// reachable, then warms it up in the background when configured.
func (f *channelFactory) NewAgent(ctx context.Context, owner string) (channel.Agent, error) {
	logger := f.logger.With("owner", owner)

	var tools agent.ToolSet
	if urls := f.cfg.MCPServerList(); len(urls) > 0 {
		mcpCtx, cancel := context.WithTimeout(ctx, constants.MCPConnectTimeout)
		mcp, err := agent.ConnectMCP(mcpCtx, urls, logger)
		cancel()
		if err != nil {
			util.LogError(logger, "agent", "connect mcp servers", err)
		}
		if len(mcp.Tools()) > 0 {
			tools = mcp
		} else {
			mcp.Close()
		}
	}

	a := agent.New(agent.Config{
		APIKey:       f.cfg.Agent.APIKey,
		Model:        f.cfg.Agent.Model,
		MaxTokens:    f.cfg.Agent.MaxTokens,
		SystemPrompt: f.cfg.Agent.SystemPrompt,
	}, tools, logger)

	if f.cfg.Agent.Warmup {
		util.SafeGo(logger, "agent.warmup", func() {
			warmCtx, cancel := context.WithTimeout(context.Background(), constants.AgentWarmupTimeout)
			defer cancel()
			if err := a.Warmup(warmCtx); err != nil {
				util.LogError(logger, "agent", "warm up", err)
			}
		})
	}
	return a, nil
}

// NewAvatar returns nil unless the avatar is enabled.
func (f *channelFactory) NewAvatar(owner string) channel.Avatar {
	if !f.cfg.Speech.AvatarEnabled || !f.cfg.SpeechEnabled() {
		return nil
	}
	return speech.NewAvatar(speech.AvatarConfig{
		Speech:         f.speechConfig(),
		Character:      f.cfg.Speech.AvatarCharacter,
		Style:          f.cfg.Speech.AvatarStyle,
		ConnectTimeout: f.cfg.Speech.AvatarTimeout,
	}, f.ice, f.logger.With("owner", owner))
}

func (f *channelFactory) speechConfig() speech.Config {
	return speech.Config{
		Region: f.cfg.Speech.Region,
		Key:    f.cfg.Speech.Key,
		Voice:  f.cfg.Speech.Voice,
	}
}
