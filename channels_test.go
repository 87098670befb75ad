package voicebox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/voicebox/internal/speech"
	"github.com/real-rm/voicebox/internal/testutil"
	"github.com/real-rm/voicebox/internal/voicelive"
)

func TestChannelFactory_TextOnlyWithoutEndpoint(t *testing.T) {
	f := newChannelFactory(testConfig(), nil, testutil.CreateTestLogger(t))

	voice, err := f.NewVoice(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, voice)
}

func TestChannelFactory_DialsVoice(t *testing.T) {
	upgrader := gorilla.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.VoiceLive.Endpoint = srv.URL
	cfg.VoiceLive.APIKey = "voice-key"
	f := newChannelFactory(cfg, nil, testutil.CreateTestLogger(t))

	voice, err := f.NewVoice(context.Background(), "alice")
	require.NoError(t, err)
	require.IsType(t, &voicelive.Client{}, voice)
	assert.NoError(t, voice.Close())
}

func TestChannelFactory_VoiceDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.VoiceLive.Endpoint = srv.URL
	f := newChannelFactory(cfg, nil, testutil.CreateTestLogger(t))

	voice, err := f.NewVoice(context.Background(), "alice")
	assert.ErrorIs(t, err, voicelive.ErrUnauthorized)
	assert.Nil(t, voice)
}

func TestChannelFactory_Avatar(t *testing.T) {
	tests := []struct {
		name    string
		region  string
		enabled bool
		want    bool
	}{
		{name: "disabled", region: "westus2", enabled: false, want: false},
		{name: "no speech", region: "", enabled: true, want: false},
		{name: "enabled", region: "westus2", enabled: true, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Speech.Region = tt.region
			cfg.Speech.Key = "speech-key"
			cfg.Speech.AvatarEnabled = tt.enabled
			f := newChannelFactory(cfg, nil, testutil.CreateTestLogger(t))

			avatar := f.NewAvatar("alice")
			if !tt.want {
				assert.Nil(t, avatar)
				return
			}
			require.IsType(t, &speech.Avatar{}, avatar)
			assert.False(t, avatar.IsConnected())
		})
	}
}

func TestChannelFactory_AgentWithoutTools(t *testing.T) {
	f := newChannelFactory(testConfig(), nil, testutil.CreateTestLogger(t))

	a, err := f.NewAgent(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.NoError(t, a.Close())
}

func TestChannelFactory_AgentSurvivesUnreachableMCP(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/mcp"
	srv.Close()

	cfg := testConfig()
	cfg.Agent.MCPServerURLs = url
	f := newChannelFactory(cfg, nil, testutil.CreateTestLogger(t))

	a, err := f.NewAgent(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.NoError(t, a.Close())
}
