package speech

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/voicebox/internal/channel"
	"github.com/real-rm/voicebox/internal/testutil"
)

func newRelayServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, relayTokenPath, r.URL.Path)
		assert.Equal(t, "speech-key", r.Header.Get(headerKey))
		if status != http.StatusOK {
			http.Error(w, "denied", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Urls":["turn:relay.example.com:3478"],"Username":"user1","Password":"secret1"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestICEServers_MapsToken(t *testing.T) {
	srv, _ := newRelayServer(t, http.StatusOK)
	p := NewICEProvider(Config{Key: "speech-key", BaseURL: srv.URL}, testutil.CreateTestLogger(t))

	servers, err := p.ICEServers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []channel.ICEServer{{
		URLs:       []string{"turn:relay.example.com:3478"},
		Username:   "user1",
		Credential: "secret1",
	}}, servers)
}

func TestICEServers_CachesUntilExpiry(t *testing.T) {
	srv, hits := newRelayServer(t, http.StatusOK)
	p := NewICEProvider(Config{Key: "speech-key", BaseURL: srv.URL}, testutil.CreateTestLogger(t))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := p.ICEServers(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(22 * time.Hour)
	_, err := p.ICEServers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(2 * time.Hour)
	_, err = p.ICEServers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestICEServers_Failure(t *testing.T) {
	srv, hits := newRelayServer(t, http.StatusForbidden)
	p := NewICEProvider(Config{Key: "speech-key", BaseURL: srv.URL}, testutil.CreateTestLogger(t))

	_, err := p.ICEServers(context.Background())
	assert.ErrorIs(t, err, ErrStatus)

	// Failures are not cached.
	_, err = p.ICEServers(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(2), hits.Load())
}
