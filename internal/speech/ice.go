package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/real-rm/voicebox/internal/channel"
	"github.com/real-rm/voicebox/internal/constants"
)

type relayToken struct {
	URLs     []string `json:"Urls"`
	Username string   `json:"Username"`
	Password string   `json:"Password"`
}

// ICEProvider fetches avatar relay credentials and caches them for the
// token lifetime. It implements channel.ICEProvider.
type ICEProvider struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	cached  []channel.ICEServer
	expires time.Time
}

// NewICEProvider creates a provider for the configured region.
func NewICEProvider(cfg Config, logger *slog.Logger) *ICEProvider {
	return &ICEProvider{
		cfg:    cfg,
		client: newHTTPClient(),
		logger: logger.WithGroup("ice"),
		ttl:    constants.ICETokenRefreshTime,
		now:    time.Now,
	}
}

// ICEServers returns the cached servers, refreshing them once expired.
// Concurrent callers share one refresh.
func (p *ICEProvider) ICEServers(ctx context.Context) ([]channel.ICEServer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.now().Before(p.expires) {
		return p.cached, nil
	}

	servers, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}
	p.cached = servers
	p.expires = p.now().Add(p.ttl)
	p.logger.Info("ICE token refreshed", "urls", len(servers[0].URLs))
	return servers, nil
}

func (p *ICEProvider) fetch(ctx context.Context) ([]channel.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.baseURL()+relayTokenPath, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(headerKey, p.cfg.Key)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, constants.MaxErrorBodySize))
		return nil, fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var token relayToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode ice token: %w", err)
	}
	if len(token.URLs) == 0 {
		return nil, fmt.Errorf("decode ice token: no relay urls")
	}
	return []channel.ICEServer{{
		URLs:       token.URLs,
		Username:   token.Username,
		Credential: token.Password,
	}}, nil
}
