package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/singleflight"

	"github.com/mossy-p/tournament-signaling/internal/models"
)

// DefaultTURNRetry is how long a provider stays STUN-only after a failed
// TURN configuration fetch before trying again.
const DefaultTURNRetry = 30 * time.Second

const turnFetchTimeout = 10 * time.Second

// DefaultSTUNServers are always offered to peer connections.
var DefaultSTUNServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// ICEProviderOptions configures an ICEProvider.
type ICEProviderOptions struct {
	// ConfigURL is the full URL of the TURN configuration endpoint
	// (GET /api/turn-config). Empty means STUN only.
	ConfigURL string

	// Token, when set, is sent as a bearer token with the fetch.
	Token string

	// STUNServers replaces DefaultSTUNServers when non-nil.
	STUNServers []webrtc.ICEServer

	// RetryAfter is the wait after a failed fetch before Servers fetches
	// again. Zero means DefaultTURNRetry; negative retries on every call.
	RetryAfter time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ICEProvider resolves the ICE server list for new peer connections. TURN
// servers are fetched on first use and cached. A failed fetch leaves the
// provider STUN-only until RetryAfter has passed. Concurrent callers share
// one fetch. One provider is shared by every session of a process.
type ICEProvider struct {
	configURL  string
	token      string
	stun       []webrtc.ICEServer
	retryAfter time.Duration
	client     *http.Client
	logger     *slog.Logger
	now        func() time.Time

	flight singleflight.Group

	mu      sync.Mutex
	turn    []webrtc.ICEServer
	fetched bool
	retryAt time.Time
}

// NewICEProvider creates a provider. Nothing is fetched until Servers or
// Refresh is called.
func NewICEProvider(options ICEProviderOptions) *ICEProvider {
	stun := options.STUNServers
	if stun == nil {
		stun = DefaultSTUNServers
	}
	client := options.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	retryAfter := options.RetryAfter
	if retryAfter == 0 {
		retryAfter = DefaultTURNRetry
	}
	return &ICEProvider{
		configURL:  options.ConfigURL,
		token:      options.Token,
		stun:       stun,
		retryAfter: retryAfter,
		client:     client,
		logger:     logger,
		now:        time.Now,
	}
}

// Servers returns STUN servers, then TURN servers, then overrides.
func (p *ICEProvider) Servers(ctx context.Context, overrides ...webrtc.ICEServer) []webrtc.ICEServer {
	p.mu.Lock()
	due := p.configURL != "" && !p.fetched && !p.now().Before(p.retryAt)
	p.mu.Unlock()

	if due {
		if err := p.load(ctx); err != nil {
			p.logger.Warn("TURN configuration unavailable, using STUN only",
				"url", p.configURL,
				"error", err,
			)
		}
	}

	p.mu.Lock()
	turn := p.turn
	p.mu.Unlock()

	servers := make([]webrtc.ICEServer, 0, len(p.stun)+len(turn)+len(overrides))
	servers = append(servers, p.stun...)
	servers = append(servers, turn...)
	servers = append(servers, overrides...)
	return servers
}

// Refresh refetches the TURN configuration. On failure the previously
// cached servers stay in use.
func (p *ICEProvider) Refresh(ctx context.Context) error {
	if p.configURL == "" {
		return nil
	}
	return p.load(ctx)
}

// load fetches the TURN configuration without holding p.mu. Callers that
// arrive while a fetch is running wait for its result instead of starting
// another.
func (p *ICEProvider) load(ctx context.Context) error {
	_, err, _ := p.flight.Do("turn", func() (any, error) {
		// The fetch is shared, so it must outlive the caller that started it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), turnFetchTimeout)
		turn, err := p.fetch(fetchCtx)
		cancel()

		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			if p.retryAfter > 0 {
				p.retryAt = p.now().Add(p.retryAfter)
			}
			return nil, err
		}
		p.turn = turn
		p.fetched = true
		p.retryAt = time.Time{}
		return nil, nil
	})
	return err
}

func (p *ICEProvider) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.configURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building TURN config request: %w", err)
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching TURN config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching TURN config: unexpected status %d", resp.StatusCode)
	}

	var payload models.TURNConfigResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding TURN config: %w", err)
	}

	servers := make([]webrtc.ICEServer, 0, len(payload.TURNServers))
	for _, server := range payload.TURNServers {
		if len(server.URLs) == 0 {
			continue
		}
		iceServer := webrtc.ICEServer{
			URLs:     append([]string(nil), server.URLs...),
			Username: server.Username,
		}
		if server.Credential != "" {
			iceServer.Credential = server.Credential
		}
		servers = append(servers, iceServer)
	}
	return servers, nil
}
