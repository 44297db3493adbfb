package provision

import (
	"context"
	"fmt"
	"net/url"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/stapply-ai/agent/internal/config"
)

// Anchor provisions remote browser sessions through the Anchorbrowser API.
// The provider exposes only a raw debugging endpoint, so the live view URL is
// resolved through the /json discovery protocol after the session exists.
type Anchor struct {
	logger     *zap.Logger
	client     *resty.Client
	publicHost string
}

type anchorSession struct {
	Data struct {
		ID          string `json:"id"`
		CDPURL      string `json:"cdp_url"`
		LiveViewURL string `json:"live_view_url"`
	} `json:"data"`
}

// NewAnchor creates the Anchorbrowser-backed provisioner. publicHost, when
// non-empty, substitutes the externally reachable hostname into discovered
// live-view URLs.
func NewAnchor(cfg config.ProviderConfig, publicHost string, logger *zap.Logger) *Anchor {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("anchor-api-key", cfg.APIKey).
		SetHeader("Content-Type", "application/json")
	return &Anchor{
		logger:     logger.Named("provision_anchor"),
		client:     client,
		publicHost: publicHost,
	}
}

// Acquire creates a remote session and resolves its live view. Discovery
// returning "unavailable" is not an error; the run proceeds without a view.
func (a *Anchor) Acquire(ctx context.Context) (*Browser, error) {
	var session anchorSession
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"session": map[string]any{}}).
		SetResult(&session).
		Post("/v1/sessions")
	if err != nil {
		return nil, fmt.Errorf("anchor session creation failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("anchor session creation failed: status %d: %s", resp.StatusCode(), resp.String())
	}
	if session.Data.ID == "" || session.Data.CDPURL == "" {
		return nil, fmt.Errorf("anchor session response missing id or cdp_url")
	}

	b := &Browser{
		ID:              session.Data.ID,
		CDPWebSocketURL: session.Data.CDPURL,
		CDPHTTPURL:      httpEndpointFromWS(session.Data.CDPURL),
		LiveViewURL:     session.Data.LiveViewURL,
	}

	if b.LiveViewURL == "" {
		b.LiveViewURL = DiscoverLiveView(ctx, b.CDPHTTPURL, a.publicHost, a.logger)
	}

	a.logger.Info("Acquired anchor browser",
		zap.String("session_id", b.ID),
		zap.String("live_view_url", b.LiveViewURL),
	)
	return b, nil
}

// Release deletes the remote session; idempotent.
func (a *Anchor) Release(ctx context.Context, b *Browser) error {
	if b == nil {
		return nil
	}
	var releaseErr error
	b.releaseOnce.Do(func() {
		resp, err := a.client.R().
			SetContext(ctx).
			Delete("/v1/sessions/" + b.ID)
		if err != nil {
			releaseErr = fmt.Errorf("anchor session deletion failed: %w", err)
			return
		}
		if resp.IsError() && resp.StatusCode() != 404 {
			releaseErr = fmt.Errorf("anchor session deletion failed: status %d", resp.StatusCode())
			return
		}
		a.logger.Info("Released anchor browser", zap.String("session_id", b.ID))
	})
	return releaseErr
}

// httpEndpointFromWS derives the http://host:port discovery endpoint from a
// ws:// or wss:// CDP URL.
func httpEndpointFromWS(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}
