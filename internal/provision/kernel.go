package provision

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/stapply-ai/agent/api/schemas"
	"github.com/stapply-ai/agent/internal/config"
)

// Kernel provisions remote browser sessions through the Kernel API. The
// provider hands back a ready-to-use live view URL, so no discovery step is
// needed.
type Kernel struct {
	logger *zap.Logger
	client *resty.Client
}

type kernelSession struct {
	SessionID   string `json:"session_id"`
	CDPWSURL    string `json:"cdp_ws_url"`
	LiveViewURL string `json:"browser_live_view_url"`
}

// NewKernel creates the Kernel-backed provisioner.
func NewKernel(cfg config.ProviderConfig, logger *zap.Logger) *Kernel {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")
	return &Kernel{
		logger: logger.Named("provision_kernel"),
		client: client,
	}
}

// Acquire creates a remote browser session.
func (k *Kernel) Acquire(ctx context.Context) (*Browser, error) {
	var session kernelSession
	resp, err := k.client.R().
		SetContext(ctx).
		SetBody(map[string]any{}).
		SetResult(&session).
		Post("/browsers")
	if err != nil {
		return nil, fmt.Errorf("kernel session creation failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("kernel session creation failed: status %d: %s", resp.StatusCode(), resp.String())
	}
	if session.SessionID == "" || session.CDPWSURL == "" {
		return nil, fmt.Errorf("kernel session response missing session_id or cdp_ws_url")
	}

	liveView := session.LiveViewURL
	if liveView == "" {
		liveView = schemas.LiveViewUnavailable
	}

	k.logger.Info("Acquired kernel browser",
		zap.String("session_id", session.SessionID),
		zap.String("live_view_url", liveView),
	)
	return &Browser{
		ID:              session.SessionID,
		CDPWebSocketURL: session.CDPWSURL,
		LiveViewURL:     liveView,
	}, nil
}

// Release deletes the remote session. Repeated calls are no-ops; a 404 from
// the provider (already deleted) is not an error.
func (k *Kernel) Release(ctx context.Context, b *Browser) error {
	if b == nil {
		return nil
	}
	var releaseErr error
	b.releaseOnce.Do(func() {
		resp, err := k.client.R().
			SetContext(ctx).
			Delete("/browsers/" + b.ID)
		if err != nil {
			releaseErr = fmt.Errorf("kernel session deletion failed: %w", err)
			return
		}
		if resp.IsError() && resp.StatusCode() != 404 {
			releaseErr = fmt.Errorf("kernel session deletion failed: status %d", resp.StatusCode())
			return
		}
		k.logger.Info("Released kernel browser", zap.String("session_id", b.ID))
	})
	return releaseErr
}
