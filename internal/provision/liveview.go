package provision

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/stapply-ai/agent/api/schemas"
)

const (
	liveViewAttempts = 7
	liveViewBackoff  = 500 * time.Millisecond
)

// liveViewDelay is the wait before attempt n, growing linearly with the
// attempts already spent: 0.5s before the second, 1s before the third, and
// so on. The first attempt fires immediately.
func liveViewDelay(attempt int) time.Duration {
	return liveViewBackoff * time.Duration(attempt-1)
}

// debugTarget is one entry from the browser's /json (or /json/list) listing.
type debugTarget struct {
	Type                      string `json:"type"`
	DevtoolsFrontendURL       string `json:"devtoolsFrontendUrl"`
	DevtoolsFrontendURLCompat string `json:"devtoolsFrontendUrlCompat"`
}

// DiscoverLiveView resolves a human-viewable frontend URL from a raw
// debugging endpoint. It retries with linearly increasing backoff, querying
// /json/list then /json and filtering to page targets. When no target turns
// up it returns the unavailable sentinel, never an error: a run without a
// live view is still a valid run.
func DiscoverLiveView(ctx context.Context, httpEndpoint, publicHost string, logger *zap.Logger) string {
	if httpEndpoint == "" {
		return schemas.LiveViewUnavailable
	}

	client := resty.New().SetTimeout(5 * time.Second)
	for attempt := 1; attempt <= liveViewAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return schemas.LiveViewUnavailable
			case <-time.After(liveViewDelay(attempt)):
			}
		}

		for _, path := range []string{"/json/list", "/json"} {
			resp, err := client.R().SetContext(ctx).Get(httpEndpoint + path)
			if err != nil || resp.StatusCode() != 200 {
				continue
			}
			var targets []debugTarget
			if err := json.Unmarshal(resp.Body(), &targets); err != nil {
				continue
			}
			for _, target := range targets {
				if target.Type != "page" {
					continue
				}
				// The compat frontend works with older hosted DevTools
				// builds; prefer it when the browser advertises both.
				raw := target.DevtoolsFrontendURLCompat
				if raw == "" {
					raw = target.DevtoolsFrontendURL
				}
				if raw == "" {
					continue
				}
				resolved, err := resolveFrontendURL(raw, httpEndpoint, publicHost)
				if err != nil {
					logger.Warn("Discarding unparsable frontend URL",
						zap.String("url", raw), zap.Error(err))
					continue
				}
				logger.Debug("Resolved live view", zap.Int("attempts", attempt))
				return resolved
			}
		}
	}

	logger.Info("No page target found, live view unavailable",
		zap.String("endpoint", httpEndpoint))
	return schemas.LiveViewUnavailable
}

// resolveFrontendURL absolutizes a frontend URL against the debugging
// endpoint and, when publicHost is set, substitutes the public host into both
// the URL's network location and any embedded websocket reference, keeping
// path, port and remaining query parameters intact.
func resolveFrontendURL(raw, httpEndpoint, publicHost string) (string, error) {
	base, err := url.Parse(httpEndpoint)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u = base.ResolveReference(u)

	if publicHost == "" {
		return u.String(), nil
	}

	u.Host = swapHost(u.Host, publicHost)

	query := u.Query()
	for _, key := range []string{"ws", "wss"} {
		ref := query.Get(key)
		if ref == "" {
			continue
		}
		// The parameter value is host:port/path without a scheme, e.g.
		// 127.0.0.1:9222/devtools/page/ABC.
		hostport := ref
		rest := ""
		if i := strings.Index(ref, "/"); i >= 0 {
			hostport, rest = ref[:i], ref[i:]
		}
		query.Set(key, swapHost(hostport, publicHost)+rest)
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}

// swapHost replaces the hostname in host or host:port, preserving the port.
func swapHost(hostport, publicHost string) string {
	if host, port, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return net.JoinHostPort(publicHost, port)
	}
	return publicHost
}
