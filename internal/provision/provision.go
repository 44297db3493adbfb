// Package provision abstracts over the browser backends (local process,
// Kernel, Anchorbrowser) behind a single capability contract: acquire a live
// debuggable browser with a CDP endpoint, and release it again.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/stapply-ai/agent/internal/config"
)

// ErrNoBinary is returned by the local backend when none of the probed
// install paths contains a browser executable.
var ErrNoBinary = errors.New("no browser binary found")

// ErrNotReady is returned when the debugging endpoint never became reachable
// within the configured retry budget.
var ErrNotReady = errors.New("browser debugging endpoint never became ready")

// Browser is a live, debuggable browser instance owned by exactly one run.
type Browser struct {
	// ID is the session identifier: provider-assigned for cloud backends,
	// locally generated for the process backend.
	ID string
	// CDPWebSocketURL attaches an automation protocol client.
	CDPWebSocketURL string
	// CDPHTTPURL is the http://host:port form used for the /json discovery
	// endpoints. Empty for backends that only hand out a websocket URL.
	CDPHTTPURL string
	// LiveViewURL is a human-viewable URL into the browser, or the
	// schemas.LiveViewUnavailable sentinel.
	LiveViewURL string

	// releaseOnce makes Release idempotent regardless of which path calls
	// it (normal cleanup, partial-acquire abort, double teardown).
	releaseOnce sync.Once
}

// Provisioner acquires and releases browser instances for one backend.
type Provisioner interface {
	// Acquire returns a live browser. On partial failure every resource
	// created so far (process, temp dir, remote session) has already been
	// released before the error returns.
	Acquire(ctx context.Context) (*Browser, error)
	// Release tears the browser down. It is idempotent and safe to call on
	// a browser whose acquisition partially failed.
	Release(ctx context.Context, b *Browser) error
}

// New selects the provisioner for the configured backend.
func New(cfg *config.Config, logger *zap.Logger) (Provisioner, error) {
	switch cfg.Browser.Backend {
	case config.BackendLocal:
		return NewLocal(cfg.Browser, logger), nil
	case config.BackendKernel:
		return NewKernel(cfg.Kernel, logger), nil
	case config.BackendAnchor:
		return NewAnchor(cfg.Anchor, cfg.Browser.PublicHost, logger), nil
	default:
		return nil, fmt.Errorf("unknown browser backend %q", cfg.Browser.Backend)
	}
}
