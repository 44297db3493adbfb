package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stapply-ai/agent/api/schemas"
	"github.com/stapply-ai/agent/internal/config"
)

// defaultBinaryPaths is the ordered probe list for a Chrome/Chromium
// executable when the config does not override it.
var defaultBinaryPaths = []string{
	"/usr/bin/google-chrome",
	"/usr/bin/google-chrome-stable",
	"/usr/bin/chromium",
	"/usr/bin/chromium-browser",
	"/snap/bin/chromium",
	"/opt/google/chrome/chrome",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
}

// Local launches a browser process on this machine with remote debugging
// enabled. No live view exists for this backend; callers receive the
// explicit unavailable sentinel.
type Local struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
	client *resty.Client

	// handles maps session id to the owned process and profile directory.
	handles handleMap
}

type localHandle struct {
	cmd        *exec.Cmd
	profileDir string
}

// handleMap tracks process handles by session id. take removes and returns
// the handle so a second Release finds nothing to do.
type handleMap struct {
	m sync.Map
}

func (h *handleMap) store(id string, handle *localHandle) {
	h.m.Store(id, handle)
}

func (h *handleMap) take(id string) (*localHandle, bool) {
	value, ok := h.m.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	handle, ok := value.(*localHandle)
	return handle, ok
}

// NewLocal creates the local-process provisioner.
func NewLocal(cfg config.BrowserConfig, logger *zap.Logger) *Local {
	return &Local{
		cfg:    cfg,
		logger: logger.Named("provision_local"),
		client: resty.New().SetTimeout(5 * time.Second),
	}
}

// Acquire finds a free port, launches the browser bound to it with a fresh
// temp profile, and polls the debugging endpoint until it answers.
func (l *Local) Acquire(ctx context.Context) (*Browser, error) {
	binary, err := l.findBinary()
	if err != nil {
		return nil, err
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("failed to pick a debugging port: %w", err)
	}

	profileDir, err := os.MkdirTemp("", "stapply-profile-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create browser profile dir: %w", err)
	}

	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(port),
		"--user-data-dir=" + profileDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-sync",
		"--disable-extensions",
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}
	args = append(args, "about:blank")

	cmd := exec.Command(binary, args...)
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(profileDir)
		return nil, fmt.Errorf("failed to launch browser %s: %w", binary, err)
	}

	l.logger.Info("Launched local browser",
		zap.String("binary", binary),
		zap.Int("port", port),
		zap.Int("pid", cmd.Process.Pid),
	)

	handle := &localHandle{cmd: cmd, profileDir: profileDir}
	httpEndpoint := fmt.Sprintf("http://127.0.0.1:%d", port)

	wsURL, err := l.awaitReady(ctx, httpEndpoint)
	if err != nil {
		// The process may have started even though CDP never answered; it
		// must still be terminated.
		l.teardown(handle)
		return nil, err
	}

	b := &Browser{
		ID:              uuid.New().String(),
		CDPWebSocketURL: wsURL,
		CDPHTTPURL:      httpEndpoint,
		LiveViewURL:     schemas.LiveViewUnavailable,
	}
	l.handles.store(b.ID, handle)
	return b, nil
}

// Release terminates the browser process and removes its profile directory.
// Calling it twice, or on a browser that never registered, is a no-op.
func (l *Local) Release(_ context.Context, b *Browser) error {
	if b == nil {
		return nil
	}
	b.releaseOnce.Do(func() {
		handle, ok := l.handles.take(b.ID)
		if !ok {
			return
		}
		l.teardown(handle)
		l.logger.Info("Released local browser", zap.String("session_id", b.ID))
	})
	return nil
}

func (l *Local) teardown(handle *localHandle) {
	if handle.cmd != nil && handle.cmd.Process != nil {
		if err := handle.cmd.Process.Kill(); err != nil {
			l.logger.Warn("Failed to kill browser process", zap.Error(err))
		}
		// Reap the child so it does not linger as a zombie.
		_ = handle.cmd.Wait()
	}
	if handle.profileDir != "" {
		if err := os.RemoveAll(handle.profileDir); err != nil {
			l.logger.Warn("Failed to remove browser profile dir",
				zap.String("dir", handle.profileDir), zap.Error(err))
		}
	}
}

func (l *Local) findBinary() (string, error) {
	paths := l.cfg.BinaryPaths
	if len(paths) == 0 {
		paths = defaultBinaryPaths
	}
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: probed %d paths", ErrNoBinary, len(paths))
}

// awaitReady polls GET /json/version until the endpoint answers 200 or the
// retry budget runs out, and returns the advertised websocket debugger URL.
func (l *Local) awaitReady(ctx context.Context, httpEndpoint string) (string, error) {
	attempts := l.cfg.ReadyAttempts
	interval := l.cfg.ReadyInterval
	if attempts <= 0 {
		attempts = 20
	}
	if interval <= 0 {
		interval = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := l.client.R().SetContext(ctx).Get(httpEndpoint + "/json/version")
		if err == nil && resp.StatusCode() == 200 {
			var version struct {
				WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
			}
			if err := json.Unmarshal(resp.Body(), &version); err != nil {
				return "", fmt.Errorf("malformed /json/version response: %w", err)
			}
			l.logger.Debug("CDP endpoint ready", zap.Int("attempts", attempt))
			return version.WebSocketDebuggerURL, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode())
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
	return "", fmt.Errorf("%w after %d attempts (%s): %v", ErrNotReady, attempts, httpEndpoint, lastErr)
}

// freePort asks the OS for an ephemeral port and immediately releases it,
// reusing the chosen number for the browser's debugging flag.
func freePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := listener.Addr().(*net.TCPAddr).Port
	if err := listener.Close(); err != nil {
		return 0, err
	}
	return port, nil
}
