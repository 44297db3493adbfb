// Package orchestrator owns the session lifecycle: it turns an accepted
// application request into a provisioned browser, hands the browser to the
// agent in the background, and guarantees every acquired resource is released
// when the run reaches a terminal state.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/stapply-ai/agent/api/schemas"
	"github.com/stapply-ai/agent/internal/agent"
	"github.com/stapply-ai/agent/internal/bridge"
	"github.com/stapply-ai/agent/internal/cdp"
	"github.com/stapply-ai/agent/internal/config"
	"github.com/stapply-ai/agent/internal/provision"
	"github.com/stapply-ai/agent/internal/resume"
	"github.com/stapply-ai/agent/internal/webhook"
)

// RunStore is the persistence surface the orchestrator needs. A nil store
// disables persistence without changing run behavior.
type RunStore interface {
	CreateRun(ctx context.Context, sessionID, userID, targetURL string) error
	UpdateState(ctx context.Context, sessionID string, state schemas.RunState) error
	FinishRun(ctx context.Context, sessionID string, result *schemas.RunResult) error
}

const probeTimeout = 10 * time.Second

// Orchestrator coordinates provisioning, agent execution, persistence,
// notification and cleanup for all runs in this process.
type Orchestrator struct {
	cfg         *config.Config
	provisioner provision.Provisioner
	capability  agent.Capability
	downloader  *resume.Downloader
	notifier    *webhook.Notifier
	store       RunStore
	logger      *zap.Logger

	// slots caps concurrent runs; StartRun blocks on it for at most
	// cfg.Runs.SlotWait before rejecting.
	slots *semaphore.Weighted

	registry *registry

	// runCtx outlives the StartRun request and is only cancelled by
	// Shutdown, so background runs are not tied to the HTTP request.
	runCtx    context.Context
	cancelRun context.CancelFunc

	// connectBridge attaches the upload bridge to the session's browser.
	// A failed attach is fatal to the run: without the bridge the agent
	// cannot upload the resume. Swappable for tests.
	connectBridge func(ctx context.Context, wsURL string) (*bridge.Bridge, error)

	// onTerminal, when set, fires after cleanup and notification finish.
	onTerminal func(sessionID string, result *schemas.RunResult)
}

// New wires an orchestrator from configuration. store may be nil.
func New(cfg *config.Config, st RunStore, logger *zap.Logger) (*Orchestrator, error) {
	provisioner, err := provision.New(cfg, logger)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:         cfg,
		provisioner: provisioner,
		capability:  agent.NewRunner(cfg.Agent, logger),
		downloader:  resume.NewDownloader(cfg.Resume.Dir, cfg.Resume.DownloadTimeout, logger),
		notifier:    webhook.NewNotifier(cfg.Webhook.Secret, cfg.Webhook.Timeout, logger),
		store:       st,
		logger:      logger.Named("orchestrator"),
		slots:       semaphore.NewWeighted(cfg.Runs.MaxConcurrent),
		registry:    newRegistry(),
		runCtx:      runCtx,
		cancelRun:   cancel,
	}
	o.connectBridge = o.defaultConnectBridge
	return o, nil
}

// StartRun validates the request, provisions a browser and schedules the
// agent in the background. It returns as soon as the session is ready; the
// caller never waits for the agent itself.
func (o *Orchestrator) StartRun(ctx context.Context, req *schemas.ApplicationRequest) (*schemas.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Profile == nil {
		req.Profile = schemas.DefaultProfile()
	}

	slotCtx, cancel := context.WithTimeout(ctx, o.cfg.Runs.SlotWait)
	defer cancel()
	if err := o.slots.Acquire(slotCtx, 1); err != nil {
		return nil, fmt.Errorf("no run slot available: %w", err)
	}

	// The session id is assigned before provisioning so every lifecycle
	// transition, including provisioning failures, lands on one record.
	sessionID := uuid.NewString()
	if o.store != nil {
		if err := o.store.CreateRun(ctx, sessionID, req.UserID, req.URL); err != nil {
			o.logger.Warn("Failed to persist run record", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	o.setState(ctx, sessionID, schemas.StateProvisioning, o.logger)

	browser, err := o.provisioner.Acquire(ctx)
	if err != nil {
		o.failBeforeRunning(ctx, sessionID, fmt.Sprintf("provisioning failed: %v", err))
		o.slots.Release(1)
		return nil, fmt.Errorf("failed to provision browser: %w", err)
	}

	probeCtx, cancelProbe := context.WithTimeout(ctx, probeTimeout)
	defer cancelProbe()
	version, err := cdp.Probe(probeCtx, browser.CDPWebSocketURL)
	if err != nil {
		if relErr := o.provisioner.Release(ctx, browser); relErr != nil {
			o.logger.Warn("Failed to release browser after probe failure", zap.Error(relErr))
		}
		o.failBeforeRunning(ctx, sessionID, fmt.Sprintf("browser endpoint failed verification: %v", err))
		o.slots.Release(1)
		return nil, fmt.Errorf("browser endpoint failed verification: %w", err)
	}

	session := &schemas.Session{
		ID:          sessionID,
		LiveViewURL: browser.LiveViewURL,
		CDPEndpoint: browser.CDPWebSocketURL,
	}
	o.setState(ctx, sessionID, schemas.StateReady, o.logger)
	o.logger.Info("Session ready",
		zap.String("session_id", session.ID),
		zap.String("browser_id", browser.ID),
		zap.String("browser", version.Product),
		zap.String("live_view_url", session.LiveViewURL))

	o.registry.add(session.ID)
	go o.run(session, browser, req)

	return session, nil
}

// Wait blocks until every in-flight run has reached a terminal state or ctx
// expires.
func (o *Orchestrator) Wait(ctx context.Context) error {
	return o.registry.wait(ctx)
}

// ActiveRuns returns the session ids of runs that have not finished yet.
func (o *Orchestrator) ActiveRuns() []string {
	return o.registry.active()
}

// Shutdown drains in-flight runs within ctx, then cancels whatever is left.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.registry.wait(ctx)
	o.cancelRun()
	return err
}

func (o *Orchestrator) defaultConnectBridge(ctx context.Context, wsURL string) (*bridge.Bridge, error) {
	b := bridge.New(o.logger)
	if err := b.Connect(ctx, wsURL); err != nil {
		return nil, err
	}
	return b, nil
}

// failBeforeRunning records a terminal failure for a run that never reached
// Running. Persistence failures only warn.
func (o *Orchestrator) failBeforeRunning(ctx context.Context, sessionID, reason string) {
	if o.store == nil {
		return
	}
	if err := o.store.FinishRun(ctx, sessionID, &schemas.RunResult{Success: false, Error: reason}); err != nil {
		o.logger.Warn("Failed to persist run failure",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}
