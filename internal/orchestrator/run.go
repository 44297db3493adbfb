package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/stapply-ai/agent/api/schemas"
	"github.com/stapply-ai/agent/internal/agent"
	"github.com/stapply-ai/agent/internal/bridge"
	"github.com/stapply-ai/agent/internal/prompt"
	"github.com/stapply-ai/agent/internal/provision"
)

// run executes one session in the background. Everything after StartRun
// returned lives behind this single error boundary: panics and errors both
// collapse into a failed RunResult, and cleanup always happens.
func (o *Orchestrator) run(session *schemas.Session, browser *provision.Browser, req *schemas.ApplicationRequest) {
	logger := o.logger.With(zap.String("session_id", session.ID))
	started := time.Now()

	var (
		resumePath string
		b          *bridge.Bridge
		result     *schemas.RunResult
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Run panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			result = &schemas.RunResult{
				Success: false,
				Error:   fmt.Sprintf("internal error: %v", r),
			}
		}
		if result == nil {
			result = &schemas.RunResult{Success: false, Error: "run ended without a result"}
		}
		result.Duration = time.Since(started)

		o.cleanup(session, browser, b, resumePath, logger)
		o.finish(session, req, result, logger)
	}()

	ctx := o.runCtx
	o.setState(ctx, session.ID, schemas.StateRunning, logger)

	path, err := o.downloader.Download(ctx, req.ResumeURL)
	if err != nil {
		result = &schemas.RunResult{Success: false, Error: fmt.Sprintf("resume download failed: %v", err)}
		return
	}
	resumePath = path

	// File upload runs through the bridge, so a run without one cannot
	// complete an application. Attach failure fails the run.
	b, err = o.connectBridge(ctx, session.CDPEndpoint)
	if err != nil {
		result = &schemas.RunResult{Success: false, Error: fmt.Sprintf("bridge connection failed: %v", err)}
		return
	}

	task := agent.Task{
		SessionID:   session.ID,
		Prompt:      prompt.BuildTask(req.URL, req.Profile, resumePath, req.Instructions),
		CDPEndpoint: session.CDPEndpoint,
		ResumePath:  resumePath,
		Secrets:     req.Secrets,
		Model:       req.Model,
		Bridge:      b,
	}

	outcome, err := o.capability.Execute(ctx, task)
	if err != nil {
		result = &schemas.RunResult{Success: false, Error: fmt.Sprintf("agent execution failed: %v", err)}
		return
	}

	result = &schemas.RunResult{
		Success: outcome.Success,
		Message: outcome.Message,
		Usage:   outcome.Usage,
	}
	if !outcome.Success {
		result.Error = outcome.Message
	}
}

// cleanup releases everything one run may hold. Each step is guarded
// independently so one failure never blocks the others, and every underlying
// release is idempotent.
func (o *Orchestrator) cleanup(session *schemas.Session, browser *provision.Browser, b *bridge.Bridge, resumePath string, logger *zap.Logger) {
	// Cleanup must finish even when runCtx was cancelled by Shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if b != nil {
		if err := b.Close(ctx); err != nil {
			logger.Warn("Failed to close bridge", zap.Error(err))
		}
	}
	o.downloader.Cleanup(resumePath)
	if err := o.provisioner.Release(ctx, browser); err != nil {
		logger.Warn("Failed to release browser", zap.Error(err))
	}
	o.slots.Release(1)
	logger.Info("Session resources released", zap.String("session_id", session.ID))
}

// finish records the terminal state, notifies the caller and retires the run
// from the registry.
func (o *Orchestrator) finish(session *schemas.Session, req *schemas.ApplicationRequest, result *schemas.RunResult, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Webhook.Timeout+5*time.Second)
	defer cancel()

	if o.store != nil {
		if err := o.store.FinishRun(ctx, session.ID, result); err != nil {
			logger.Warn("Failed to persist run result", zap.Error(err))
		}
	}

	usage := result.Usage
	o.notifier.Notify(ctx, req.WebhookURL, &schemas.WebhookPayload{
		SessionID: session.ID,
		UserID:    req.UserID,
		Success:   result.Success,
		Result:    result.Message,
		Error:     result.Error,
		Usage:     &usage,
		Metadata: schemas.Properties{
			"url":           req.URL,
			"duration_ms":   result.Duration.Milliseconds(),
			"live_view_url": session.LiveViewURL,
		},
	})

	logger.Info("Run finished",
		zap.Bool("success", result.Success),
		zap.Duration("duration", result.Duration),
		zap.Int64("total_tokens", result.Usage.TotalTokens))

	o.registry.remove(session.ID)
	if o.onTerminal != nil {
		o.onTerminal(session.ID, result)
	}
}

func (o *Orchestrator) setState(ctx context.Context, sessionID string, state schemas.RunState, logger *zap.Logger) {
	if o.store == nil {
		return
	}
	if err := o.store.UpdateState(ctx, sessionID, state); err != nil {
		logger.Warn("Failed to persist state transition",
			zap.String("state", string(state)), zap.Error(err))
	}
}
