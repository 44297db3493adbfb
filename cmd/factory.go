package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/stapply-ai/agent/internal/api"
	"github.com/stapply-ai/agent/internal/config"
	"github.com/stapply-ai/agent/internal/observability"
	"github.com/stapply-ai/agent/internal/orchestrator"
	"github.com/stapply-ai/agent/internal/store"
)

// Components holds the initialized services of a running instance and owns
// their shutdown order.
type Components struct {
	Config       *config.Config
	DBPool       *pgxpool.Pool
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator
	Server       *api.Server
}

// Shutdown releases everything in reverse dependency order: stop accepting
// requests, drain in-flight runs, then close the database.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Config.Server.ShutdownTimeout)
	defer cancel()

	if c.Server != nil {
		if err := c.Server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during HTTP server shutdown", zap.Error(err))
		} else {
			logger.Debug("HTTP server stopped.")
		}
	}

	if c.Orchestrator != nil {
		if err := c.Orchestrator.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Runs did not drain before the shutdown deadline",
				zap.Strings("active", c.Orchestrator.ActiveRuns()), zap.Error(err))
		} else {
			logger.Debug("All runs drained.")
		}
	}

	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down.")
}

// createComponents performs the dependency wiring. On partial failure every
// component created so far is shut down before the error returns.
func createComponents(ctx context.Context) (*Components, error) {
	logger := observability.GetLogger()

	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	components := &Components{Config: &cfg}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.",
				zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Optional database pool and run store.
	var runStore orchestrator.RunStore
	if cfg.Postgres.URL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			initializationErr = fmt.Errorf("failed to create database connection pool: %w", err)
			return nil, initializationErr
		}
		components.DBPool = dbPool

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		dbStore, err := store.New(pingCtx, dbPool, logger)
		cancel()
		if err != nil {
			initializationErr = fmt.Errorf("failed to initialize run store: %w", err)
			return nil, initializationErr
		}
		components.Store = dbStore
		runStore = dbStore
		logger.Debug("Run store initialized.")
	} else {
		logger.Info("No database configured, run records will not be persisted.")
	}

	// 2. Orchestrator (provisioner, agent, webhook notifier).
	orch, err := orchestrator.New(&cfg, runStore, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch
	logger.Debug("Orchestrator initialized.")

	// 3. HTTP server.
	components.Server = api.NewServer(cfg.Server, orch, logger)
	logger.Debug("HTTP server initialized.")

	logger.Info("All components initialized successfully.")
	return components, nil
}
