package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stapply-ai/agent/internal/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and run agents until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		defer observability.Sync()

		components, err := createComponents(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to initialize components: %w", err)
		}

		serverErr := make(chan error, 1)
		go func() { serverErr <- components.Server.ListenAndServe() }()

		select {
		case <-cmd.Context().Done():
			logger.Info("Shutdown signal received, draining runs.")
		case err := <-serverErr:
			if err != nil {
				logger.Error("HTTP server failed", zap.Error(err))
				components.Shutdown()
				return err
			}
		}

		components.Shutdown()
		return nil
	},
}
