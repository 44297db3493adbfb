package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/stapply-ai/agent/internal/config"
	"github.com/stapply-ai/agent/internal/observability"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "stapply-agent",
	Short:   "Stapply agent applies to jobs autonomously in a real browser.",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initializeConfig(); err != nil {
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}

		var cfg config.Config
		if err := viper.Unmarshal(&cfg); err != nil {
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "stapply-agent"})
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}

		if err := cfg.Validate(); err != nil {
			observability.InitializeLogger(cfg.Logger)
			return fmt.Errorf("invalid configuration: %w", err)
		}

		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Info("Starting stapply-agent",
			zap.String("version", Version),
			zap.String("backend", string(cfg.Browser.Backend)))
		return nil
	},
}

// Execute runs the CLI. The context comes from main and is cancelled on
// SIGINT/SIGTERM for graceful shutdown.
func Execute(ctx context.Context) error {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			if ctx.Err() == nil {
				logger.Error("Command execution failed", zap.Error(err))
			}
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// initializeConfig reads .env, the config file and STAPPLY_* environment
// variables, in increasing order of precedence.
func initializeConfig() error {
	// .env is a convenience for local development; missing is fine.
	_ = godotenv.Load()

	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("STAPPLY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Explicitly bind the credentials operators actually set, including the
	// conventional unprefixed OpenAI variable.
	_ = viper.BindEnv("agent.api_key", "STAPPLY_AGENT_API_KEY", "OPENAI_API_KEY")
	_ = viper.BindEnv("kernel.api_key", "STAPPLY_KERNEL_API_KEY")
	_ = viper.BindEnv("anchor.api_key", "STAPPLY_ANCHOR_API_KEY")
	_ = viper.BindEnv("webhook.secret", "STAPPLY_WEBHOOK_SECRET")
	_ = viper.BindEnv("postgres.url", "STAPPLY_POSTGRES_URL")

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}
