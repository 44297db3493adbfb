// Package config holds the application's root configuration, loaded through
// Viper from config.yaml and STAPPLY_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Backend selects the browser provisioning strategy.
type Backend string

const (
	// BackendLocal launches a Chrome/Chromium process on this machine.
	BackendLocal Backend = "local"
	// BackendKernel provisions a remote session through the Kernel API.
	BackendKernel Backend = "kernel"
	// BackendAnchor provisions a remote session through the Anchorbrowser API.
	BackendAnchor Backend = "anchor"
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Server   ServerConfig   `mapstructure:"server"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Kernel   ProviderConfig `mapstructure:"kernel"`
	Anchor   ProviderConfig `mapstructure:"anchor"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Resume   ResumeConfig   `mapstructure:"resume"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Runs     RunsConfig     `mapstructure:"runs"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	AddSource   bool   `mapstructure:"add_source"`
	ServiceName string `mapstructure:"service_name"`
	LogFile     string `mapstructure:"log_file"`
	MaxSize     int    `mapstructure:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"`
	Compress    bool   `mapstructure:"compress"`
}

// ServerConfig holds settings for the HTTP API listener.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Environment gates the origin check: anything other than "production"
	// accepts all origins.
	Environment string `mapstructure:"environment"`
	// AllowedOrigins are the Origin/Referer prefixes accepted in production.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// BrowserConfig selects and tunes the provisioning backend.
type BrowserConfig struct {
	Backend  Backend `mapstructure:"backend"`
	Headless bool    `mapstructure:"headless"`
	// BinaryPaths overrides the ordered probe list for the local backend.
	BinaryPaths []string `mapstructure:"binary_paths"`
	// PublicHost rewrites live-view URLs when the connect host is not
	// reachable from outside (container-internal hostname vs public one).
	PublicHost string `mapstructure:"public_host"`
	// ReadyAttempts and ReadyInterval bound the CDP readiness poll for the
	// local backend.
	ReadyAttempts int           `mapstructure:"ready_attempts"`
	ReadyInterval time.Duration `mapstructure:"ready_interval"`
}

// ProviderConfig holds credentials and endpoint for a cloud browser provider.
type ProviderConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AgentConfig holds settings for the LLM-driven agent capability.
type AgentConfig struct {
	Model      string        `mapstructure:"model"`
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	MaxSteps   int           `mapstructure:"max_steps"`
	APITimeout time.Duration `mapstructure:"api_timeout"`
}

// WebhookConfig holds the shared signing secret and delivery timeout.
type WebhookConfig struct {
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ResumeConfig controls where downloaded resumes are staged.
type ResumeConfig struct {
	Dir             string        `mapstructure:"dir"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
}

// PostgresConfig holds settings for the optional run-record store.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// RunsConfig bounds concurrent background runs in this process.
type RunsConfig struct {
	// MaxConcurrent caps simultaneous runs. The Playwright bridge exposes a
	// single shared slot to agent tools, so this defaults to 1.
	MaxConcurrent int64 `mapstructure:"max_concurrent"`
	// SlotWait bounds how long StartRun blocks waiting for a free slot.
	SlotWait time.Duration `mapstructure:"slot_wait"`
}

// SetDefaults registers default values so the app can run with a minimal
// config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "stapply-agent")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.allowed_origins", []string{
		"https://cloud.stapply.ai",
		"http://cloud.stapply.ai",
	})

	v.SetDefault("browser.backend", string(BackendLocal))
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ready_attempts", 20)
	v.SetDefault("browser.ready_interval", time.Second)

	v.SetDefault("kernel.base_url", "https://api.onkernel.com")
	v.SetDefault("kernel.timeout", 60*time.Second)
	v.SetDefault("anchor.base_url", "https://api.anchorbrowser.io")
	v.SetDefault("anchor.timeout", 60*time.Second)

	v.SetDefault("agent.model", "gpt-4o")
	v.SetDefault("agent.max_steps", 40)
	v.SetDefault("agent.api_timeout", 120*time.Second)

	v.SetDefault("webhook.timeout", 30*time.Second)

	v.SetDefault("resume.dir", "")
	v.SetDefault("resume.download_timeout", 30*time.Second)

	v.SetDefault("runs.max_concurrent", 1)
	v.SetDefault("runs.slot_wait", 10*time.Second)
}

// Validate performs cross-field sanity checks after unmarshalling.
func (c *Config) Validate() error {
	switch c.Browser.Backend {
	case BackendLocal:
		// No credentials required.
	case BackendKernel:
		if c.Kernel.APIKey == "" {
			return fmt.Errorf("browser.backend is %q but kernel.api_key is not set (hint: STAPPLY_KERNEL_API_KEY)", c.Browser.Backend)
		}
	case BackendAnchor:
		if c.Anchor.APIKey == "" {
			return fmt.Errorf("browser.backend is %q but anchor.api_key is not set (hint: STAPPLY_ANCHOR_API_KEY)", c.Browser.Backend)
		}
	default:
		return fmt.Errorf("unknown browser backend %q (expected local, kernel or anchor)", c.Browser.Backend)
	}

	if c.Runs.MaxConcurrent <= 0 {
		return fmt.Errorf("runs.max_concurrent must be positive, got %d", c.Runs.MaxConcurrent)
	}
	if c.Browser.ReadyAttempts <= 0 {
		return fmt.Errorf("browser.ready_attempts must be positive, got %d", c.Browser.ReadyAttempts)
	}
	return nil
}
