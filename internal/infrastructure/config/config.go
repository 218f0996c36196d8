package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime configuration.
type Config struct {
	Logging   LogConfig
	Sandbox   SandboxConfig
	Transport TransportConfig
	Metrics   MetricsConfig
	Downloads DownloadConfig
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"GMS_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"GMS_LOG_DEV" default:"false"`
}

// SandboxConfig controls script execution.
type SandboxConfig struct {
	// DrainTimeout bounds how long the CLI waits for pending timers and requests.
	// Script execution itself has no timeout.
	DrainTimeout time.Duration `envconfig:"GMS_DRAIN_TIMEOUT" default:"30s"`
	StrictBodies bool          `envconfig:"GMS_STRICT" default:"false"`
}

// TransportConfig holds outbound request settings for GM_xmlhttpRequest.
type TransportConfig struct {
	Timeout           time.Duration `envconfig:"GMS_HTTP_TIMEOUT" default:"30s"`
	MaxRetries        int           `envconfig:"GMS_HTTP_RETRIES" default:"2"`
	RequestsPerSecond float64       `envconfig:"GMS_HTTP_RPS" default:"10"`
	Burst             int           `envconfig:"GMS_HTTP_BURST" default:"20"`
	UserAgent         string        `envconfig:"GMS_HTTP_USER_AGENT" default:"gmsandbox/1.0"`
	// BridgeURL switches the transport to a websocket bridge when set.
	BridgeURL string `envconfig:"GMS_BRIDGE_URL"`
}

// MetricsConfig holds the debug server configuration.
type MetricsConfig struct {
	Enabled bool   `envconfig:"GMS_METRICS_ENABLED" default:"false"`
	Addr    string `envconfig:"GMS_METRICS_ADDR" default:"127.0.0.1:9464"`
	// AllowOrigins are the dashboards allowed to read the debug endpoints.
	AllowOrigins      []string `envconfig:"GMS_METRICS_ORIGINS" default:"http://127.0.0.1,http://localhost"`
	RequestsPerSecond int      `envconfig:"GMS_METRICS_RPS" default:"20"`
	Burst             int      `envconfig:"GMS_METRICS_BURST" default:"40"`
}

// DownloadConfig holds GM_download settings.
type DownloadConfig struct {
	Dir string `envconfig:"GMS_DOWNLOAD_DIR" default:"downloads"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Logging: LogConfig{
			Level: "info",
		},
		Sandbox: SandboxConfig{
			DrainTimeout: 30 * time.Second,
		},
		Transport: TransportConfig{
			Timeout:           30 * time.Second,
			MaxRetries:        2,
			RequestsPerSecond: 10,
			Burst:             20,
			UserAgent:         "gmsandbox/1.0",
		},
		Metrics: MetricsConfig{
			Addr:              "127.0.0.1:9464",
			AllowOrigins:      []string{"http://127.0.0.1", "http://localhost"},
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Downloads: DownloadConfig{
			Dir: "downloads",
		},
	}
}
