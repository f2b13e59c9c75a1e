// Package config loads and validates the BagTrail configuration file.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/bagtrail/bagtrail/pkg/telemetry"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config models bagtrail.yml.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Queue     QueueConfig     `yaml:"queue"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig configures the checkpoint and event store.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `yaml:"path" validate:"required"`

	// RetentionDays is the checkpoint retention window for cleanup sweeps.
	RetentionDays int `yaml:"retention_days" validate:"gte=1"`
}

// EngineConfig tunes the orchestrator.
type EngineConfig struct {
	// AgentTimeoutSeconds bounds every collaborator call.
	AgentTimeoutSeconds int `yaml:"agent_timeout_seconds" validate:"gte=1"`

	// ApprovalPollSeconds is the wait_for_approval polling interval.
	ApprovalPollSeconds int `yaml:"approval_poll_seconds" validate:"gte=1"`

	// MaxSteps bounds node executions per workflow walk.
	MaxSteps int `yaml:"max_steps" validate:"gte=1"`

	// MaxRetries bounds the reload-and-rerun loop on checkpoint version
	// conflicts, per workflow.
	MaxRetries int `yaml:"max_retries" validate:"gte=1"`

	// MinimumConnectionMinutes is the minimum connection time applied to
	// connecting itineraries.
	MinimumConnectionMinutes int `yaml:"minimum_connection_minutes" validate:"gte=1"`
}

// ApprovalConfig tunes the human-in-the-loop gates.
type ApprovalConfig struct {
	// ThresholdValue is the dollar amount above which sign-off is needed.
	ThresholdValue float64 `yaml:"threshold_value" validate:"gte=0"`

	// TimeoutMinutes is the approval window before auto-proceed.
	TimeoutMinutes int `yaml:"timeout_minutes" validate:"gte=1"`

	// PolicyPaths are extra .rego/.json policy files or directories loaded
	// on top of the built-in approval policies.
	PolicyPaths []string `yaml:"policy_paths"`
}

// QueueConfig sizes the event queue.
type QueueConfig struct {
	Partitions int `yaml:"partitions" validate:"gte=1"`
	Capacity   int `yaml:"capacity" validate:"gte=1"`
}

// TelemetryConfig is the on-disk shape of the telemetry settings.
type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsListen  string `yaml:"metrics_listen"`

	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TracingExporter string  `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:          "bagtrail.db",
			RetentionDays: 30,
		},
		Engine: EngineConfig{
			AgentTimeoutSeconds:      30,
			ApprovalPollSeconds:      2,
			MaxSteps:                 50,
			MaxRetries:               3,
			MinimumConnectionMinutes: 45,
		},
		Approval: ApprovalConfig{
			ThresholdValue: 500,
			TimeoutMinutes: 30,
		},
		Queue: QueueConfig{
			Partitions: 8,
			Capacity:   256,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsEnabled:  true,
			MetricsListen:   ":9090",
			TracingEnabled:  false,
			TracingExporter: "stdout",
			SamplingRate:    1.0,
		},
	}
}

// Load reads a configuration file, layering it over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a configuration document.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Telemetry.MetricsEnabled && c.Telemetry.MetricsListen == "" {
		return fmt.Errorf("telemetry.metrics_listen is required when metrics are enabled")
	}
	if c.Telemetry.TracingEnabled && c.Telemetry.TracingExporter == "otlp" && c.Telemetry.TracingEndpoint == "" {
		return fmt.Errorf("telemetry.tracing_endpoint is required for the otlp exporter")
	}
	return nil
}

// AgentTimeout returns the collaborator timeout as a duration.
func (c *EngineConfig) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutSeconds) * time.Second
}

// ApprovalPollInterval returns the polling interval as a duration.
func (c *EngineConfig) ApprovalPollInterval() time.Duration {
	return time.Duration(c.ApprovalPollSeconds) * time.Second
}

// ToTelemetry maps the on-disk telemetry settings onto the telemetry
// package's configuration.
func (c *Config) ToTelemetry(serviceVersion string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = serviceVersion
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tc.Metrics.ListenAddress = c.Telemetry.MetricsListen
	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	if c.Telemetry.TracingExporter != "" {
		tc.Tracing.Exporter = c.Telemetry.TracingExporter
	}
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	tc.Tracing.SamplingRate = c.Telemetry.SamplingRate
	return tc
}

// Watch re-loads the config file on change and hands the result to onChange.
// Parse and validation errors keep the previous configuration in effect.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					continue
				}
				onChange(cfg)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return nil
}
