package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Approval.ThresholdValue != 500 {
		t.Errorf("default approval threshold is %.0f, want 500", cfg.Approval.ThresholdValue)
	}
	if cfg.Engine.AgentTimeout() != 30*time.Second {
		t.Errorf("default agent timeout is %s, want 30s", cfg.Engine.AgentTimeout())
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
store:
  path: /var/lib/bagtrail/bagtrail.db
  retention_days: 7
engine:
  agent_timeout_seconds: 10
  max_retries: 5
approval:
  threshold_value: 1000
  timeout_minutes: 15
  policy_paths:
    - /etc/bagtrail/policies
telemetry:
  log_level: debug
  log_format: json
`))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.Store.Path != "/var/lib/bagtrail/bagtrail.db" {
		t.Errorf("store path not applied: %s", cfg.Store.Path)
	}
	if cfg.Store.RetentionDays != 7 {
		t.Errorf("retention is %d, want 7", cfg.Store.RetentionDays)
	}
	if cfg.Engine.AgentTimeout() != 10*time.Second {
		t.Errorf("agent timeout is %s, want 10s", cfg.Engine.AgentTimeout())
	}
	if cfg.Approval.ThresholdValue != 1000 {
		t.Errorf("threshold is %.0f, want 1000", cfg.Approval.ThresholdValue)
	}
	if len(cfg.Approval.PolicyPaths) != 1 {
		t.Errorf("policy paths not applied: %v", cfg.Approval.PolicyPaths)
	}

	// Untouched sections keep their defaults.
	if cfg.Queue.Partitions != 8 || cfg.Queue.Capacity != 256 {
		t.Errorf("queue defaults lost: %+v", cfg.Queue)
	}
	if cfg.Engine.MaxSteps != 50 {
		t.Errorf("max steps default lost: %d", cfg.Engine.MaxSteps)
	}
	if cfg.Engine.MaxRetries != 5 {
		t.Errorf("max retries is %d, want 5", cfg.Engine.MaxRetries)
	}
	if cfg.Engine.MinimumConnectionMinutes != 45 {
		t.Errorf("minimum connection default lost: %d", cfg.Engine.MinimumConnectionMinutes)
	}
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad log level":    "telemetry:\n  log_level: chatty\n",
		"bad log format":   "telemetry:\n  log_format: xml\n",
		"zero partitions":  "queue:\n  partitions: 0\n",
		"zero retries":     "engine:\n  max_retries: 0\n",
		"empty store path": "store:\n  path: \"\"\n",
		"bad sampling":     "telemetry:\n  sampling_rate: 2.0\n",
		"not yaml":         "store: [unclosed\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestValidateCrossFieldRules(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.TracingEnabled = true
	cfg.Telemetry.TracingExporter = "otlp"
	cfg.Telemetry.TracingEndpoint = ""
	if err := cfg.Validate(); err == nil {
		t.Error("otlp tracing without endpoint accepted")
	}

	cfg = Default()
	cfg.Telemetry.MetricsEnabled = true
	cfg.Telemetry.MetricsListen = ""
	if err := cfg.Validate(); err == nil {
		t.Error("metrics without listen address accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Error("missing config file accepted")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bagtrail.yml")
	doc := "store:\n  path: test.db\n  retention_days: 14\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Store.Path != "test.db" || cfg.Store.RetentionDays != 14 {
		t.Errorf("file config not applied: %+v", cfg.Store)
	}
}

func TestToTelemetryMapping(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.LogLevel = "warn"
	cfg.Telemetry.LogFormat = "json"
	cfg.Telemetry.TracingEnabled = true
	cfg.Telemetry.TracingExporter = "stdout"
	cfg.Telemetry.SamplingRate = 0.25

	tc := cfg.ToTelemetry("1.2.3")
	if tc.ServiceVersion != "1.2.3" {
		t.Errorf("service version is %s, want 1.2.3", tc.ServiceVersion)
	}
	if tc.Logging.Level != "warn" || tc.Logging.Format != "json" {
		t.Errorf("logging not mapped: %+v", tc.Logging)
	}
	if !tc.Tracing.Enabled || tc.Tracing.SamplingRate != 0.25 {
		t.Errorf("tracing not mapped: %+v", tc.Tracing)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("mapped telemetry config invalid: %v", err)
	}
}
