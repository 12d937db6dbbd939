package application

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"engineroom-monitor/internal/alarms/engine"
)

// Duration decodes Go duration strings ("30s", "5m") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("engine config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the stdlib duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// NotifyConfig tunes outbound alarm notifications.
type NotifyConfig struct {
	Template        string   `yaml:"template"`
	EscalationAfter Duration `yaml:"escalation_after"`
	Cooldown        Duration `yaml:"cooldown"`
	DedupeWindow    Duration `yaml:"dedupe_window"`
	RequestTimeout  Duration `yaml:"request_timeout"`
}

// RecomputeConfig schedules the full alarm recompute. An empty schedule
// disables it; the recompute CLI stays available either way.
type RecomputeConfig struct {
	Schedule string `yaml:"schedule"`
}

// EngineConfig tunes the evaluation pipeline. Loaded from the YAML file
// named by ENGINE_CONFIG; every field has a default, so the file is
// optional.
type EngineConfig struct {
	Policy          string          `yaml:"policy"`
	RefreshInterval Duration        `yaml:"refresh_interval"`
	Workers         int             `yaml:"workers"`
	QueueSize       int             `yaml:"queue_size"`
	WriteRetries    int             `yaml:"write_retries"`
	RetryBackoff    Duration        `yaml:"retry_backoff"`
	Notify          NotifyConfig    `yaml:"notify"`
	Recompute       RecomputeConfig `yaml:"recompute"`
}

// EnginePolicy returns the configured multiplicity policy.
func (c EngineConfig) EnginePolicy() engine.Policy {
	return engine.Policy(c.Policy)
}

// LoadEngineConfig builds the engine configuration from defaults plus an
// optional YAML overlay.
func LoadEngineConfig() (EngineConfig, error) {
	cfg := EngineConfig{
		Policy:          string(engine.PolicyAll),
		RefreshInterval: Duration(30 * time.Second),
		Workers:         defaultPoolWorkers,
		QueueSize:       defaultPoolQueueSize,
		WriteRetries:    2,
		RetryBackoff:    Duration(200 * time.Millisecond),
		Notify: NotifyConfig{
			RequestTimeout: Duration(5 * time.Second),
		},
	}

	if path := os.Getenv("ENGINE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("engine config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("engine config: %w", err)
		}
	}

	if !cfg.EnginePolicy().Valid() {
		return cfg, fmt.Errorf("engine config: unknown policy %q", cfg.Policy)
	}
	if cfg.RefreshInterval <= 0 {
		return cfg, fmt.Errorf("engine config: refresh interval must be positive")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultPoolWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultPoolQueueSize
	}
	if cfg.WriteRetries < 0 {
		cfg.WriteRetries = 0
	}
	return cfg, nil
}
