package application

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"engineroom-monitor/internal/alarms/engine"
)

func writeEngineConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ENGINE_CONFIG", path)
}

func TestLoadEngineConfigDefaults(t *testing.T) {
	t.Setenv("ENGINE_CONFIG", "")

	cfg, err := LoadEngineConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EnginePolicy() != engine.PolicyAll {
		t.Fatalf("policy = %q, want all", cfg.Policy)
	}
	if cfg.RefreshInterval.Std() != 30*time.Second {
		t.Fatalf("refresh = %s, want 30s", cfg.RefreshInterval.Std())
	}
	if cfg.Workers != defaultPoolWorkers || cfg.QueueSize != defaultPoolQueueSize {
		t.Fatalf("pool defaults = %d/%d", cfg.Workers, cfg.QueueSize)
	}
	if cfg.WriteRetries != 2 || cfg.RetryBackoff.Std() != 200*time.Millisecond {
		t.Fatalf("retry defaults = %d/%s", cfg.WriteRetries, cfg.RetryBackoff.Std())
	}
	if cfg.Notify.RequestTimeout.Std() != 5*time.Second {
		t.Fatalf("notify timeout = %s", cfg.Notify.RequestTimeout.Std())
	}
	if cfg.Recompute.Schedule != "" {
		t.Fatalf("recompute should be off by default")
	}
}

func TestLoadEngineConfigOverlay(t *testing.T) {
	writeEngineConfig(t, `
policy: most-severe
refresh_interval: 10s
workers: 8
queue_size: 256
write_retries: 5
retry_backoff: 1s
notify:
  template: "[{{.Severity}}] {{.FaultName}}"
  escalation_after: 15m
  cooldown: 1m
recompute:
  schedule: "0 3 * * *"
`)

	cfg, err := LoadEngineConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EnginePolicy() != engine.PolicyMostSevere {
		t.Fatalf("policy = %q", cfg.Policy)
	}
	if cfg.RefreshInterval.Std() != 10*time.Second || cfg.Workers != 8 || cfg.QueueSize != 256 {
		t.Fatalf("overlay not applied: %+v", cfg)
	}
	if cfg.WriteRetries != 5 || cfg.RetryBackoff.Std() != time.Second {
		t.Fatalf("retry overlay not applied: %+v", cfg)
	}
	if cfg.Notify.Template == "" || cfg.Notify.EscalationAfter.Std() != 15*time.Minute {
		t.Fatalf("notify overlay not applied: %+v", cfg.Notify)
	}
	if cfg.Notify.Cooldown.Std() != time.Minute {
		t.Fatalf("cooldown = %s", cfg.Notify.Cooldown.Std())
	}
	// Unset fields keep their defaults.
	if cfg.Notify.RequestTimeout.Std() != 5*time.Second {
		t.Fatalf("timeout default lost: %s", cfg.Notify.RequestTimeout.Std())
	}
	if cfg.Recompute.Schedule != "0 3 * * *" {
		t.Fatalf("schedule = %q", cfg.Recompute.Schedule)
	}
}

func TestLoadEngineConfigRejectsUnknownPolicy(t *testing.T) {
	writeEngineConfig(t, "policy: loudest\n")

	if _, err := LoadEngineConfig(); err == nil {
		t.Fatalf("want policy error")
	}
}

func TestLoadEngineConfigRejectsBadDuration(t *testing.T) {
	writeEngineConfig(t, "refresh_interval: soon\n")

	if _, err := LoadEngineConfig(); err == nil {
		t.Fatalf("want duration error")
	}
}
