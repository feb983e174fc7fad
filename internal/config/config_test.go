package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.LLM.Provider != "gemini" {
		t.Errorf("expected gemini, got %s", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "gemini-2.5-flash" {
		t.Errorf("expected gemini-2.5-flash, got %s", cfg.LLM.Model)
	}
}

func TestDefaultConfigOrchestrationSections(t *testing.T) {
	cfg := Default()
	if cfg.Router.BreakerThreshold != 5 {
		t.Errorf("expected breaker threshold 5, got %d", cfg.Router.BreakerThreshold)
	}
	if cfg.Budget.DefaultPeriod != "daily" {
		t.Errorf("expected daily budget period, got %s", cfg.Budget.DefaultPeriod)
	}
	if cfg.Bus.HistoryCapacity != 1000 {
		t.Errorf("expected history capacity 1000, got %d", cfg.Bus.HistoryCapacity)
	}
	if cfg.KV.Backend != "memory" {
		t.Errorf("expected memory kv backend, got %s", cfg.KV.Backend)
	}
	if cfg.Experiments.DefaultMinSampleSize != 100 {
		t.Errorf("expected default min sample size 100, got %d", cfg.Experiments.DefaultMinSampleSize)
	}
	if cfg.Shutdown.DrainTimeout.Seconds() != 30 {
		t.Errorf("expected 30s drain timeout, got %v", cfg.Shutdown.DrainTimeout)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[llm]
model = "gemini-2.5-pro"

[budget]
default_period = "monthly"
`), 0644)

	cfg := Load(path)
	if cfg.LLM.Model != "gemini-2.5-pro" {
		t.Errorf("expected gemini-2.5-pro, got %s", cfg.LLM.Model)
	}
	if cfg.Budget.DefaultPeriod != "monthly" {
		t.Errorf("expected monthly, got %s", cfg.Budget.DefaultPeriod)
	}
	// Defaults preserved
	if cfg.LLM.Provider != "gemini" {
		t.Errorf("default should be preserved, got %s", cfg.LLM.Provider)
	}
	if cfg.KV.Backend != "memory" {
		t.Errorf("default should be preserved, got %s", cfg.KV.Backend)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RELAY_LLM_API_KEY", "env-key")
	t.Setenv("RELAY_KV_BACKEND", "postgres")
	t.Setenv("RELAY_KV_DSN", "postgres://localhost/relay")

	cfg := Load("/nonexistent/path.toml")
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.LLM.APIKey)
	}
	if cfg.KV.Backend != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.KV.Backend)
	}
	if cfg.KV.DSN != "postgres://localhost/relay" {
		t.Errorf("expected dsn override, got %s", cfg.KV.DSN)
	}
}

func TestEnvOverrideObserverEnabled(t *testing.T) {
	t.Setenv("RELAY_OBSERVER_ENABLED", "1")
	cfg := Load("/nonexistent/path.toml")
	if !cfg.Observer.Enabled {
		t.Error("expected observer enabled from env override")
	}
}
