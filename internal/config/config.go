package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM         LLMConfig         `toml:"llm"`
	Observer    ObserverConfig    `toml:"observer"`
	Router      RouterConfig      `toml:"router"`
	Budget      BudgetConfig      `toml:"budget"`
	Bus         BusConfig         `toml:"bus"`
	Shutdown    ShutdownConfig    `toml:"shutdown"`
	KV          KVConfig          `toml:"kv"`
	Versioning  VersioningConfig  `toml:"versioning"`
	Experiments ExperimentsConfig `toml:"experiments"`
}

// RouterConfig tunes the Provider Router's tier table and circuit
// breaker defaults, applied to every ProviderConfig registered at
// startup unless a provider overrides them.
type RouterConfig struct {
	HealthCheckInterval time.Duration `toml:"health_check_interval"`
	BreakerThreshold    int           `toml:"breaker_threshold"`
	BreakerCoolOff      time.Duration `toml:"breaker_cool_off"`
}

// BudgetConfig sets the Budget Enforcer's default accounting period.
// AlertThresholds holds alert thresholds as fractions of the period
// budget (e.g. 0.8 = 80%); AlertManager does not read it and uses its
// own fixed 0.80/0.90/0.95 ladder.
type BudgetConfig struct {
	DefaultPeriod   string    `toml:"default_period"` // "daily" | "monthly"
	AlertThresholds []float64 `toml:"alert_thresholds"`
}

// BusConfig sizes the Event Bus's bounded history deque.
type BusConfig struct {
	HistoryCapacity int `toml:"history_capacity"`
}

// ShutdownConfig sets per-phase wait timeouts for the Graceful Shutdown
// sequence (stop-accepting, drain, cleanup).
type ShutdownConfig struct {
	StopAcceptingTimeout time.Duration `toml:"stop_accepting_timeout"`
	DrainTimeout         time.Duration `toml:"drain_timeout"`
	CleanupTimeout       time.Duration `toml:"cleanup_timeout"`
}

// KVConfig selects the backend behind kv.Adapter.
type KVConfig struct {
	Backend string `toml:"backend"` // "memory" | "postgres"
	DSN     string `toml:"dsn"`
}

// VersioningConfig points the VersionManager at its storage backend.
type VersioningConfig struct {
	StoragePath string `toml:"storage_path"`
}

// ExperimentsConfig sets default A/B testing parameters for
// experiments that don't specify their own.
type ExperimentsConfig struct {
	DefaultConfidenceLevel float64 `toml:"default_confidence_level"`
	DefaultMinSampleSize   int     `toml:"default_min_sample_size"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		LLM: LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash"},
		Router: RouterConfig{
			HealthCheckInterval: 30 * time.Second,
			BreakerThreshold:    5,
			BreakerCoolOff:      time.Minute,
		},
		Budget: BudgetConfig{
			DefaultPeriod:   "daily",
			AlertThresholds: []float64{0.8, 0.95},
		},
		Bus: BusConfig{HistoryCapacity: 1000},
		Shutdown: ShutdownConfig{
			StopAcceptingTimeout: 5 * time.Second,
			DrainTimeout:         30 * time.Second,
			CleanupTimeout:       10 * time.Second,
		},
		KV: KVConfig{Backend: "memory"},
		Versioning: VersioningConfig{
			StoragePath: filepath.Join(home, "relay-workspace", "versions.db"),
		},
		Experiments: ExperimentsConfig{
			DefaultConfidenceLevel: 0.95,
			DefaultMinSampleSize:   100,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "relay.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("RELAY_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if os.Getenv("RELAY_OBSERVER_ENABLED") == "true" || os.Getenv("RELAY_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("RELAY_KV_BACKEND"); v != "" {
		cfg.KV.Backend = v
	}
	if v := os.Getenv("RELAY_KV_DSN"); v != "" {
		cfg.KV.DSN = v
	}
	if v := os.Getenv("RELAY_VERSIONING_STORAGE_PATH"); v != "" {
		cfg.Versioning.StoragePath = v
	}

	return cfg
}
