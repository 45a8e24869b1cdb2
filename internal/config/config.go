package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server       ServerConfig       `toml:"server"`
	Store        StoreConfig        `toml:"store"`
	Logging      LoggingConfig      `toml:"logging"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Router       RouterConfig       `toml:"router"`
	Policy       PolicyConfig       `toml:"policy"`
	Raw          map[string]any     `toml:"-"`
	Path         string             `toml:"-"`
}

type ServerConfig struct {
	Addr              string   `toml:"addr"`
	AllowedOrigins    []string `toml:"allowed_origins"`
	ShutdownTimeoutMS int      `toml:"shutdown_timeout_ms"`
}

type StoreConfig struct {
	DBPath string `toml:"db_path"`
}

type LoggingConfig struct {
	Level       string   `toml:"level"`
	Encoding    string   `toml:"encoding"`
	OutputPaths []string `toml:"output_paths"`
}

type OrchestratorConfig struct {
	DispatchIntervalMS   int `toml:"dispatch_interval_ms"`
	HealthIntervalMS     int `toml:"health_interval_ms"`
	MetricsIntervalMS    int `toml:"metrics_interval_ms"`
	RetentionIntervalMS  int `toml:"retention_interval_ms"`
	RetentionHours       int `toml:"retention_hours"`
	PerAgentBatch        int `toml:"per_agent_batch"`
	DefaultMaxAttempts   int `toml:"default_max_attempts"`
	DefaultTaskTimeoutMS int `toml:"default_task_timeout_ms"`
	ProbeTimeoutMS       int `toml:"probe_timeout_ms"`
	ProbeConcurrency     int `toml:"probe_concurrency"`
}

type RouterConfig struct {
	MaxTextLength       int      `toml:"max_text_length"`
	DefaultRetryLimit   int      `toml:"default_retry_limit"`
	DefaultTTLMS        int      `toml:"default_ttl_ms"`
	RealtimeTimeoutMS   int      `toml:"realtime_timeout_ms"`
	RedeliverIntervalMS int      `toml:"redeliver_interval_ms"`
	SensitiveKeys       []string `toml:"sensitive_keys"`
}

type PolicyConfig struct {
	// DefaultEffect is "allow" or "deny" and applies when no channel grant matches.
	DefaultEffect string `toml:"default_effect"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ShutdownTimeoutMS: 10000,
		},
		Store: StoreConfig{DBPath: "switchboard.db"},
		Logging: LoggingConfig{
			Level:       "info",
			Encoding:    "json",
			OutputPaths: []string{"stderr"},
		},
		Orchestrator: OrchestratorConfig{
			DispatchIntervalMS:   1000,
			HealthIntervalMS:     30000,
			MetricsIntervalMS:    60000,
			RetentionIntervalMS:  3600000,
			RetentionHours:       7 * 24,
			PerAgentBatch:        5,
			DefaultMaxAttempts:   3,
			DefaultTaskTimeoutMS: 60000,
			ProbeTimeoutMS:       5000,
			ProbeConcurrency:     8,
		},
		Router: RouterConfig{
			MaxTextLength:       4000,
			DefaultRetryLimit:   3,
			DefaultTTLMS:        24 * 3600 * 1000,
			RealtimeTimeoutMS:   5000,
			RedeliverIntervalMS: 5000,
		},
		Policy: PolicyConfig{DefaultEffect: "allow"},
	}
}

// Load reads the TOML file at path over the defaults. An empty path falls
// back to ~/.switchboard/config.toml, and a missing default file is not an
// error.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if !explicit {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	cfg := Default()
	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Policy.DefaultEffect {
	case "", "allow", "deny":
	default:
		return fmt.Errorf("policy.default_effect must be allow or deny, got %q", c.Policy.DefaultEffect)
	}
	if c.Router.MaxTextLength < 0 {
		return fmt.Errorf("router.max_text_length must not be negative")
	}
	if c.Orchestrator.DefaultMaxAttempts < 0 {
		return fmt.Errorf("orchestrator.default_max_attempts must not be negative")
	}
	return nil
}

func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".switchboard/config.toml"
	}
	return filepath.Join(home, ".switchboard", "config.toml")
}
