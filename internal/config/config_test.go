package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[server]
addr = "127.0.0.1:9090"
allowed_origins = ["http://localhost:3000"]

[orchestrator]
dispatch_interval_ms = 250
default_max_attempts = 5

[router]
max_text_length = 100
sensitive_keys = ["email", "card"]

[policy]
default_effect = "deny"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 250, cfg.Orchestrator.DispatchIntervalMS)
	assert.Equal(t, 5, cfg.Orchestrator.DefaultMaxAttempts)
	assert.Equal(t, 30000, cfg.Orchestrator.HealthIntervalMS, "unset keys keep defaults")
	assert.Equal(t, 100, cfg.Router.MaxTextLength)
	assert.Equal(t, []string{"email", "card"}, cfg.Router.SensitiveKeys)
	assert.Equal(t, "deny", cfg.Policy.DefaultEffect)
	assert.Equal(t, path, cfg.Path)
	assert.Contains(t, cfg.Raw, "router")
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[policy]\ndefault_effect = \"maybe\"\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoadMissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
	assert.Empty(t, cfg.Path)
}

func TestMillis(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, Millis(1500))
}
