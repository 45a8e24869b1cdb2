package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"switchboard/internal/config"
)

func TestNewWritesJSONAtLevel(t *testing.T) {
	out := filepath.Join(t.TempDir(), "app.log")
	logger, err := New(config.LoggingConfig{Level: "warn", Encoding: "json", OutputPaths: []string{out}})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", zap.String("task_id", "t-1"))
	_ = logger.Sync()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "t-1", entry["task_id"])
	assert.Contains(t, entry, "timestamp")
}

func TestNewFallsBackOnBadLevel(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "chatty"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}
