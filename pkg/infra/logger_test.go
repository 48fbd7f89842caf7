package infra

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLoggerLevelAndFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	logger := SetupLogger("WARN", "JSON", path)

	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	logger.Warn("backlog high", "count", 3)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "backlog high", rec["msg"])
	assert.EqualValues(t, 3, rec["count"])
}

func TestSetupLoggerSurvivesUnwritableFile(t *testing.T) {
	logger := SetupLogger("INFO", "TEXT", filepath.Join(t.TempDir(), "missing", "x.log"))
	require.NotNil(t, logger)
	logger.Info("still logging to stdout")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("Error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("nonsense"))
}
