package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("tool invoked", slog.String(ToolKey, "fs/read"), slog.String(ServerKey, "srv-1"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tool invoked", entry["msg"])
	assert.Equal(t, "fs/read", entry["tool"])
	assert.Equal(t, "srv-1", entry["server_id"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), tt.in)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("GANTRY_DEBUG", "")
	t.Setenv("GANTRY_LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "text")

	cfg := FromEnv()
	assert.Equal(t, "error", cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)

	t.Setenv("GANTRY_DEBUG", "1")
	cfg = FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}

func TestSanitizeAPIKey(t *testing.T) {
	assert.Equal(t, "[REDACTED]", SanitizeAPIKey("abc"))
	assert.Equal(t, "...wxyz", SanitizeAPIKey("gk_live_0123456789wxyz"))
	assert.Equal(t, "[REDACTED]", SanitizeSecret("anything"))
}
