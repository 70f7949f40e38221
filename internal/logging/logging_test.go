package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mediaup/internal/config"
)

func TestConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mediaup.log")
	var console bytes.Buffer

	logger, closeFn, err := build(config.LogConfig{Level: "info", Format: "console", File: path, MaxSizeMB: 1}, &console)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("uploaded", zap.String("remote_id", "r1"))
	require.NoError(t, closeFn())

	assert.Contains(t, console.String(), "uploaded")
	assert.NotContains(t, console.String(), "hidden")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "uploaded", entry["msg"])
	assert.Equal(t, "r1", entry["remote_id"])
}

func TestJSONConsole(t *testing.T) {
	var console bytes.Buffer
	logger, closeFn, err := build(config.LogConfig{Level: "debug", Format: "json"}, &console)
	require.NoError(t, err)
	logger.Debug("probe")
	require.NoError(t, closeFn())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(console.Bytes()), &entry))
	assert.Equal(t, "debug", entry["level"])
}

func TestBadLevel(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "chatty"})
	require.Error(t, err)
}
