package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNewRejectsInvalidFormat(t *testing.T) {
	_, err := New(Options{Level: "info", Format: "xml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optimizer.log")

	logger, err := New(Options{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Named("coordinator").Info("trained model")
	logger.Debug("filtered out")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "trained model", entry["message"])
	assert.Equal(t, "coordinator", entry["logger"])
	assert.Contains(t, entry, "timestamp")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
