package logger

import (
	"os"
	"path/filepath"
	"testing"

	"cloudrt/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "worker.log")
	err := InitLogger(config.LogConfig{
		Level:    "info",
		Format:   "json",
		Output:   "file",
		FilePath: path,
	})
	require.NoError(t, err)

	l := Component("worker")
	l.Info().Uint64("worker_id", 3).Msg("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"worker"`)
	assert.Contains(t, string(data), `"message":"hello"`)
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
