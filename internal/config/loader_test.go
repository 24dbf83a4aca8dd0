package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
  format: json
storage:
  uri: redis://localhost:6379/0
  prefix: "scene1/"
worker:
  ray_budget: 64
  fetch_timeout: 3s
render:
  width: 320
  height: 240
`), 0o644))

	t.Setenv("CLOUDRT_WORKER_RAY_BUDGET", "128")
	t.Setenv("CLOUDRT_COORDINATOR_EXPECTED_WORKERS", "4")
	t.Setenv("CLOUDRT_WORKER_HEARTBEAT_INTERVAL", "750ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Storage.URI)
	assert.Equal(t, "scene1/", cfg.Storage.Prefix)
	assert.Equal(t, 128, cfg.Worker.RayBudget)
	assert.Equal(t, 3*time.Second, cfg.Worker.FetchTimeout)
	assert.Equal(t, 750*time.Millisecond, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 4, cfg.Coordinator.ExpectedWorkers)
	assert.Equal(t, 320, cfg.Render.Width)
	assert.Equal(t, 240, cfg.Render.Height)
	// untouched values keep their defaults
	assert.Equal(t, Default().Worker.MaxPendingRays, cfg.Worker.MaxPendingRays)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Storage.URI = " "
	cfg.Worker.RayBudget = 0
	cfg.Render.MaxDepth = 300
	cfg.Worker.FetchTimeout = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.uri is required")
	assert.Contains(t, err.Error(), "worker.ray_budget")
	assert.Contains(t, err.Error(), "render.max_depth")
	assert.Contains(t, err.Error(), "worker.fetch_timeout")
}
