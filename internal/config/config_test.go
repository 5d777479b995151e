package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Sync.DrainInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Sync.DebounceWindow)
	assert.Equal(t, 3, cfg.Execution.MaxConcurrency)
	assert.Equal(t, "timestamp", cfg.Sync.ConflictPolicy)
	assert.Equal(t, 24*time.Hour, cfg.Trailing.StaleAfter)
}

func TestLoad_OverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
app:
  environment: production
sync:
  batch_size: 25
  conflict_policy: remote
risk:
  blacklist: ["acc-9"]
trailing:
  point_values:
    XAUUSD: 0.1
database:
  in_memory: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.App.Environment)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, "remote", cfg.Sync.ConflictPolicy)
	assert.Equal(t, []string{"acc-9"}, cfg.Risk.Blacklist)
	assert.InDelta(t, 0.1, cfg.Trailing.PointValues["xauusd"], 1e-12)
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	cfg.Sync.BatchSize = 0
	cfg.Sync.ConflictPolicy = "newest"
	cfg.Execution.MaxConcurrency = 0

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.batch_size")
	assert.Contains(t, err.Error(), "sync.conflict_policy")
	assert.Contains(t, err.Error(), "execution.max_concurrency")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
