package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 64<<10, cfg.BlobThresholdBytes)
	assert.Equal(t, 100, cfg.ExecutionPageSize)
	assert.Equal(t, 2*time.Second, cfg.PollInterval.Std())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
blob_threshold_bytes: 1024
poll_interval: 500ms
mongo:
  database: obs_test
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.BlobThresholdBytes)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval.Std())
	assert.Equal(t, "obs_test", cfg.Mongo.Database)
	// Unset fields keep their defaults.
	assert.Equal(t, 100, cfg.ExecutionPageSize)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("execution_page_size: -1\n"), 0o600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "execution_page_size")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
