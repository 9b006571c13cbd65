package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.Equal(t, "https://api.steampowered.com/ISteamApps/GetAppList/v2/", cfg.Steam.AppListURL)
	assert.Equal(t, "https://steamspy.com/api.php", cfg.Steam.AppDetailsURL)
	assert.Equal(t, 5, cfg.Steam.MaxRetries)
	assert.Equal(t, 2000, cfg.Steam.RequestIntervalMS)
	assert.Equal(t, 10, cfg.Steam.TimeoutSecs)
	assert.Equal(t, 20, cfg.Steam.ListTimeoutSecs)

	assert.Equal(t, "catalog-artifacts", cfg.Storage.Bucket)
	assert.Equal(t, "raw", cfg.Storage.RawPrefix)
	assert.Equal(t, "processed", cfg.Storage.ProcessedPrefix)

	assert.Equal(t, 100, cfg.Pipeline.SampleSize)
	assert.InDelta(t, 1.5, cfg.Pipeline.Headroom, 0.001)
	assert.InDelta(t, 0.01, cfg.Pipeline.ResampleFraction, 0.001)
	assert.Equal(t, 3, cfg.Pipeline.Workers)
}

func TestLoadFromYAML(t *testing.T) {
	chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: catalog.db
log:
  level: debug
  format: console
pipeline:
  sample_size: 10
  workers: 1
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "catalog.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 10, cfg.Pipeline.SampleSize)
	assert.Equal(t, 1, cfg.Pipeline.Workers)
	// Defaults still apply for unset values.
	assert.Equal(t, 2000, cfg.Steam.RequestIntervalMS)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("CATALOG_STORE_DRIVER", "postgres")
	t.Setenv("CATALOG_PIPELINE_WORKERS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Pipeline.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	require.Error(t, InitLogger(LogConfig{Level: "not-a-level", Format: "json"}))
}
