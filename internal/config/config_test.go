package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
provider:
  platform: coinapi
  api_key: test-key
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":3010", cfg.App.HTTPAddr)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "data", cfg.Storage.DataDir)
	assert.Equal(t, "local_storage", cfg.Storage.StateDir)
	assert.Equal(t, 1000, cfg.Download.PageLimit)
	assert.Equal(t, 100, cfg.Download.RateLimitPerMin)
	assert.Equal(t, 5, cfg.Download.MaxAttempts)
	assert.Equal(t, 0.5, cfg.Download.MaxGapRatio)
}

func TestLoadOverrides(t *testing.T) {
	path := writeTempConfig(t, `
app:
  http_addr: ":8080"
  log_level: debug
provider:
  platform: binance
download:
  page_limit: 500
  max_concurrent: 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.App.HTTPAddr)
	assert.Equal(t, "binance", cfg.Provider.Platform)
	assert.Equal(t, 500, cfg.Download.PageLimit)
	assert.Equal(t, 4, cfg.Download.MaxConcurrent)
}

func TestLoadValidation(t *testing.T) {
	path := writeTempConfig(t, `
download:
  backoff_base_seconds: 10
  backoff_cap_seconds: 2
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff_cap_seconds")

	path = writeTempConfig(t, `
download:
  max_gap_ratio: 1.5
`)
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_gap_ratio")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefault(path))

	// 生成的样例必须能被 Load 读取
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "coinapi", cfg.Provider.Platform)

	// 已存在时拒绝覆盖
	assert.Error(t, WriteDefault(path))
}
