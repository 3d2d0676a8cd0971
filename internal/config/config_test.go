package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, time.Hour, cfg.Cache.TTL())
	assert.Equal(t, 5, cfg.Queue.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Upstream.RequestTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Upstream.CurrentWindow)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oracle.yaml")
	body := `
store:
  dsn: postgres://file-dsn/prices
cache:
  ttl_seconds: 120
queue:
  name: file-queue
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("STORE_URI", "postgres://env-dsn/prices")
	t.Setenv("CACHE_TTL_SECONDS", "90")
	t.Setenv("UPSTREAM_API_KEY", "cg-test-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Env wins over file, file wins over defaults.
	assert.Equal(t, "postgres://env-dsn/prices", cfg.Store.DSN)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL())
	assert.Equal(t, "file-queue", cfg.Queue.Name)
	assert.Equal(t, "cg-test-key", cfg.Upstream.APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestBadTTLEnvIgnored(t *testing.T) {
	t.Setenv("CACHE_TTL_SECONDS", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Cache.TTL())
}
