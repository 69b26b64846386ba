package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/release-edge/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RELEASE_EDGE_STORAGE_BUCKET", "dist-prod")

	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "dist-prod", cfg.Storage.Bucket)
	assert.Equal(t, "auto", cfg.Storage.Region)
	assert.Equal(t, 5, cfg.Storage.RetryLimit)
	assert.Equal(t, int32(1000), cfg.Storage.MaxKeys)
	assert.Equal(t, "on", cfg.Listing.Mode)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.DetailedErrors())
}

func TestLoad_BucketRequired(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := config.Load("", nil)
	require.ErrorContains(t, err, "Bucket")
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "release-edge.yaml")
	content := `
environment: dev
storage:
  bucket: dist-staging
  endpoint: https://account.r2.cloudflarestorage.com
  access_key_id: key
  secret_access_key: secret
  operation_timeout: 5s
origin:
  host: https://origin.example.org
listing:
  mode: restricted
cache:
  enabled: false
log:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "dist-staging", cfg.Storage.Bucket)
	assert.Equal(t, "https://account.r2.cloudflarestorage.com", cfg.Storage.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.Storage.OperationTimeout)
	assert.Equal(t, "https://origin.example.org", cfg.Origin.Host)
	assert.Equal(t, "restricted", cfg.Listing.Mode)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.True(t, cfg.DetailedErrors())
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  bucket: from-file\nserver:\n  address: \":9000\"\n"), 0o644))

	t.Setenv("RELEASE_EDGE_STORAGE_BUCKET", "from-env")
	t.Setenv("RELEASE_EDGE_SERVER_ADDRESS", ":9001")

	cfg, err := config.Load(path, map[string]any{"server.address": ":9002", "log.level": nil})
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Storage.Bucket)
	assert.Equal(t, ":9002", cfg.Server.Address)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RELEASE_EDGE_STORAGE_BUCKET", "dist-prod")

	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"environment", "RELEASE_EDGE_ENVIRONMENT", "qa"},
		{"listing mode", "RELEASE_EDGE_LISTING_MODE", "maybe"},
		{"log format", "RELEASE_EDGE_LOG_FORMAT", "xml"},
		{"origin host", "RELEASE_EDGE_ORIGIN_HOST", "not a url"},
		{"half credentials", "RELEASE_EDGE_STORAGE_ACCESS_KEY_ID", "key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			_, err := config.Load("", nil)
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
}

func TestLoad_Hooks(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RELEASE_EDGE_STORAGE_BUCKET", "dist-prod")
	t.Setenv("RELEASE_EDGE_STORAGE_ACCESS_KEY_ID", "key")

	cfg, err := config.Load("", nil, func(c *config.Config) error {
		c.Storage.SecretAccessKey = "secret"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Storage.SecretAccessKey)

	boom := errors.New("boom")
	_, err = config.Load("", nil, func(*config.Config) error { return boom })
	require.ErrorIs(t, err, boom)
}
