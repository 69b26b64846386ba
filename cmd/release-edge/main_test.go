package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
)

func TestGlobalsOverrides(t *testing.T) {
	g := Globals{LogLevel: "debug"}
	got := g.overrides(map[string]any{"server.address": ":9090"})
	require.Equal(t, map[string]any{"log.level": "debug", "server.address": ":9090"}, got)

	require.Empty(t, (&Globals{}).overrides(nil))
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, parseLevel("warning"))
	require.Equal(t, slog.LevelError, parseLevel("error"))
	require.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestCLIParse(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	require.NoError(t, err)

	ctx, err := parser.Parse([]string{"--log-format", "json", "import-listings", "--prefix", "nodejs/release/", "--db", "/tmp/l.db"})
	require.NoError(t, err)
	require.Equal(t, "import-listings", ctx.Command())
	require.Equal(t, "json", cli.LogFormat)
	require.Equal(t, "nodejs/release/", cli.ImportListings.Prefix)

	_, err = parser.Parse([]string{"import-listings", "--prefix", "a/", "--file", "main.go"})
	require.Error(t, err)
}

func TestLoadConfig_CredentialsFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("RELEASE_EDGE_STORAGE_BUCKET", "dist-prod")
	t.Setenv("RELEASE_EDGE_STORAGE_ACCESS_KEY_ID", "key")
	t.Setenv("EDGE_TEST_SECRET", "s3cret")

	creds := filepath.Join(dir, "secrets.json.tmpl")
	require.NoError(t, os.WriteFile(creds, []byte(`{
		"purge_api_key": "purge-key",
		"storage": {"secret_access_key": {{ env "EDGE_TEST_SECRET" | json }}}
	}`), 0o600))
	t.Setenv("RELEASE_EDGE_DATA_CREDENTIALS_FILE", creds)

	cfg, err := loadConfig(context.Background(), &Globals{}, nil)
	require.NoError(t, err)
	require.Equal(t, "purge-key", cfg.Purge.APIKey)
	require.Equal(t, "s3cret", cfg.Storage.SecretAccessKey)
}
