package resolve

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testAliases() AliasMap {
	return AliasMap{
		"nodejs/release/latest":          "nodejs/release/v22.1.0",
		"nodejs/release/latest-v20.x":    "nodejs/release/v20.20.2",
		"nodejs/release/latest-hydrogen": "nodejs/release/v18.20.4",
		"nodejs/docs/latest":             "nodejs/release/v22.1.0/docs",
		"nodejs/docs/latest-v20.x":       "nodejs/release/v20.20.2/docs",
	}
}

func TestBucketPath_PrefixTemplates(t *testing.T) {
	r := New(testAliases(), ListingOn)

	tests := []struct {
		path string
		want string
	}{
		{"/dist", "nodejs/release/"},
		{"/dist/", "nodejs/release/"},
		{"/dist/index.json", "nodejs/release/index.json"},
		{"/download", "nodejs/"},
		{"/download/release", "nodejs/release"},
		{"/download/nightly/", "nodejs/nightly/"},
		{"/docs", "nodejs/docs/"},
		{"/docs/v0.10.0/api/", "nodejs/docs/v0.10.0/api/"},
		{"/api", "nodejs/release/v22.1.0/docs/api/"},
		{"/api/fs.html", "nodejs/release/v22.1.0/docs/api/fs.html"},
		{"/metrics/summaries/total.csv", "metrics/summaries/total.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := r.BucketPath(tt.path)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBucketPath_Aliases(t *testing.T) {
	r := New(testAliases(), ListingOn)

	tests := []struct {
		path string
		want string
	}{
		{"/dist/latest-v20.x", "nodejs/release/v20.20.2/"},
		{"/dist/latest-v20.x/", "nodejs/release/v20.20.2/"},
		{"/dist/latest-v20.x/SHASUMS256.txt", "nodejs/release/v20.20.2/SHASUMS256.txt"},
		{"/docs/latest/api/fs.html", "nodejs/release/v22.1.0/docs/api/fs.html"},
		{"/download/release/latest-hydrogen/node.tar.gz", "nodejs/release/v18.20.4/node.tar.gz"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := r.BucketPath(tt.path)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBucketPath_UnknownPrefix(t *testing.T) {
	got, err := New(nil, ListingOn).BucketPath("/unknown-base-path")
	require.NoError(t, err)
	require.Equal(t, "unknown-base-path", got)

	_, err = New(nil, ListingRestricted).BucketPath("/unknown-base-path")
	require.ErrorIs(t, err, ErrRejected)
}

func TestBucketPath_Decodes(t *testing.T) {
	got, err := New(nil, ListingOn).BucketPath("/dist/v20.0.0/node%20v20.pkg")
	require.NoError(t, err)
	require.Equal(t, "nodejs/release/v20.0.0/node v20.pkg", got)

	_, err = New(nil, ListingOn).BucketPath("/dist/%zz")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRejected)
}

func TestBucketPath_SlashAndNoSlashAgree(t *testing.T) {
	r := New(testAliases(), ListingOn)
	for _, p := range []string{"/dist", "/download", "/docs", "/api", "/dist/latest-v20.x", "/docs/latest"} {
		withoutSlash, err := r.BucketPath(p)
		require.NoError(t, err)
		withSlash, err := r.BucketPath(p + "/")
		require.NoError(t, err)
		require.Equal(t, withSlash, withoutSlash, p)
	}
}

func TestIsDirectory(t *testing.T) {
	r := New(testAliases(), ListingOn)

	dirs := []string{"/dist/", "/dist", "/dist/latest-v20.x", "/dist/v20.20.2", "/docs/latest/api"}
	for _, p := range dirs {
		key, err := r.BucketPath(p)
		require.NoError(t, err)
		require.True(t, IsDirectory(key), p)
	}

	files := []string{"/dist/index.json", "/download/release/latest/win-x64/node_pdb.7z", "/dist/v20.20.2/node-v20.20.2.tar.gz"}
	for _, p := range files {
		key, err := r.BucketPath(p)
		require.NoError(t, err)
		require.False(t, IsDirectory(key), p)
	}
}

func TestIsDirectory_DotBeforeFinalSlash(t *testing.T) {
	require.True(t, IsDirectory("nodejs/release/v21.2.0/docs/api"))
	require.True(t, IsDirectory("nodejs/release/v21.2.0/docs"))
	require.False(t, IsDirectory("nodejs/release/v21.2.0/docs/api/fs.html"))
}

func TestVirtualSubdirectories(t *testing.T) {
	r := New(testAliases(), ListingOn)

	require.Equal(t,
		[]string{"latest/", "latest-hydrogen/", "latest-v20.x/"},
		r.VirtualSubdirectories("nodejs/release/"),
	)
	require.Equal(t, []string{"latest/", "latest-v20.x/"}, r.VirtualSubdirectories("nodejs/docs"))
	require.Empty(t, r.VirtualSubdirectories("nodejs/release/v20.20.2/"))
}

func TestCanonicalURLPath(t *testing.T) {
	require.Equal(t, "/dist/", CanonicalURLPath("nodejs/release/"))
	require.Equal(t, "/dist/v20.0.0/node.tar.gz", CanonicalURLPath("nodejs/release/v20.0.0/node.tar.gz"))
	require.Equal(t, "/docs/v0.10.0/", CanonicalURLPath("nodejs/docs/v0.10.0/"))
	require.Equal(t, "/download/nightly/", CanonicalURLPath("nodejs/nightly/"))
	require.Equal(t, "/metrics/x.csv", CanonicalURLPath("metrics/x.csv"))
}

func TestURLPaths_Release(t *testing.T) {
	r := New(testAliases(), ListingRestricted)

	paths := r.URLPaths("nodejs/release/v22.1.0/index.json")
	require.Equal(t, []string{
		"/dist/",
		"/download/release/",
		"/dist/v22.1.0/index.json",
		"/download/release/v22.1.0/index.json",
		"/dist/latest/",
		"/download/release/latest/",
		"/dist/latest-hydrogen/",
		"/download/release/latest-hydrogen/",
		"/dist/latest-v20.x/",
		"/download/release/latest-v20.x/",
	}, paths)
}

func TestURLPaths_Docs(t *testing.T) {
	r := New(testAliases(), ListingOn)

	paths := r.URLPaths("nodejs/docs/latest/api/assert.html")
	require.Contains(t, paths, "/docs/")
	require.Contains(t, paths, "/download/docs/")
	require.Contains(t, paths, "/docs/latest/api/assert.html")
	require.Contains(t, paths, "/download/docs/latest/api/assert.html")
	require.Contains(t, paths, "/api/assert.html")
	require.Contains(t, paths, "/docs/latest-v20.x/")
}

func TestURLPaths_Other(t *testing.T) {
	on := New(nil, ListingOn)
	restricted := New(nil, ListingRestricted)

	require.Equal(t, []string{"/download/nightly/"}, on.URLPaths("nodejs/nightly/"))
	require.Equal(t, []string{"/metrics/a.csv"}, restricted.URLPaths("metrics/a.csv"))
	require.Equal(t, []string{"/something"}, on.URLPaths("something"))
	require.Nil(t, restricted.URLPaths("something"))
}

func TestLoadAliasMap(t *testing.T) {
	pairs := `[["nodejs/release/latest", "nodejs/release/v22.1.0/"]]`
	m, err := LoadAliasMap(strings.NewReader(pairs))
	require.NoError(t, err)
	require.Equal(t, "nodejs/release/v22.1.0", m["nodejs/release/latest"])

	object := `{"nodejs/docs/latest": "nodejs/release/v22.1.0/docs"}`
	m, err = LoadAliasMap(strings.NewReader(object))
	require.NoError(t, err)
	require.Equal(t, "nodejs/release/v22.1.0/docs", m["nodejs/docs/latest"])

	_, err = LoadAliasMap(strings.NewReader(`{"nodejs/latest": "x"}`))
	require.Error(t, err)
}

func TestLoadLatestVersions(t *testing.T) {
	m, err := LoadLatestVersions(strings.NewReader(`{"latest": "v22.1.0", "latest-v20.x": "v20.20.2"}`))
	require.NoError(t, err)
	require.Equal(t, []string{"latest-v20.x", "latest"}, m.Branches())

	_, err = LoadLatestVersions(strings.NewReader(`{"latest": "a/b"}`))
	require.Error(t, err)
}

func TestLoadFiles(t *testing.T) {
	aliases, err := LoadAliasMapFile("")
	require.NoError(t, err)
	require.Empty(t, aliases)

	latest, err := LoadLatestVersionsFile("")
	require.NoError(t, err)
	require.Empty(t, latest)

	path := filepath.Join(t.TempDir(), "latest.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"latest": "v22.1.0"}`), 0o600))
	latest, err = LoadLatestVersionsFile(path)
	require.NoError(t, err)
	require.Equal(t, "v22.1.0", latest["latest"])

	_, err = LoadAliasMapFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
