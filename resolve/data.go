package resolve

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AliasMap resolves a 3-segment canonical key prefix (for example
// "nodejs/release/latest-v20.x") to the key prefix that really holds the
// content. It is loaded once at startup and never mutated.
type AliasMap map[string]string

// Keys returns the alias keys in lexical order.
func (m AliasMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LatestVersions maps a symbolic branch token (for example "latest" or
// "latest-v20.x") to a concrete version directory name.
type LatestVersions map[string]string

// Branches returns the branch tokens, longest first so that a token which is
// a prefix of another is never matched ahead of it.
func (m LatestVersions) Branches() []string {
	branches := make([]string, 0, len(m))
	for k := range m {
		branches = append(branches, k)
	}
	sort.Slice(branches, func(i, j int) bool {
		if len(branches[i]) != len(branches[j]) {
			return len(branches[i]) > len(branches[j])
		}
		return branches[i] < branches[j]
	})
	return branches
}

// LoadAliasMap decodes alias data. Both a JSON object and the crawler's
// array of [key, target] pairs are accepted.
func LoadAliasMap(r io.Reader) (AliasMap, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading alias map: %w", err)
	}

	m := AliasMap{}
	switch trimmed := bytes.TrimSpace(data); {
	case len(trimmed) == 0:
		return m, nil
	case trimmed[0] == '[':
		var pairs [][2]string
		if err := json.Unmarshal(trimmed, &pairs); err != nil {
			return nil, fmt.Errorf("decoding alias pairs: %w", err)
		}
		for _, p := range pairs {
			m[p[0]] = p[1]
		}
	default:
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("decoding alias map: %w", err)
		}
	}

	for k, v := range m {
		if strings.Count(k, "/") != 2 {
			return nil, fmt.Errorf("alias %q must be exactly three segments deep", k)
		}
		if v == "" {
			return nil, fmt.Errorf("alias %q has an empty target", k)
		}
		m[k] = strings.TrimSuffix(v, "/")
	}
	return m, nil
}

// LoadLatestVersions decodes a branch to version mapping.
func LoadLatestVersions(r io.Reader) (LatestVersions, error) {
	var m LatestVersions
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		if err == io.EOF {
			return LatestVersions{}, nil
		}
		return nil, fmt.Errorf("decoding latest versions: %w", err)
	}
	for k, v := range m {
		if k == "" || v == "" || strings.Contains(k, "/") || strings.Contains(v, "/") {
			return nil, fmt.Errorf("invalid latest version entry %q -> %q", k, v)
		}
	}
	return m, nil
}

// LoadAliasMapFile reads alias data from path. An empty path yields an empty map.
func LoadAliasMapFile(path string) (AliasMap, error) {
	if path == "" {
		return AliasMap{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening alias map: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadAliasMap(f)
}

// LoadLatestVersionsFile reads latest version data from path. An empty path
// yields an empty map.
func LoadLatestVersionsFile(path string) (LatestVersions, error) {
	if path == "" {
		return LatestVersions{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening latest versions: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadLatestVersions(f)
}
