// Package credentials renders a secrets template into the edge's sensitive
// settings so they can live outside the main configuration file.
//
// The template is JSON executed with text/template. Built-in functions are
// env, envDefault, file and json; secret stores register more with
// WithProvider.
//
//	{
//	  "purge_api_key": {{ env "PURGE_API_KEY" | json }},
//	  "storage": {"secret_access_key": {{ op "op://edge/r2/secret" | json }}}
//	}
package credentials

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	jsoniter "github.com/json-iterator/go"

	"github.com/wolfeidau/release-edge/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// maxInputSize is the maximum size of a credentials template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// Credentials holds the resolved secrets. Empty fields leave the
// corresponding configuration value untouched.
type Credentials struct {
	PurgeAPIKey   string          `json:"purge_api_key,omitempty"`
	InternalToken string          `json:"internal_token,omitempty"`
	Storage       *StorageSecrets `json:"storage,omitempty"`
}

// StorageSecrets are the bucket access keys.
type StorageSecrets struct {
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
}

// Apply copies the non-empty secrets into cfg.
func (c *Credentials) Apply(cfg *config.Config) {
	if c.PurgeAPIKey != "" {
		cfg.Purge.APIKey = c.PurgeAPIKey
	}
	if c.InternalToken != "" {
		cfg.Server.InternalToken = c.InternalToken
	}
	if c.Storage != nil {
		if c.Storage.AccessKeyID != "" {
			cfg.Storage.AccessKeyID = c.Storage.AccessKeyID
		}
		if c.Storage.SecretAccessKey != "" {
			cfg.Storage.SecretAccessKey = c.Storage.SecretAccessKey
		}
	}
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver executes a template file and parses the result into Credentials.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "credentials")
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	creds, err := r.ResolveReader(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return creds, nil
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	resolved := map[string]string{}
	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcMap(ctx, resolved)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxOutputSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxOutputSize)
	}

	var creds Credentials
	if err := json.Unmarshal(buf.Bytes(), &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}

	r.logger.Debug("credentials resolved", "provider_lookups", len(resolved))
	return &creds, nil
}

func (r *Resolver) funcMap(ctx context.Context, resolved map[string]string) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	for name, p := range r.providers {
		fm[name] = memoize(ctx, name, p, resolved)
	}
	return fm
}

// memoize resolves each name:ref pair at most once per template execution.
func memoize(ctx context.Context, name string, p SecretProvider, resolved map[string]string) func(string) (string, error) {
	return func(ref string) (string, error) {
		key := name + ":" + ref
		if val, ok := resolved[key]; ok {
			return val, nil
		}
		val, err := p(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
		}
		resolved[key] = val
		return val, nil
	}
}
