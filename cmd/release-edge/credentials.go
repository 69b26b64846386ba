package main

import (
	"context"
	"log/slog"

	"github.com/wolfeidau/release-edge/config"
	"github.com/wolfeidau/release-edge/credentials"
	"github.com/wolfeidau/release-edge/credentials/opprovider"
)

// loadConfig loads the configuration and merges in secrets from
// data.credentials_file when one is set.
func loadConfig(ctx context.Context, g *Globals, extra map[string]any) (*config.Config, error) {
	return config.Load(g.Config, g.overrides(extra), func(cfg *config.Config) error {
		if cfg.Data.CredentialsFile == "" {
			return nil
		}
		r := credentials.NewResolver(
			credentials.WithLogger(slog.Default()),
			opprovider.WithOnePassword(),
		)
		creds, err := r.ResolveFile(ctx, cfg.Data.CredentialsFile)
		if err != nil {
			return err
		}
		creds.Apply(cfg)
		return nil
	})
}
