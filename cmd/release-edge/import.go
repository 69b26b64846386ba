package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/wolfeidau/release-edge/provider"
)

type ImportListingsCmd struct {
	DB     string `help:"Listing database path (default: listing.cache_path)."`
	File   string `help:"JSON file mapping bucket keys to directory listings." xor:"source" type:"existingfile"`
	Prefix string `help:"Bucket prefix to crawl, e.g. nodejs/release/." xor:"source"`
}

func (c *ImportListingsCmd) Run(g *Globals) error {
	if c.File == "" && c.Prefix == "" {
		return errors.New("one of --file or --prefix is required")
	}

	cfg, err := loadConfig(context.Background(), g, nil)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	path := c.DB
	if path == "" {
		path = cfg.Listing.CachePath
	}
	if path == "" {
		return errors.New("no listing database configured, set --db or listing.cache_path")
	}

	store, err := provider.OpenListingStore(path, provider.WithListingStoreLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	start := time.Now()

	var n int
	if c.File != "" {
		f, err := os.Open(c.File)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		n, err = store.Import(ctx, f)
		if err != nil {
			return fmt.Errorf("importing %s: %w", c.File, err)
		}
	} else {
		client, err := provider.NewClient(ctx, provider.ClientConfig{
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			UsePathStyle:    cfg.Storage.UsePathStyle,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("creating s3 client: %w", err)
		}
		live, err := provider.NewS3(client, provider.S3Config{
			Bucket:  cfg.Storage.Bucket,
			MaxKeys: cfg.Storage.MaxKeys,
		})
		if err != nil {
			return err
		}
		n, err = store.Crawl(ctx, live, c.Prefix)
		if err != nil {
			return fmt.Errorf("crawling %s: %w", c.Prefix, err)
		}
	}

	logger.Info("listings imported", "count", n, "db", path, "duration", time.Since(start))
	return nil
}
