// Command release-edge serves release artifacts, documentation and directory
// listings from an S3-compatible bucket behind an edge cache.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	Config    string `help:"Path to the configuration file (default: ./release-edge.yaml)." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFormat string `help:"Log format (text, json)."`
}

type CLI struct {
	Globals

	Serve          ServeCmd          `cmd:"" default:"1" help:"Run the edge server."`
	ImportListings ImportListingsCmd `cmd:"" name:"import-listings" help:"Populate the persistent listing cache."`
	Version        kong.VersionFlag  `help:"Print the version and exit."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("release-edge"),
		kong.Description("Edge server for release artifacts stored in S3-compatible buckets."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// overrides maps the global flags onto config keys. Empty flags are left to
// the file and environment.
func (g *Globals) overrides(extra map[string]any) map[string]any {
	out := map[string]any{}
	if g.LogLevel != "" {
		out["log.level"] = g.LogLevel
	}
	if g.LogFormat != "" {
		out["log.format"] = g.LogFormat
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
