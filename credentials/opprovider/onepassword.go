// Package opprovider resolves credentials template references with the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/release-edge/credentials"
)

// WithOnePassword registers an "op" template function backed by `op read`.
func WithOnePassword() credentials.ResolverOption {
	return WithOnePasswordCLI("op")
}

// WithOnePasswordCLI is WithOnePassword with an explicit path to the CLI.
func WithOnePasswordCLI(bin string) credentials.ResolverOption {
	return credentials.WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		if !strings.HasPrefix(ref, "op://") {
			return "", fmt.Errorf("op: reference %q must start with op://", ref)
		}
		cmd := exec.CommandContext(ctx, bin, "read", "--no-newline", ref)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
		}
		return strings.TrimSpace(stdout.String()), nil
	})
}
