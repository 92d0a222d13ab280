// Package opprovider resolves credential template secrets with the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/artifact-depot/credentials"
)

type options struct {
	binary  string
	account string
}

// Option configures the 1Password provider.
type Option func(*options)

// WithBinary overrides the path to the op executable.
func WithBinary(path string) Option {
	return func(o *options) {
		o.binary = path
	}
}

// WithAccount selects the 1Password account passed to op via --account.
func WithAccount(account string) Option {
	return func(o *options) {
		o.account = account
	}
}

// WithOnePassword registers an "op" template function that resolves secret
// references such as op://vault/maven/password using `op read`.
func WithOnePassword(opts ...Option) credentials.ResolverOption {
	o := options{binary: "op"}
	for _, opt := range opts {
		opt(&o)
	}

	return credentials.WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		if !strings.HasPrefix(ref, "op://") {
			return "", fmt.Errorf("op reference %q must start with op://", ref)
		}

		args := []string{"read", "--no-newline"}
		if o.account != "" {
			args = append(args, "--account", o.account)
		}
		args = append(args, ref)

		cmd := exec.CommandContext(ctx, o.binary, args...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
		}

		return strings.TrimSpace(stdout.String()), nil
	})
}
