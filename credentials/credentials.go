// Package credentials resolves the depot's secrets from a JSON template
// that may read environment variables, files and secret providers.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
)

const (
	// maxInputSize is the maximum size of a credentials template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// Credentials holds all resolved credential values.
type Credentials struct {
	// AuthToken grants full access to the HTTP API.
	AuthToken string `json:"auth_token,omitempty"`

	// ReadToken grants read-only access to the HTTP API.
	ReadToken string `json:"read_token,omitempty"`

	// Repository authenticates lookups against the upstream Maven repository.
	Repository *RepositoryAuth `json:"repository,omitempty"`
}

// RepositoryAuth holds upstream repository credentials. Token takes
// precedence over Username and Password.
type RepositoryAuth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Validate checks that the resolved values are usable together.
func (c *Credentials) Validate() error {
	if c.AuthToken != "" && c.AuthToken == c.ReadToken {
		return fmt.Errorf("auth_token and read_token must differ")
	}
	if ra := c.Repository; ra != nil {
		if ra.Username != "" && ra.Password == "" {
			return fmt.Errorf("repository password is required when username is set")
		}
		if ra.Password != "" && ra.Username == "" {
			return fmt.Errorf("repository username is required when password is set")
		}
	}
	return nil
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

// NewResolver creates a new credential resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	return r.ResolveReader(ctx, f)
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	limited := io.LimitReader(reader, maxInputSize+1)

	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}

	if len(data) > maxInputSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	// Build template function map with memoization cache.
	cache := make(map[string]string)
	funcMap := r.buildFuncMap(ctx, cache)

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(funcMap).
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
	dec := json.NewDecoder(&buf)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}

	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	r.logger.Debug("resolved credentials",
		"auth_token", creds.AuthToken != "",
		"read_token", creds.ReadToken != "",
		"repository_auth", creds.Repository != nil,
	)
	return &creds, nil
}

// buildFuncMap creates the template function map with built-in and provider functions.
func (r *Resolver) buildFuncMap(ctx context.Context, cache map[string]string) template.FuncMap {
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

	// Register provider functions.
	for name, provider := range r.providers {
		fm[name] = r.makeProviderFunc(ctx, name, provider, cache)
	}

	return fm
}

// makeProviderFunc creates a memoized template function for a secret provider.
func (r *Resolver) makeProviderFunc(ctx context.Context, name string, provider SecretProvider, cache map[string]string) func(string) (string, error) {
	return func(ref string) (string, error) {
		cacheKey := name + ":" + ref
		if val, ok := cache[cacheKey]; ok {
			return val, nil
		}

		val, err := provider(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
		}

		cache[cacheKey] = val
		return val, nil
	}
}
