package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/wolfeidau/artifact-depot/config"
	"github.com/wolfeidau/artifact-depot/credentials"
	"github.com/wolfeidau/artifact-depot/credentials/opprovider"
	"github.com/wolfeidau/artifact-depot/querymetrics"
	"github.com/wolfeidau/artifact-depot/repository/maven"
	"github.com/wolfeidau/artifact-depot/retention"
	"github.com/wolfeidau/artifact-depot/store/metadb"
	"github.com/wolfeidau/artifact-depot/telemetry"
)

// app holds the components shared by the serve and job commands.
type app struct {
	cfg      *config.Config
	creds    *credentials.Credentials
	db       *metadb.BoltDB
	registry *querymetrics.Registry
	metrics  *querymetrics.Handler
	repo     *maven.Repository
	engine   *retention.Engine
	logger   *slog.Logger
}

func (g *Globals) loadConfig() (*config.Config, error) {
	if g.Config == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func (g *Globals) loadCredentials(ctx context.Context, logger *slog.Logger) (*credentials.Credentials, error) {
	if g.Credentials == "" {
		return &credentials.Credentials{}, nil
	}

	opOpts := []opprovider.Option{}
	if g.OPAccount != "" {
		opOpts = append(opOpts, opprovider.WithAccount(g.OPAccount))
	}

	r := credentials.NewResolver(
		credentials.WithLogger(logger.With("component", "credentials")),
		opprovider.WithOnePassword(opOpts...),
	)
	creds, err := r.ResolveFile(ctx, g.Credentials)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	return creds, nil
}

// open loads configuration and credentials, opens the database and wires the
// depot components together.
func (g *Globals) open(ctx context.Context, logger *slog.Logger) (*app, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}

	creds, err := g.loadCredentials(ctx, logger)
	if err != nil {
		return nil, err
	}

	db := metadb.NewBoltDB(metadb.WithLogger(logger.With("component", "metadb")))
	if err := db.Open(g.DB); err != nil {
		return nil, err
	}

	registry := querymetrics.NewRegistry(querymetrics.WithMaxPending(cfg.Registry.MaxPending))
	metrics := querymetrics.NewHandler(db, registry,
		querymetrics.WithLogger(logger.With("component", "querymetrics")),
		querymetrics.WithConcurrency(cfg.Retention.Concurrency),
	)

	repo := newRepository(cfg.Repository, creds.Repository, logger)

	engine := retention.NewEngine(metrics, db, repo,
		retention.WithLogger(logger),
		retention.WithConcurrency(cfg.Retention.Concurrency),
		retention.WithUnusedGracePeriod(cfg.Retention.UnusedGracePeriod),
	)

	logger.Debug("depot opened",
		"db", g.DB,
		"repository", cfg.Repository.URL,
		"keep_latest_rules", len(cfg.Retention.KeepLatest),
	)

	return &app{
		cfg:      cfg,
		creds:    creds,
		db:       db,
		registry: registry,
		metrics:  metrics,
		repo:     repo,
		engine:   engine,
		logger:   logger,
	}, nil
}

func newRepository(cfg config.RepositoryConfig, auth *credentials.RepositoryAuth, logger *slog.Logger) *maven.Repository {
	opts := []maven.Option{
		maven.WithName(cfg.Name),
		maven.WithRepositoryURL(cfg.URL),
		maven.WithHTTPClient(&http.Client{
			Timeout:   cfg.Timeout,
			Transport: telemetry.NewInstrumentedTransport(nil, cfg.Name),
		}),
		maven.WithMetadataTTL(cfg.MetadataTTL),
		maven.WithCacheSize(cfg.CacheSize),
		maven.WithRetry(cfg.MaxRetries, maven.DefaultRetryInterval),
		maven.WithCircuitBreaker(cfg.BreakerFailures, cfg.BreakerTimeout),
		maven.WithLogger(logger.With("component", "maven", "repository", cfg.Name)),
	}
	if auth != nil {
		switch {
		case auth.Token != "":
			opts = append(opts, maven.WithBearerToken(auth.Token))
		case auth.Username != "":
			opts = append(opts, maven.WithBasicAuth(auth.Username, auth.Password))
		}
	}
	return maven.NewRepository(opts...)
}

// Close flushes pending query events and closes the database.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if n, err := a.metrics.PersistMetrics(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing query metrics: %w", err))
	} else if n > 0 {
		a.logger.Info("flushed query metrics", "persisted", n)
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	return errors.Join(errs...)
}
