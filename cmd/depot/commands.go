package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	depot "github.com/wolfeidau/artifact-depot"
	"github.com/wolfeidau/artifact-depot/retention"
	"github.com/wolfeidau/artifact-depot/schedule"
	"github.com/wolfeidau/artifact-depot/server"
	"github.com/wolfeidau/artifact-depot/store/metadb"
	"github.com/wolfeidau/artifact-depot/telemetry"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd runs the HTTP API and the maintenance scheduler.
type ServeCmd struct {
	Address      string `help:"Address to listen on." default:":8080" env:"DEPOT_ADDRESS"`
	AuthToken    string `help:"Bearer token granting full API access." env:"DEPOT_AUTH_TOKEN"`
	ReadToken    string `help:"Bearer token granting read-only API access." env:"DEPOT_READ_TOKEN"`
	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics." default:"true" negatable:"" env:"DEPOT_PROMETHEUS"`
	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"DEPOT_OTLP_ENDPOINT"`
	NoScheduler  bool   `help:"Do not run scheduled maintenance jobs." env:"DEPOT_NO_SCHEDULER"`
}

func (c *ServeCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "artifact-depot",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Error("failed to shut down metrics", "error", err)
		}
	}()

	a, err := g.open(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Error("failed to close depot", "error", err)
		}
	}()

	var sched *schedule.Scheduler
	if !c.NoScheduler {
		sched = schedule.NewScheduler(
			schedule.DepotJobs(a.cfg, a.metrics, a.engine),
			schedule.WithLogger(logger),
		)
	}

	// Flags override tokens from the credentials template.
	authToken, readToken := a.creds.AuthToken, a.creds.ReadToken
	if c.AuthToken != "" {
		authToken = c.AuthToken
	}
	if c.ReadToken != "" {
		readToken = c.ReadToken
	}

	srv, err := server.New(server.Config{
		Address:          c.Address,
		AuthToken:        authToken,
		ReadToken:        readToken,
		TTLVersionsDays:  a.cfg.Retention.TTLVersionsDays,
		TTLSnapshotsDays: a.cfg.Retention.TTLSnapshotsDays,
		Logger:           logger.With("component", "server"),
	}, server.Components{
		Metrics:    a.metrics,
		Versions:   a.db,
		Retention:  a.engine,
		Repository: a.repo,
		Stats:      a.db,
		Scheduler:  sched,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("depot started",
		"address", srv.Address(),
		"version", version,
		"auth", authToken != "",
		"repository", a.cfg.Repository.URL,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// jobFunc runs one batch operation against an opened depot.
type jobFunc func(ctx context.Context, a *app) (*depot.MetadataEventResponse, error)

// runJob opens the depot, runs fn, prints the batch result as JSON and fails
// when the result carries errors.
func runJob(g *Globals, logger *slog.Logger, fn jobFunc) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := g.open(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Error("failed to close depot", "error", err)
		}
	}()

	resp, err := fn(ctx, a)
	if resp != nil {
		if werr := writeJSON(os.Stdout, resp); werr != nil {
			return werr
		}
	}
	return schedule.ResponseError(resp, err)
}

// ConsolidateCmd merges duplicate metric records.
type ConsolidateCmd struct{}

func (c *ConsolidateCmd) Run(g *Globals, logger *slog.Logger) error {
	return runJob(g, logger, func(ctx context.Context, a *app) (*depot.MetadataEventResponse, error) {
		return a.metrics.ConsolidateMetrics(ctx), nil
	})
}

// EvictLRUCmd evicts versions not queried within the TTLs.
type EvictLRUCmd struct {
	Versions  int `help:"Release TTL in days (default from config)." default:"-1"`
	Snapshots int `help:"Snapshot TTL in days (default from config)." default:"-1"`
}

func (c *EvictLRUCmd) Run(g *Globals, logger *slog.Logger) error {
	return runJob(g, logger, func(ctx context.Context, a *app) (*depot.MetadataEventResponse, error) {
		versions, snapshots := a.cfg.Retention.TTLVersionsDays, a.cfg.Retention.TTLSnapshotsDays
		if c.Versions >= 0 {
			versions = c.Versions
		}
		if c.Snapshots >= 0 {
			snapshots = c.Snapshots
		}
		return a.engine.EvictLeastRecentlyUsed(ctx, versions, snapshots)
	})
}

// EvictUnusedCmd evicts versions that were never queried.
type EvictUnusedCmd struct{}

func (c *EvictUnusedCmd) Run(g *Globals, logger *slog.Logger) error {
	return runJob(g, logger, func(ctx context.Context, a *app) (*depot.MetadataEventResponse, error) {
		return a.engine.EvictVersionsNotUsed(ctx)
	})
}

// KeepLatestCmd evicts all but the newest releases of one project, or of every
// project listed in the policy file when no project is given.
type KeepLatestCmd struct {
	GroupID    string `arg:"" optional:"" help:"Project group ID."`
	ArtifactID string `arg:"" optional:"" help:"Project artifact ID."`
	Keep       int    `help:"Number of releases to keep." default:"1"`
}

func (c *KeepLatestCmd) Run(g *Globals, logger *slog.Logger) error {
	return runJob(g, logger, func(ctx context.Context, a *app) (*depot.MetadataEventResponse, error) {
		if c.GroupID == "" && c.ArtifactID == "" {
			return a.engine.ApplyKeepLatest(ctx, a.cfg.Retention.KeepLatest)
		}
		return a.engine.ApplyKeepLatest(ctx, []retention.KeepLatestRule{
			{GroupID: c.GroupID, ArtifactID: c.ArtifactID, Keep: c.Keep},
		})
	})
}

// DeprecateMissingCmd deprecates versions no longer listed upstream.
type DeprecateMissingCmd struct{}

func (c *DeprecateMissingCmd) Run(g *Globals, logger *slog.Logger) error {
	return runJob(g, logger, func(ctx context.Context, a *app) (*depot.MetadataEventResponse, error) {
		return a.engine.DeprecateVersionsNotInRepository(ctx)
	})
}

// StatsCmd prints database statistics.
type StatsCmd struct{}

func (c *StatsCmd) Run(g *Globals, logger *slog.Logger) error {
	db := metadb.NewBoltDB(metadb.WithLogger(logger.With("component", "metadb")))
	if err := db.Open(g.DB); err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats(context.Background())
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, stats)
}

// BackupCmd writes a zstd-compressed snapshot of the database.
type BackupCmd struct {
	Output string `help:"Snapshot file to write." short:"o" required:"" type:"path"`
}

func (c *BackupCmd) Run(g *Globals, logger *slog.Logger) error {
	db := metadb.NewBoltDB(metadb.WithLogger(logger.With("component", "metadb")))
	if err := db.Open(g.DB); err != nil {
		return err
	}
	defer db.Close()

	f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", c.Output, err)
	}

	n, err := db.Backup(context.Background(), f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(c.Output)
		return err
	}

	logger.Info("backup complete", "output", c.Output, "bytes", n)
	return nil
}

// RestoreCmd restores a snapshot into the database path, which must not exist.
type RestoreCmd struct {
	Input string `help:"Snapshot file to read." short:"i" required:"" type:"existingfile"`
}

func (c *RestoreCmd) Run(g *Globals, logger *slog.Logger) error {
	f, err := os.Open(c.Input)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := metadb.Restore(f, g.DB)
	if err != nil {
		return err
	}

	logger.Info("restore complete", "db", g.DB, "bytes", n)
	return nil
}

// CompactCmd copies the database into a new compacted file.
type CompactCmd struct {
	Output string `help:"Compacted database file to write." short:"o" required:"" type:"path"`
}

func (c *CompactCmd) Run(g *Globals, logger *slog.Logger) error {
	db := metadb.NewBoltDB(metadb.WithLogger(logger.With("component", "metadb")))
	if err := db.Open(g.DB); err != nil {
		return err
	}
	defer db.Close()

	if err := db.CompactDB(context.Background(), c.Output); err != nil {
		return fmt.Errorf("compacting database: %w", err)
	}

	logger.Info("compaction complete", "output", c.Output)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
