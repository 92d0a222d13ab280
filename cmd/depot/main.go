// Command depot tracks how cached Maven artifact versions are used and
// applies retention policy to them.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"DEPOT_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"DEPOT_LOG_FORMAT"`

	DB          string `help:"Path to the metadata database." default:"./depot.db" env:"DEPOT_DB" type:"path"`
	Config      string `help:"Path to the retention policy file." env:"DEPOT_CONFIG" type:"path"`
	Credentials string `help:"Path to the credentials template." env:"DEPOT_CREDENTIALS" type:"path"`
	OPAccount   string `name:"op-account" help:"1Password account used by the op template function." env:"OP_ACCOUNT"`
}

// CLI is the depot command line.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve            ServeCmd            `cmd:"" help:"Run the HTTP API and maintenance scheduler."`
	Consolidate      ConsolidateCmd      `cmd:"" help:"Merge duplicate metric records."`
	EvictLRU         EvictLRUCmd         `cmd:"" name:"evict-lru" help:"Evict versions not queried within the TTLs."`
	EvictUnused      EvictUnusedCmd      `cmd:"" name:"evict-unused" help:"Evict versions that were never queried."`
	KeepLatest       KeepLatestCmd       `cmd:"" name:"keep-latest" help:"Evict all but the newest releases of a project."`
	DeprecateMissing DeprecateMissingCmd `cmd:"" name:"deprecate-missing" help:"Deprecate versions no longer listed upstream."`
	Stats            StatsCmd            `cmd:"" help:"Print database statistics."`
	Backup           BackupCmd           `cmd:"" help:"Write a compressed database snapshot."`
	Restore          RestoreCmd          `cmd:"" help:"Restore a snapshot into a new database file."`
	Compact          CompactCmd          `cmd:"" help:"Copy the database into a compacted file."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("depot"),
		kong.Description("Usage-driven retention for cached Maven artifact versions."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	ctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	if err := ctx.Run(&cli.Globals, logger); err != nil {
		logger.Error("command failed", "command", ctx.Command(), "error", err)
		os.Exit(1)
	}
}

func newLogger(levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
