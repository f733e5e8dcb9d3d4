// escrowd migrate - applies the embedded goose schema to DATABASE_URL
//
// Usage:
//
//	migrate [-database url] [-timeout 2m] <command> [version]
//
// Commands are goose's: up, down, status, version, redo, up-to, down-to.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/migrations"
)

var errUsage = errors.New("usage: migrate [-database url] [-timeout d] <up|down|status|version|redo|up-to|down-to> [version]")

type options struct {
	databaseURL string
	timeout     time.Duration
	command     string
	args        []string
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.databaseURL, "database", "", "PostgreSQL URL (defaults to DATABASE_URL)")
	fs.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "give up after this long")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() < 1 {
		return opts, errUsage
	}
	opts.command = fs.Arg(0)
	opts.args = fs.Args()[1:]
	switch opts.command {
	case "up-to", "down-to":
		if len(opts.args) != 1 {
			return opts, fmt.Errorf("%s needs a target version", opts.command)
		}
	}
	return opts, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	dbURL := opts.databaseURL
	if dbURL == "" {
		dbURL = cfg.DatabaseURL
	}
	if dbURL == "" {
		logger.Error("no database configured, set DATABASE_URL or -database")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	start := time.Now()
	if err := migrations.Run(ctx, db, opts.command, opts.args...); err != nil {
		logger.Error("migration failed", "command", opts.command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", opts.command, "duration", time.Since(start).String())
}
