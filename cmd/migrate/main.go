// Command migrate manages the tokencart PostgreSQL schema.
//
//	migrate [flags] up
//	migrate [flags] down [steps]
//	migrate [flags] status
//
// The DSN and migrations directory default to the database section of the
// app config; -database and -path override them.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/tokencart/internal/infra/config"
	"github.com/coachpo/tokencart/internal/infra/persistence/migrations"
)

type options struct {
	configPath string
	dsn        string
	dir        string
	timeout    time.Duration
	quiet      bool
	args       []string
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err == nil {
		err = run(context.Background(), opts, os.Stdout)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func parseFlags(argv []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "config/app.yaml", "App config supplying database.dsn and database.migrationsDir")
	fs.StringVar(&opts.dsn, "database", "", "PostgreSQL DSN, overrides the config")
	fs.StringVar(&opts.dir, "path", "", "Migrations directory, overrides the config (empty uses the embedded set)")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Deadline for the whole run")
	fs.BoolVar(&opts.quiet, "quiet", false, "Suppress progress logs")
	if err := fs.Parse(argv); err != nil {
		return options{}, err
	}
	opts.args = fs.Args()
	if len(opts.args) == 0 {
		return options{}, fmt.Errorf("command required (up|down|status)")
	}
	return opts, nil
}

// resolveTarget fills the DSN and directory from the config when no flag was given.
func resolveTarget(ctx context.Context, opts options) (string, string, error) {
	dsn, dir := strings.TrimSpace(opts.dsn), strings.TrimSpace(opts.dir)
	if dsn != "" {
		return dsn, dir, nil
	}
	cfg, err := config.LoadOrDefault(ctx, opts.configPath)
	if err != nil {
		return "", "", fmt.Errorf("load config: %w", err)
	}
	if dir == "" {
		dir = cfg.Database.MigrationsDir
	}
	return cfg.Database.DSN, dir, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	dsn, dir, err := resolveTarget(ctx, opts)
	if err != nil {
		return err
	}

	var logger *log.Logger
	if !opts.quiet {
		logger = log.New(out, "tokencart-migrate ", log.LstdFlags)
	}

	switch cmd := opts.args[0]; cmd {
	case "up":
		return migrations.Apply(ctx, dsn, dir, logger)
	case "down":
		steps, err := downSteps(opts.args[1:])
		if err != nil {
			return err
		}
		return migrations.Rollback(ctx, dsn, dir, steps, logger)
	case "status":
		state, err := migrations.Status(ctx, dsn, dir)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, describe(state))
		return nil
	default:
		return fmt.Errorf("unknown command %q (expected up, down or status)", cmd)
	}
}

func downSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid down steps %q: %w", args[0], err)
	}
	return n, nil
}

func describe(s migrations.State) string {
	switch {
	case s.Empty:
		return "no migrations applied"
	case s.Dirty:
		return fmt.Sprintf("version %d (dirty, fix manually before migrating)", s.Version)
	default:
		return fmt.Sprintf("version %d", s.Version)
	}
}
