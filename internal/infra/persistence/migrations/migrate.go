// Package migrations runs the tokencart schema migrations with golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/tokencart/db/migrations"
	"github.com/coachpo/tokencart/internal/infra/telemetry"
)

const embeddedLabel = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errInvalidSteps = errors.New("rollback steps must be >0")

	runsOnce sync.Once
	runs     metric.Int64Counter
)

// State is the schema version recorded by golang-migrate.
type State struct {
	Version uint
	Dirty   bool
	// Empty is set when no migration has ever been applied.
	Empty bool
}

// Apply brings the schema to the newest version. An empty migrationsDir uses
// the SQL files compiled into the binary; a nil logger silences progress logs.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	return execute(ctx, dsn, migrationsDir, logger, "up", (*migrate.Migrate).Up)
}

// Rollback reverts the newest steps migrations.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return errInvalidSteps
	}
	return execute(ctx, dsn, migrationsDir, logger, "down", func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

// Status reports the applied schema version without changing it.
func Status(ctx context.Context, dsn, migrationsDir string) (State, error) {
	r, err := open(ctx, dsn, migrationsDir)
	if err != nil {
		return State{}, err
	}
	defer r.close(nil)

	version, dirty, err := r.m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return State{Empty: true}, nil
	case err != nil:
		return State{}, fmt.Errorf("read schema version: %w", err)
	}
	return State{Version: version, Dirty: dirty}, nil
}

func execute(ctx context.Context, dsn, migrationsDir string, logger *log.Logger, direction string, step func(*migrate.Migrate) error) error {
	r, err := open(ctx, dsn, migrationsDir)
	if err != nil {
		return err
	}
	defer r.close(logger)

	logf(logger, "migrating %s from %s", direction, r.label)
	err = step(r.m)
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		countRun(ctx, direction, "noop", r.label)
		logf(logger, "schema already current")
		return nil
	case err != nil:
		countRun(ctx, direction, "failed", r.label)
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	countRun(ctx, direction, "applied", r.label)
	logf(logger, "migrate %s finished", direction)
	return nil
}

type runner struct {
	m     *migrate.Migrate
	db    *sql.DB
	label string
}

// open resolves the migration source before touching the database so a bad
// path fails fast.
func open(ctx context.Context, dsn, migrationsDir string) (*runner, error) {
	src, label, err := openSource(migrationsDir)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = src.Close()
		_ = db.Close()
		return nil, fmt.Errorf("ping migrations database: %w", err)
	}
	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		_ = src.Close()
		_ = db.Close()
		return nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		_ = src.Close()
		_ = db.Close()
		return nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	return &runner{m: m, db: db, label: label}, nil
}

func (r *runner) close(logger *log.Logger) {
	srcErr, dbErr := r.m.Close()
	if srcErr != nil {
		logf(logger, "close migration source: %v", srcErr)
	}
	if dbErr != nil {
		logf(logger, "close migration driver: %v", dbErr)
	}
	if err := r.db.Close(); err != nil {
		logf(logger, "close migrations connection: %v", err)
	}
}

// openSource serves both the embedded files and an on-disk directory through
// the iofs driver.
func openSource(migrationsDir string) (source.Driver, string, error) {
	fsys, label := fs.FS(dbmigrations.Files), embeddedLabel
	if strings.TrimSpace(migrationsDir) != "" {
		dir, err := resolveDir(migrationsDir)
		if err != nil {
			return nil, "", err
		}
		fsys, label = os.DirFS(dir), dir
	}
	src, err := iofs.New(fsys, ".")
	if err != nil {
		return nil, "", fmt.Errorf("open migrations from %s: %w", label, err)
	}
	return src, label, nil
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory %s: %w", abs, errNotDirectory)
	}
	return abs, nil
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

func countRun(ctx context.Context, direction, result, label string) {
	runsOnce.Do(func() {
		runs, _ = otel.Meter("persistence.migrations").Int64Counter("tokencart.db.migrations",
			metric.WithDescription("Schema migration runs by direction and result"),
			metric.WithUnit("{run}"))
	})
	if runs == nil {
		return
	}
	runs.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
		attribute.String("direction", direction),
		attribute.String("source", label),
	))
}
