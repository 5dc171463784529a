// Package migrations runs golang-migrate against the session journal database.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// source driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/reactor/errs"
	"github.com/coachpo/reactor/internal/infra/telemetry"
)

const component = "persistence/migrations"

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errInvalidSteps = errors.New("rollback steps must be > 0")
)

// source names where migration files come from and opens them against a driver.
type source struct {
	label string
	open  func(database.Driver) (*migrate.Migrate, error)
}

func dirSource(dir string) (source, error) {
	abs, err := resolveDir(dir)
	if err != nil {
		return source{}, err
	}
	return source{
		label: abs,
		open: func(driver database.Driver) (*migrate.Migrate, error) {
			return migrate.NewWithDatabaseInstance(fileURL(abs), "pgx5", driver)
		},
	}, nil
}

func fsSource(fsys fs.FS) (source, error) {
	if fsys == nil {
		return source{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("migrations filesystem required"))
	}
	return source{
		label: "embedded",
		open: func(driver database.Driver) (*migrate.Migrate, error) {
			files, err := iofs.New(fsys, ".")
			if err != nil {
				return nil, fmt.Errorf("read embedded migrations: %w", err)
			}
			return migrate.NewWithInstance("iofs", files, "pgx5", driver)
		},
	}, nil
}

// Apply brings the journal schema up to date from the SQL files in dir.
// A nil logger silences progress output.
func Apply(ctx context.Context, dsn, dir string, logger *log.Logger) error {
	src, err := dirSource(dir)
	if err != nil {
		return err
	}
	return execute(ctx, dsn, src, "up", logger, (*migrate.Migrate).Up)
}

// ApplyFS is Apply for migrations bundled into the binary.
func ApplyFS(ctx context.Context, dsn string, fsys fs.FS, logger *log.Logger) error {
	src, err := fsSource(fsys)
	if err != nil {
		return err
	}
	return execute(ctx, dsn, src, "up", logger, (*migrate.Migrate).Up)
}

// Rollback reverts the latest steps migrations found in dir.
func Rollback(ctx context.Context, dsn, dir string, steps int, logger *log.Logger) error {
	src, err := dirSource(dir)
	if err != nil {
		return err
	}
	if steps <= 0 {
		return errInvalidSteps
	}
	return execute(ctx, dsn, src, "down", logger, func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

// Version reports the schema version recorded in the database and whether the last
// migration left it dirty. A database never migrated reports version 0.
func Version(ctx context.Context, dsn string, fsys fs.FS, logger *log.Logger) (uint, bool, error) {
	src, err := fsSource(fsys)
	if err != nil {
		return 0, false, err
	}
	var (
		version uint
		dirty   bool
	)
	err = execute(ctx, dsn, src, "version", logger, func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		return verr
	})
	return version, dirty, err
}

func execute(ctx context.Context, dsn string, src source, action string, logger *log.Logger, step func(*migrate.Migrate) error) (err error) {
	if strings.TrimSpace(dsn) == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("migrations dsn required"))
	}
	logf := func(format string, args ...any) {
		if logger != nil {
			logger.Printf(format, args...)
		}
	}

	result := telemetry.ResultSuccess
	defer func() {
		if err != nil {
			result = telemetry.ResultError
		}
		recordRun(ctx, action, result)
	}()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errs.New(component, errs.CodeNetwork, errs.WithMessage("open connection"), errs.WithCause(err))
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logf("migrations: close connection: %v", cerr)
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		return errs.New(component, errs.CodeNetwork, errs.WithMessage("ping database"), errs.WithCause(err))
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("migrations: pgx driver: %w", err)
	}
	m, err := src.open(driver)
	if err != nil {
		return fmt.Errorf("migrations: open %s: %w", src.label, err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if joined := errors.Join(srcErr, dbErr); joined != nil {
			logf("migrations: close: %v", joined)
		}
	}()

	logf("migrations: %s from %s", action, src.label)
	switch err := step(m); {
	case errors.Is(err, migrate.ErrNoChange):
		result = "noop"
		logf("migrations: journal schema already current")
		return nil
	case err != nil:
		return fmt.Errorf("migrations: %s: %w", action, err)
	}
	logf("migrations: %s done", action)
	return nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", errs.New(component, errs.CodeInvalid, errs.WithMessage("migrations path required"))
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("migrations path %q: %w", clean, err)
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

// fileURL renders a file:// URL golang-migrate accepts for both unix and drive-letter paths.
func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	return (&url.URL{Scheme: "file", Path: slashed}).String()
}

var runCounter = sync.OnceValue(func() metric.Int64Counter {
	counter, err := otel.Meter("persistence.migrations").Int64Counter("reactor.db.migrations",
		metric.WithDescription("Journal schema migration runs"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil
	}
	return counter
})

func recordRun(ctx context.Context, action, result string) {
	counter := runCounter()
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), "migrate_"+action, result)...))
}
