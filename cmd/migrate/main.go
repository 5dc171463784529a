// Command migrate manages the session journal schema outside the reactor daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	dbmigrations "github.com/coachpo/reactor/db/migrations"
	"github.com/coachpo/reactor/internal/infra/persistence/migrations"
)

const dsnEnv = "REACTOR_DATABASE_DSN"

type options struct {
	dsn      string
	dir      string
	embedded bool
	logger   *log.Logger
	out      io.Writer
}

type command func(ctx context.Context, opts options, args []string) error

var commands = map[string]command{
	"up":      migrateUp,
	"down":    migrateDown,
	"version": printVersion,
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "reactor-migrate:", err)
		os.Exit(1)
	}
}

func run(argv []string, out io.Writer) error {
	flags := flag.NewFlagSet("reactor-migrate", flag.ContinueOnError)
	dsn := flags.String("database", os.Getenv(dsnEnv), "Journal database DSN; defaults to $"+dsnEnv)
	dir := flags.String("path", "db/migrations", "Directory of SQL migrations")
	embedded := flags.Bool("embedded", false, "Use the migrations compiled into the binary for up")
	timeout := flags.Duration("timeout", 30*time.Second, "Upper bound for the whole command")
	quiet := flags.Bool("quiet", false, "Suppress progress logs")
	if err := flags.Parse(argv); err != nil {
		return err
	}

	rest := flags.Args()
	if len(rest) == 0 {
		return errors.New("usage: reactor-migrate [flags] up|down [steps]|version")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}

	opts := options{
		dsn:      strings.TrimSpace(*dsn),
		dir:      strings.TrimSpace(*dir),
		embedded: *embedded,
		out:      out,
	}
	if opts.dsn == "" {
		return errors.New("-database or $" + dsnEnv + " must name the journal database")
	}
	if !*quiet {
		opts.logger = log.New(out, "reactor-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	return cmd(ctx, opts, rest[1:])
}

func migrateUp(ctx context.Context, opts options, _ []string) error {
	if opts.embedded {
		return migrations.ApplyFS(ctx, opts.dsn, dbmigrations.Files, opts.logger)
	}
	return migrations.Apply(ctx, opts.dsn, opts.dir, opts.logger)
}

func migrateDown(ctx context.Context, opts options, args []string) error {
	steps, err := parseSteps(args)
	if err != nil {
		return err
	}
	return migrations.Rollback(ctx, opts.dsn, opts.dir, steps, opts.logger)
}

func printVersion(ctx context.Context, opts options, _ []string) error {
	version, dirty, err := migrations.Version(ctx, opts.dsn, dbmigrations.Files, opts.logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.out, "version=%d dirty=%t\n", version, dirty)
	return nil
}

// parseSteps reads the optional rollback depth, one step when absent.
func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	steps, err := strconv.Atoi(args[0])
	if err != nil || steps <= 0 {
		return 0, fmt.Errorf("down steps must be a positive integer, got %q", args[0])
	}
	return steps, nil
}
