// Package main is the schema migration CLI for the identity, audit and
// document tables.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/ilyakaznacheev/cleanenv"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/procuredesk/guard/internal/config"
	"github.com/procuredesk/guard/internal/logger"
)

// Version is set at build time
var Version = "dev"

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultMigrationsPath   = "migrations"
	migrationsTable         = "schema_migrations"
)

type options struct {
	dsn     string
	path    string
	timeout time.Duration
	dryRun  bool
}

func main() {
	var (
		migrPath = flag.String("path", envOr("MIGRATIONS_PATH", defaultMigrationsPath), "Path to migrations directory")
		timeout  = flag.Duration("timeout", defaultMigrationTimeout, "Lock and connect timeout")
		dryRun   = flag.Bool("dry-run", false, "Show what would be done without executing")
		version  = flag.Bool("version", false, "Print version and exit")
	)
	flag.Usage = usage
	flag.Parse()

	if *version {
		fmt.Printf("migrate version %s\n", Version)
		return
	}
	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(2)
	}

	log := logger.New(logger.DefaultConfig())

	var db config.DatabaseConfig
	if err := cleanenv.ReadEnv(&db); err != nil {
		log.Error("read database env", slog.String("error", err.Error()))
		os.Exit(1)
	}

	opts := options{dsn: db.DSN(), path: *migrPath, timeout: *timeout, dryRun: *dryRun}
	if err := run(log, opts, args[0], args[1:]); err != nil {
		log.Error("migration command failed", slog.String("command", args[0]), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  up [N]       Apply all or N up migrations\n")
	fmt.Fprintf(os.Stderr, "  down N       Roll back N migrations\n")
	fmt.Fprintf(os.Stderr, "  goto V       Migrate to version V\n")
	fmt.Fprintf(os.Stderr, "  force V      Set version V without running migrations\n")
	fmt.Fprintf(os.Stderr, "  version      Print current migration version\n")
	fmt.Fprintf(os.Stderr, "  create NAME  Create a new migration file pair\n")
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nConnection settings come from DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME and DB_SSLMODE.\n")
}

func run(log *slog.Logger, opts options, cmd string, args []string) error {
	if cmd == "create" {
		if len(args) < 1 {
			return errors.New("create requires a migration name")
		}
		return createMigration(log, opts, args[0])
	}

	n, err := intArg(cmd, args)
	if err != nil {
		return err
	}
	if opts.dryRun {
		log.Info("dry run", slog.String("command", cmd), slog.Int("arg", n))
		return nil
	}

	m, err := open(opts)
	if err != nil {
		return err
	}
	defer m.Close()

	from, dirty, verr := m.Version()
	switch cmd {
	case "version":
		if errors.Is(verr, migrate.ErrNilVersion) {
			log.Info("no migrations applied")
			return nil
		}
		if verr != nil {
			return fmt.Errorf("read version: %w", verr)
		}
		log.Info("current version", slog.Uint64("version", uint64(from)), slog.Bool("dirty", dirty))
		return nil
	case "up":
		if n > 0 {
			err = m.Steps(n)
		} else {
			err = m.Up()
		}
	case "down":
		if n <= 0 {
			return errors.New("down requires a positive step count")
		}
		err = m.Steps(-n)
	case "goto":
		err = m.Migrate(uint(n))
	case "force":
		err = m.Force(n)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("no change", slog.String("command", cmd))
		return nil
	}
	if err != nil {
		return err
	}
	to, _, _ := m.Version()
	log.Info("migration applied", slog.String("command", cmd), slog.Uint64("from", uint64(from)), slog.Uint64("to", uint64(to)))
	return nil
}

func intArg(cmd string, args []string) (int, error) {
	switch cmd {
	case "goto", "force":
		if len(args) < 1 {
			return 0, fmt.Errorf("%s requires a version number", cmd)
		}
	}
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid argument for %s: %q", cmd, args[0])
	}
	return n, nil
}

func open(opts options) (*migrate.Migrate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	db, err := sql.Open("pgx", opts.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migration driver: %w", err)
	}

	abs, err := filepath.Abs(opts.path)
	if err != nil {
		return nil, fmt.Errorf("resolve migrations path: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	m.LockTimeout = opts.timeout
	return m, nil
}

func createMigration(log *slog.Logger, opts options, name string) error {
	next, err := nextMigrationNumber(opts.path)
	if err != nil {
		return fmt.Errorf("determine next migration number: %w", err)
	}
	up := filepath.Join(opts.path, fmt.Sprintf("%03d_%s.up.sql", next, name))
	down := filepath.Join(opts.path, fmt.Sprintf("%03d_%s.down.sql", next, name))
	if opts.dryRun {
		log.Info("dry run", slog.String("up", up), slog.String("down", down))
		return nil
	}

	if err := os.MkdirAll(opts.path, 0o755); err != nil {
		return fmt.Errorf("create migrations directory: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339)
	if err := os.WriteFile(up, []byte("-- "+name+"\n-- created "+stamp+"\n"), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(down, []byte("-- "+name+" (rollback)\n-- created "+stamp+"\n"), 0o644); err != nil {
		return err
	}
	log.Info("created migration", slog.String("up", up), slog.String("down", down))
	return nil
}

func nextMigrationNumber(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}
	highest := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var num int
		if _, err := fmt.Sscanf(e.Name(), "%d_", &num); err == nil && num > highest {
			highest = num
		}
	}
	return highest + 1, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
