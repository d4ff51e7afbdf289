package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

const usage = "usage: migrate <up|down|version|force <v>>"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	flag.Parse()
	if err := run(logger, flag.Args()); err != nil {
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		return errors.New(usage)
	}

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		return errors.New("POSTGRES_URL environment variable is required")
	}
	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://migrations"
	}

	m, err := migrate.New(migrationsPath, postgresURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch args[0] {
	case "up":
		return up(logger, m)
	case "down":
		return down(logger, m)
	case "version":
		return version(logger, m)
	case "force":
		return force(logger, m, args[1:])
	default:
		return fmt.Errorf("unknown command %q; %s", args[0], usage)
	}
}

func up(logger *slog.Logger, m *migrate.Migrate) error {
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("schema already up to date")
			return nil
		}
		return err
	}
	logger.Info("migrations applied")
	return nil
}

func down(logger *slog.Logger, m *migrate.Migrate) error {
	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("nothing to roll back")
			return nil
		}
		return err
	}
	logger.Info("rolled back one migration")
	return nil
}

func version(logger *slog.Logger, m *migrate.Migrate) error {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		logger.Info("no migrations applied yet")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("schema version", "version", v, "dirty", dirty)
	return nil
}

// force overwrites the recorded schema version without running anything.
// Recovery hatch for a dirty schema after a failed migration.
func force(logger *slog.Logger, m *migrate.Migrate, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: migrate force <version>")
	}
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("version must be an integer: %w", err)
	}
	if err := m.Force(v); err != nil {
		return err
	}
	logger.Info("schema version forced", "version", v)
	return nil
}
