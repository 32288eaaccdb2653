package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/config"
	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/database"
	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/telemetry"
)

// migrationRunner is the subset of database.Migrator the command drives.
type migrationRunner interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, ok bool, err error)
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		action     = flag.String("action", "up", "Migration action: up, down, status")
		steps      = flag.Int("steps", 0, "Number of migrations to apply or roll back (0 = all)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database.url is required (FRAUD_DATABASE_URL)")
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	migrator, err := database.NewMigrator(cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("failed to create migrator", zap.Error(err))
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			logger.Warn("failed to close migrator", zap.Error(err))
		}
	}()

	if err := execute(migrator, *action, *steps, os.Stdout); err != nil {
		logger.Error("migration failed", zap.String("action", *action), zap.Error(err))
		_ = migrator.Close()
		_ = logger.Sync()
		os.Exit(1)
	}
}

func execute(m migrationRunner, action string, steps int, out io.Writer) error {
	if steps < 0 {
		return fmt.Errorf("steps must not be negative")
	}

	switch action {
	case "up":
		if steps > 0 {
			return m.Steps(steps)
		}
		return m.Up()
	case "down":
		if steps > 0 {
			return m.Steps(-steps)
		}
		return m.Down()
	case "status":
		version, dirty, ok, err := m.Version()
		if err != nil {
			return err
		}
		if !ok {
			_, err = fmt.Fprintln(out, "no migrations applied")
			return err
		}
		_, err = fmt.Fprintf(out, "version %d (dirty: %t)\n", version, dirty)
		return err
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}
