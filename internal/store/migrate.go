package store

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// migrate runs all pending migrations. Concurrent processes opening the
// same database race on DDL, so migration runs under an advisory file
// lock next to the database. In-memory databases skip the lock.
func migrate(db *sql.DB, dbPath string, logger *slog.Logger) error {
	if !isMemoryPath(dbPath) {
		lk := flock.New(dbPath + ".migrate.lock")
		if err := lk.Lock(); err != nil {
			return fmt.Errorf("migration lock: %w", err)
		}
		defer func() { _ = lk.Unlock() }()
	}

	goose.SetBaseFS(embedMigrations)
	goose.SetVerbose(false)
	goose.SetLogger(goose.NopLogger())

	// goose's dialect name is "sqlite3" regardless of which driver
	// registered the connection.
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	before, _ := goose.GetDBVersion(db)
	if err := goose.Up(db, "migrations"); err != nil {
		return err
	}
	after, _ := goose.GetDBVersion(db)

	if after != before {
		logger.Debug("migrations applied", "from", before, "to", after)
	}
	return nil
}

// SchemaVersion returns the applied and latest migration versions.
// A fresh database reports current 0.
func SchemaVersion(db *sql.DB) (current, latest int64, err error) {
	goose.SetBaseFS(embedMigrations)
	goose.SetVerbose(false)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, 0, err
	}

	current, err = goose.GetDBVersion(db)
	if err != nil {
		current = 0
	}

	entries, err := embedMigrations.ReadDir("migrations")
	if err != nil {
		return current, 0, fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		idx := strings.IndexByte(name, '_')
		if idx <= 0 {
			continue
		}
		v, err := strconv.ParseInt(name[:idx], 10, 64)
		if err != nil {
			continue
		}
		if v > latest {
			latest = v
		}
	}
	return current, latest, nil
}
