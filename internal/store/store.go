// Package store owns the SQLite database: opening, pragmas, migrations,
// retry policy, and small scan helpers shared by every projection reader.
//
// The database is opened with a single connection. SQLite serializes
// writers anyway; one connection avoids SQLITE_BUSY churn between the
// appender and readers inside the same process.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hexframe/swarmmail/internal/logging"
	"github.com/hexframe/swarmmail/internal/swarmerr"

	// Pure-Go SQLite driver (wazero). Registered as "sqlite3".
	_ "github.com/ncruces/go-sqlite3/driver"
	// SQLite build with the vec0 virtual table compiled in. Must be
	// imported instead of the plain embed package or vector search
	// queries fail with "no such module: vec0".
	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
)

// defaultBusyTimeoutMS is the SQLite busy_timeout in milliseconds.
// Override with SWARMMAIL_BUSY_TIMEOUT_MS under heavy contention.
const defaultBusyTimeoutMS = 10000

// Store wraps the single-connection SQLite handle.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path, applies pragmas,
// and runs any pending migrations under an advisory file lock.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." && !isMemoryPath(path) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &swarmerr.IOError{Op: "store.open", Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite3", normalizeDSN(path))
	if err != nil {
		return nil, &swarmerr.IOError{Op: "store.open", Path: path, Err: err}
	}

	// One writer, one reader, same connection. WAL still lets other
	// processes read concurrently.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busyTimeout := defaultBusyTimeoutMS
	if v := os.Getenv("SWARMMAIL_BUSY_TIMEOUT_MS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			busyTimeout = parsed
		}
	}

	// busy_timeout first so the remaining pragmas wait on locks instead
	// of failing. journal_mode returns a row, not an error, when WAL is
	// unavailable for the filesystem; NORMAL sync is safe under WAL.
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
	}
	for _, pragma := range pragmas {
		if err := RetryWithBackoff(func() error {
			_, err := db.ExecContext(ctx, pragma)
			return err
		}); err != nil {
			_ = db.Close()
			return nil, &swarmerr.IOError{Op: "store.pragma", Path: path, Err: fmt.Errorf("%s: %w", pragma, err)}
		}
	}

	if err := RetryWithBackoff(func() error { return migrate(db, path, logger) }); err != nil {
		_ = db.Close()
		return nil, &swarmerr.IOError{Op: "store.migrate", Path: path, Err: err}
	}

	return &Store{db: db, path: path, logger: logger}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path the store was opened with.
func (s *Store) Path() string { return s.path }

// DB exposes the raw handle for callers that manage their own
// statements, such as goose status checks in the CLI.
func (s *Store) DB() *sql.DB { return s.db }

// Transact runs fn inside a transaction wrapped with RetryWithBackoff.
// The transaction is rolled back if fn returns an error.
func (s *Store) Transact(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return RetryWithBackoff(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

// ExecContext runs a statement outside any transaction.
func (s *Store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query outside any transaction.
func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query outside any transaction.
func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Checkpoint forces a WAL checkpoint so the main database file is
// current before external copies or snapshots.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return &swarmerr.IOError{Op: "store.checkpoint", Path: s.path, Err: err}
	}
	return nil
}

// Backup writes a compacted copy of the database to dst via VACUUM
// INTO. The copy is a complete standalone database; restoring is
// pointing swarmmail at it, or copying it over the original while no
// process has the project open. VACUUM INTO refuses an existing file,
// so dst must be new.
func (s *Store) Backup(ctx context.Context, dst string) error {
	if isMemoryPath(s.path) {
		return &swarmerr.ValidationError{Op: "store.backup", Msg: "cannot back up an in-memory database"}
	}
	if dst == "" {
		return &swarmerr.ValidationError{Op: "store.backup", Msg: "destination path is required"}
	}
	if _, err := os.Stat(dst); err == nil {
		return &swarmerr.ValidationError{Op: "store.backup", Msg: fmt.Sprintf("destination %s already exists", dst)}
	}
	if dir := filepath.Dir(dst); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &swarmerr.IOError{Op: "store.backup", Path: dir, Err: err}
		}
	}
	if err := s.Checkpoint(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return &swarmerr.IOError{Op: "store.backup", Path: dst, Err: err}
	}
	return nil
}

// Querier is the query surface shared by *sql.DB and *sql.Tx so readers
// can run inside or outside the append transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func normalizeDSN(path string) string {
	// Pass explicit file: DSNs through untouched.
	if strings.HasPrefix(path, "file:") {
		return path
	}
	if path == ":memory:" {
		return ":memory:"
	}
	// mode=rwc so the file is created on first open.
	return "file:" + path + "?mode=rwc"
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, ":memory:")
}

// QueryStrings returns all values of a single string column.
func QueryStrings(ctx context.Context, q Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
