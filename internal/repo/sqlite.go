package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore provides access to a local SQLite database. It is intended for
// single-process deployments and tests; the Postgres store is the production
// backend.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a new connection to the SQLite database.
func NewSQLite(ctx context.Context, databasePath string, logger *slog.Logger) (*SQLiteStore, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	// Busy timeout and WAL mode are recommended for SQLite concurrency.
	// _txlock=immediate makes every transaction take the write lock up front,
	// which replaces the row locks the Postgres store relies on.
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_txlock=immediate&_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY churn under load.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "repo_sqlite"),
	}, nil
}

// Close releases the database connection.
func (r *SQLiteStore) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

// Ping ensures the database is reachable.
func (r *SQLiteStore) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunMigrations applies the SQLite-dialect schema migrations from the
// sqlite/ subdirectory, one transaction per file.
func (r *SQLiteStore) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return runMigrations(ctx, filesystem, "sqlite", func(ctx context.Context, sqlText string) error {
		sqlTx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := sqlTx.ExecContext(ctx, sqlText); err != nil {
			sqlTx.Rollback()
			return err
		}
		return sqlTx.Commit()
	})
}

// InTx executes fn within an immediate-mode transaction. SQLITE_BUSY is
// surfaced as ErrConflict so callers can retry.
func (r *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError(fmt.Errorf("begin tx: %w", err))
	}

	if err := fn(&sqliteTx{q: sqlTx}); err != nil {
		sqlTx.Rollback()
		return mapSQLiteError(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return mapSQLiteError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// sqliteTx adapts *sql.Tx to the Tx interface. SQLite has no FOR UPDATE; the
// immediate-mode transaction already holds the single write lock, so the
// *ForUpdate methods are plain reads.
type sqliteTx struct {
	q *sql.Tx
}

var _ Tx = (*sqliteTx)(nil)

func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	}
	return err
}

func sqliteNotFoundOr(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
