// Package store provides storage backends for CommandPipe.
//
// This file implements an SQLite-backed store for execution records.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements ExecutionRepo.
var _ ExecutionRepo = (*SQLiteStore)(nil)

// SQLiteStore is the single-host execution store. It does not implement
// GuardedExecutionRepo, so two Unique runs racing between the live check and
// the insert can both proceed.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dsn+sep+"_busy_timeout=5000")
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers and avoids SQLITE_BUSY between
	// goroutines of the same process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for pagination sources.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, name string) (ExecutionRecord, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_records (name, status, created_at, updated_at) VALUES (?, 'pending', ?, ?)`,
		name, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateExecution failed", "error", err, "name", name)
		return ExecutionRecord{}, fmt.Errorf("create execution record failed: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("read execution record id failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateExecution", "id", id, "name", name)
	return ExecutionRecord{ID: id, Name: name, Status: StatusPending, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteStore) ListLiveExecutions(ctx context.Context, name string, since time.Time, excludeID int64) ([]ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, created_at, updated_at FROM execution_records
		 WHERE name = ? AND status = 'pending' AND created_at >= ? AND id <> ? ORDER BY id`,
		name, since.UTC(), excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list live executions query failed: %w", err)
	}
	return collectExecutions(rows)
}

func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id int64, status ExecutionStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE execution_records SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		slog.Error("SQLiteStore.UpdateExecutionStatus failed", "error", err, "id", id, "status", status)
		return fmt.Errorf("update execution status failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update execution %d: %w", id, ErrNotFound)
	}
	slog.Debug("SQLiteStore.UpdateExecutionStatus", "id", id, "status", status)
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id int64) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, created_at, updated_at FROM execution_records WHERE id = ?`, id,
	)
	r, err := scanExecutionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution record failed: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, name string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, created_at, updated_at FROM execution_records
		 WHERE (? = '' OR name = ?) ORDER BY id DESC LIMIT ?`,
		name, name, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list executions query failed: %w", err)
	}
	return collectExecutions(rows)
}

func (s *SQLiteStore) TouchExecutions(ctx context.Context, first, last int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE execution_records SET updated_at = ? WHERE id >= ? AND id <= ?`,
		time.Now().UTC(), first, last,
	)
	if err != nil {
		return 0, fmt.Errorf("touch executions failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
