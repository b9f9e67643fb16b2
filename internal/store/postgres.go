// Package store provides storage backends for CommandPipe.
//
// This file implements a PostgreSQL-backed store for execution records.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time checks that PostgresStore implements the repository interfaces.
var (
	_ ExecutionRepo        = (*PostgresStore)(nil)
	_ GuardedExecutionRepo = (*PostgresStore)(nil)
)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle for pagination sources.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateExecution(ctx context.Context, name string) (ExecutionRecord, error) {
	return createExecutionPostgres(ctx, s.db, name)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type querier interface {
	queryRower
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func createExecutionPostgres(ctx context.Context, q queryRower, name string) (ExecutionRecord, error) {
	now := time.Now().UTC()
	row := q.QueryRowContext(ctx,
		`INSERT INTO execution_records (name, status, created_at, updated_at) VALUES ($1, 'pending', $2, $2)
		 RETURNING id, name, status, created_at, updated_at`,
		name, now,
	)
	r, err := scanExecutionRow(row)
	if err != nil {
		slog.Error("PostgresStore.CreateExecution failed", "error", err, "name", name)
		return ExecutionRecord{}, fmt.Errorf("create execution record failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateExecution", "id", r.ID, "name", name)
	return r, nil
}

func listLivePostgres(ctx context.Context, q querier, name string, since time.Time, excludeID int64) ([]ExecutionRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, name, status, created_at, updated_at FROM execution_records
		 WHERE name = $1 AND status = 'pending' AND created_at >= $2 AND id <> $3 ORDER BY id`,
		name, since, excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list live executions query failed: %w", err)
	}
	return collectExecutions(rows)
}

func (s *PostgresStore) ListLiveExecutions(ctx context.Context, name string, since time.Time, excludeID int64) ([]ExecutionRecord, error) {
	return listLivePostgres(ctx, s.db, name, since, excludeID)
}

// CreateExecutionIfIdle serializes guard checks for the same name with a
// transaction-scoped advisory lock, so two concurrent runs cannot both see an
// empty set of live records.
func (s *PostgresStore) CreateExecutionIfIdle(ctx context.Context, name string, since time.Time) (ExecutionRecord, []ExecutionRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ExecutionRecord{}, nil, fmt.Errorf("begin guard transaction failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, name); err != nil {
		return ExecutionRecord{}, nil, fmt.Errorf("acquire guard lock failed: %w", err)
	}
	rec, err := createExecutionPostgres(ctx, tx, name)
	if err != nil {
		return ExecutionRecord{}, nil, err
	}
	live, err := listLivePostgres(ctx, tx, name, since, rec.ID)
	if err != nil {
		return ExecutionRecord{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return ExecutionRecord{}, nil, fmt.Errorf("commit guard transaction failed: %w", err)
	}
	return rec, live, nil
}

func (s *PostgresStore) UpdateExecutionStatus(ctx context.Context, id int64, status ExecutionStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE execution_records SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		slog.Error("PostgresStore.UpdateExecutionStatus failed", "error", err, "id", id, "status", status)
		return fmt.Errorf("update execution status failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update execution %d: %w", id, ErrNotFound)
	}
	slog.Debug("PostgresStore.UpdateExecutionStatus", "id", id, "status", status)
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id int64) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, created_at, updated_at FROM execution_records WHERE id = $1`, id,
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

func (s *PostgresStore) ListExecutions(ctx context.Context, name string, limit int) ([]ExecutionRecord, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, created_at, updated_at FROM execution_records
		 WHERE ($1::text = '' OR name = $1) ORDER BY id DESC LIMIT $2`,
		name, limitArg,
	)
	if err != nil {
		return nil, fmt.Errorf("list executions query failed: %w", err)
	}
	return collectExecutions(rows)
}

func (s *PostgresStore) TouchExecutions(ctx context.Context, first, last int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE execution_records SET updated_at = $1 WHERE id BETWEEN $2 AND $3`,
		time.Now().UTC(), first, last,
	)
	if err != nil {
		return 0, fmt.Errorf("touch executions failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
