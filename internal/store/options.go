package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/BTreeMap/CommandPipe/internal/paginate"
)

// Opts holds configuration options for the SQL stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for the SQL stores.
type Option func(*Opts)

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the path of an SQLite database file.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL URLs and key/value DSNs and
// "sqlite3" for anything else, which is treated as a file path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open connects to the store selected by DetectDSNType. An empty DSN yields
// an InMemoryStore.
func Open(dsn string) (ExecutionRepo, error) {
	if strings.TrimSpace(dsn) == "" {
		slog.Debug("store.Open: no DSN provided, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		slog.Debug("store.Open: detected PostgreSQL DSN", "dsn_type", "postgresql")
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	slog.Debug("store.Open: detected SQLite DSN", "dsn_type", "sqlite", "db_path", dsn)
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

// RecordSource returns a pagination source over the execution records of repo.
func RecordSource(repo ExecutionRepo, opts ...SourceOption) (paginate.Source[int64, ExecutionRecord], error) {
	switch s := repo.(type) {
	case *SQLiteStore:
		return NewSQLiteSource(s, opts...), nil
	case *PostgresStore:
		return NewPostgresSource(s, opts...), nil
	case *InMemoryStore:
		src := &ExecutionRecordSource{}
		for _, opt := range opts {
			opt(src)
		}
		rows := slices.DeleteFunc(s.Snapshot(), func(r ExecutionRecord) bool {
			return !strings.HasSuffix(r.Name, src.nameSuffix)
		})
		return paginate.NewSliceSource(rows, func(r ExecutionRecord) int64 { return r.ID }), nil
	default:
		return nil, fmt.Errorf("store: no record source for %T", repo)
	}
}

// ReleaseIdle drops the idle pooled connections of SQL stores so parallel
// workers opening their own connections do not contend with the parent.
func ReleaseIdle(repo ExecutionRepo) error {
	type dbHolder interface{ DB() *sql.DB }
	if h, ok := repo.(dbHolder); ok {
		h.DB().SetMaxIdleConns(0)
	}
	return nil
}
