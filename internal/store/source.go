package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/CommandPipe/internal/paginate"
)

// Compile-time check that ExecutionRecordSource is a pagination source.
var _ paginate.Source[int64, ExecutionRecord] = (*ExecutionRecordSource)(nil)

// ExecutionRecordSource exposes the execution_records table, ordered by id, to the
// paginator. An optional name suffix restricts the rows considered.
type ExecutionRecordSource struct {
	db         *sql.DB
	postgres   bool
	nameSuffix string
}

// SourceOption configures an ExecutionRecordSource.
type SourceOption func(*ExecutionRecordSource)

// WithNameSuffix limits the source to records whose name ends with suffix.
func WithNameSuffix(suffix string) SourceOption {
	return func(s *ExecutionRecordSource) { s.nameSuffix = suffix }
}

// NewSQLiteSource builds a pagination source over an SQLite store.
func NewSQLiteSource(s *SQLiteStore, opts ...SourceOption) *ExecutionRecordSource {
	return newExecutionRecordSource(s.db, false, opts)
}

// NewPostgresSource builds a pagination source over a Postgres store.
func NewPostgresSource(s *PostgresStore, opts ...SourceOption) *ExecutionRecordSource {
	return newExecutionRecordSource(s.db, true, opts)
}

func newExecutionRecordSource(db *sql.DB, postgres bool, opts []SourceOption) *ExecutionRecordSource {
	src := &ExecutionRecordSource{db: db, postgres: postgres}
	for _, opt := range opts {
		opt(src)
	}
	return src
}

// where returns the filter clause and its arguments. The name filter, when
// set, always binds first.
func (s *ExecutionRecordSource) where(conds []string, args []any) (string, []any) {
	if s.nameSuffix != "" {
		conds = append([]string{`name LIKE ? ESCAPE '\'`}, conds...)
		args = append([]any{"%" + escapeLike(s.nameSuffix)}, args...)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// rebind converts ? placeholders to $n for Postgres.
func (s *ExecutionRecordSource) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *ExecutionRecordSource) First(ctx context.Context) (int64, bool, error) {
	where, args := s.where(nil, nil)
	return s.scanKey(ctx, "SELECT id FROM execution_records"+where+" ORDER BY id LIMIT 1", args)
}

func (s *ExecutionRecordSource) Offset(ctx context.Context, from int64, n int) (int64, bool, error) {
	where, args := s.where([]string{"id >= ?"}, []any{from})
	args = append(args, n)
	return s.scanKey(ctx, "SELECT id FROM execution_records"+where+" ORDER BY id LIMIT 1 OFFSET ?", args)
}

func (s *ExecutionRecordSource) scanKey(ctx context.Context, query string, args []any) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("execution source key query failed: %w", err)
	}
	return id, true, nil
}

func (s *ExecutionRecordSource) Range(ctx context.Context, from, to int64, bounded bool) ([]ExecutionRecord, error) {
	conds := []string{"id >= ?"}
	args := []any{from}
	if bounded {
		conds = append(conds, "id < ?")
		args = append(args, to)
	}
	where, args := s.where(conds, args)
	query := "SELECT id, name, status, created_at, updated_at FROM execution_records" + where + " ORDER BY id"
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("execution source range query failed: %w", err)
	}
	return collectExecutions(rows)
}

func (s *ExecutionRecordSource) KeyOf(r ExecutionRecord) int64 {
	return r.ID
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
