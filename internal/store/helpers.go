package store

import (
	"database/sql"
	"fmt"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// scanExecution scans an ExecutionRecord from sql.Rows.
func scanExecution(rows *sql.Rows) (ExecutionRecord, error) {
	r, err := scanExecutionFrom(rows)
	if err != nil {
		return r, fmt.Errorf("scan execution record failed: %w", err)
	}
	return r, nil
}

// scanExecutionRow scans an ExecutionRecord from a single sql.Row.
func scanExecutionRow(row *sql.Row) (ExecutionRecord, error) {
	return scanExecutionFrom(row)
}

func scanExecutionFrom(s rowScanner) (ExecutionRecord, error) {
	var r ExecutionRecord
	var status string
	err := s.Scan(&r.ID, &r.Name, &status, &r.CreatedAt, &r.UpdatedAt)
	r.Status = ExecutionStatus(status)
	return r, err
}

// collectExecutions drains rows into a slice and closes them.
func collectExecutions(rows *sql.Rows) ([]ExecutionRecord, error) {
	defer rows.Close()
	var out []ExecutionRecord
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution rows iteration failed: %w", err)
	}
	return out, nil
}
