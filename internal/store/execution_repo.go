package store

import (
	"context"
	"errors"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution record.
type ExecutionStatus string

const (
	StatusPending  ExecutionStatus = "pending"
	StatusSkipped  ExecutionStatus = "skipped"
	StatusFinished ExecutionStatus = "finished"
)

// ErrNotFound is returned when an update targets a record that does not exist.
var ErrNotFound = errors.New("execution record not found")

// ExecutionRecord is one invocation attempt of a single-instance command.
type ExecutionRecord struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Status    ExecutionStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ExecutionRepo defines the persistence used by the single-instance guard.
type ExecutionRepo interface {
	// CreateExecution inserts a pending record for name.
	CreateExecution(ctx context.Context, name string) (ExecutionRecord, error)

	// ListLiveExecutions returns pending records for name created at or after
	// since, excluding the record with id excludeID.
	ListLiveExecutions(ctx context.Context, name string, since time.Time, excludeID int64) ([]ExecutionRecord, error)

	// UpdateExecutionStatus sets the status of a record and bumps updated_at.
	UpdateExecutionStatus(ctx context.Context, id int64, status ExecutionStatus) error

	// GetExecution retrieves a single record by id. It returns nil, nil when
	// no such record exists.
	GetExecution(ctx context.Context, id int64) (*ExecutionRecord, error)

	// ListExecutions returns the most recent records, newest first. An empty
	// name matches every command. A non-positive limit returns all records.
	ListExecutions(ctx context.Context, name string, limit int) ([]ExecutionRecord, error)

	// TouchExecutions bumps updated_at on every record with first <= id <= last
	// and returns the number of rows touched.
	TouchExecutions(ctx context.Context, first, last int64) (int64, error)

	// Close releases the underlying connections.
	Close() error
}

// GuardedExecutionRepo is implemented by stores that can check for live
// records and create a new one atomically.
type GuardedExecutionRepo interface {
	ExecutionRepo

	// CreateExecutionIfIdle inserts a pending record for name and returns it
	// together with the other live records that existed when it was created.
	CreateExecutionIfIdle(ctx context.Context, name string, since time.Time) (ExecutionRecord, []ExecutionRecord, error)
}
