package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// KeyPrefix namespaces every queue key in the broker.
const KeyPrefix = "commandpipe:wait:"

// KeyFor returns the broker key of the queue named name.
func KeyFor(name string) string {
	return KeyPrefix + name
}

// Queue is one named trigger queue.
type Queue struct {
	broker Broker
	name   string
	key    string
	now    func() time.Time
}

// New returns the queue named name on broker.
func New(broker Broker, name string) *Queue {
	return &Queue{broker: broker, name: name, key: KeyFor(name), now: time.Now}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Key returns the broker key backing the queue.
func (q *Queue) Key() string { return q.key }

// CreateTask appends a task token to the queue. An empty id is replaced with
// the current Unix time in fractional seconds.
func (q *Queue) CreateTask(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = timestampToken(q.now())
	}
	if err := q.broker.Push(ctx, q.key, id); err != nil {
		return "", fmt.Errorf("queue %s: create task: %w", q.name, err)
	}
	slog.Debug("Queue.CreateTask", "queue", q.name, "task", id)
	return id, nil
}

// ClearTask drops every pending task.
func (q *Queue) ClearTask(ctx context.Context) error {
	if err := q.broker.Delete(ctx, q.key); err != nil {
		return fmt.Errorf("queue %s: clear: %w", q.name, err)
	}
	slog.Debug("Queue.ClearTask", "queue", q.name)
	return nil
}

// Pop removes up to batchSize tasks without waiting.
func (q *Queue) Pop(ctx context.Context, batchSize int) ([]string, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	tasks, err := q.broker.PopNonBlocking(ctx, q.key, batchSize)
	if err != nil {
		return nil, fmt.Errorf("queue %s: pop: %w", q.name, err)
	}
	return tasks, nil
}

// PopWait waits up to timeout for one task. ok is false on timeout.
func (q *Queue) PopWait(ctx context.Context, timeout time.Duration) (string, bool, error) {
	task, ok, err := q.broker.PopBlocking(ctx, q.key, timeout)
	if err != nil {
		return "", false, fmt.Errorf("queue %s: wait: %w", q.name, err)
	}
	return task, ok, nil
}

// Len returns the number of pending tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.broker.Len(ctx, q.key)
	if err != nil {
		return 0, fmt.Errorf("queue %s: length: %w", q.name, err)
	}
	return n, nil
}

func timestampToken(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}
