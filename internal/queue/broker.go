// Package queue implements the trigger queue shared by producers of command
// tasks and the queue-driven consumer loop.
//
// A queue is a FIFO list of opaque string tokens stored under one broker key.
// Producers append with CreateTask, the consumer pops from the head, and
// ClearTask drops everything still pending.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrBrokerClosed is returned by brokers after Close.
var ErrBrokerClosed = errors.New("queue: broker closed")

// Broker is the list primitive the queue is built on.
type Broker interface {
	// Push appends value to the tail of the list at key.
	Push(ctx context.Context, key, value string) error
	// PopNonBlocking removes and returns up to count items from the head of
	// the list. It returns an empty slice when the list is empty.
	PopNonBlocking(ctx context.Context, key string, count int) ([]string, error)
	// PopBlocking waits up to timeout for an item at the head of the list.
	// ok is false when the timeout elapsed without an item.
	PopBlocking(ctx context.Context, key string, timeout time.Duration) (value string, ok bool, err error)
	// Delete removes every pending item under key.
	Delete(ctx context.Context, key string) error
	// Len returns the number of pending items under key.
	Len(ctx context.Context, key string) (int64, error)
}
