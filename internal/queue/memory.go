package queue

import (
	"context"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Broker = (*MemoryBroker)(nil)

// MemoryBroker is an in-process Broker used by tests and single-process runs.
type MemoryBroker struct {
	mu     sync.Mutex
	lists  map[string][]string
	notify chan struct{} // closed and replaced on every push
	closed bool
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		lists:  make(map[string][]string),
		notify: make(chan struct{}),
	}
}

func (b *MemoryBroker) Push(ctx context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.lists[key] = append(b.lists[key], value)
	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

func (b *MemoryBroker) PopNonBlocking(ctx context.Context, key string, count int) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	return b.popLocked(key, count), nil
}

func (b *MemoryBroker) popLocked(key string, count int) []string {
	if count < 1 {
		count = 1
	}
	list := b.lists[key]
	if len(list) == 0 {
		return nil
	}
	if count > len(list) {
		count = len(list)
	}
	out := make([]string, count)
	copy(out, list[:count])
	if count == len(list) {
		delete(b.lists, key)
	} else {
		b.lists[key] = list[count:]
	}
	return out
}

func (b *MemoryBroker) PopBlocking(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return "", false, ErrBrokerClosed
		}
		if items := b.popLocked(key, 1); len(items) == 1 {
			b.mu.Unlock()
			return items[0], true, nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return "", false, nil
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

func (b *MemoryBroker) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.lists, key)
	return nil
}

func (b *MemoryBroker) Len(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.lists[key])), nil
}

// Close wakes blocked poppers and rejects further use.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.notify)
	}
	return nil
}
