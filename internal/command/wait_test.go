package command

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/BTreeMap/CommandPipe/internal/queue"
	"github.com/BTreeMap/CommandPipe/internal/shutdown"
)

func newWaitFixture(t *testing.T, name string) (*queue.Queue, *shutdown.Signal, context.Context) {
	t.Helper()
	broker := queue.NewMemoryBroker()
	t.Cleanup(func() { broker.Close() })
	sig := shutdown.New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return queue.New(broker, name), sig, shutdown.WithSignal(ctx, sig)
}

func pushAll(t *testing.T, ctx context.Context, q *queue.Queue, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := q.CreateTask(ctx, id); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}
}

func TestWaitSquashCollapsesTriggers(t *testing.T) {
	q, sig, ctx := newWaitFixture(t, "squash")
	pushAll(t, ctx, q, "1", "2", "3", "4", "5")

	var seen []string
	w := &Wait{Queue: q, BlockTimeout: 20 * time.Millisecond}
	processed, err := w.Run(ctx, func(ctx context.Context, task string) error {
		seen = append(seen, task)
		sig.Trigger()
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed >= 5 || len(seen) >= 5 {
		t.Fatalf("expected fewer than 5 invocations, got %d", len(seen))
	}
	if len(seen) != 1 || seen[0] != "1" {
		t.Fatalf("expected only the first popped task, got %v", seen)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("expected empty queue after squash, got %d", n)
	}
}

func TestWaitBatchNoSquashOrder(t *testing.T) {
	q, sig, ctx := newWaitFixture(t, "batch")
	pushAll(t, ctx, q, "1", "2", "3")

	var seen []string
	w := &Wait{
		Queue:        q,
		NoSquash:     true,
		BatchSize:    2,
		MaxRunTime:   Bounded(10),
		BlockTimeout: 20 * time.Millisecond,
	}
	processed, err := w.Run(ctx, func(ctx context.Context, task string) error {
		seen = append(seen, task)
		if task == "3" {
			sig.Trigger()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 3 || !slices.Equal(seen, []string{"1", "2", "3"}) {
		t.Fatalf("expected every task exactly once in push order, got %v", seen)
	}
}

func TestWaitMaxRunTime(t *testing.T) {
	q, _, ctx := newWaitFixture(t, "max")
	pushAll(t, ctx, q, "1", "2", "3", "4", "5")

	var seen []string
	w := &Wait{Queue: q, NoSquash: true, BatchSize: 2, MaxRunTime: Bounded(3)}
	processed, err := w.Run(ctx, func(ctx context.Context, task string) error {
		seen = append(seen, task)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 3 || !slices.Equal(seen, []string{"1", "2", "3"}) {
		t.Fatalf("expected exactly 3 tasks, got %v", seen)
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Fatalf("expected 2 tasks left in the queue, got %d", n)
	}
}

func TestWaitImmediately(t *testing.T) {
	q, sig, ctx := newWaitFixture(t, "immediately")
	var seen []string
	w := &Wait{Queue: q, Immediately: true, BlockTimeout: 20 * time.Millisecond}
	processed, err := w.Run(ctx, func(ctx context.Context, task string) error {
		seen = append(seen, task)
		sig.Trigger()
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 1 || len(seen) != 1 || seen[0] == "" {
		t.Fatalf("expected one timestamp-token task, got %v", seen)
	}
}

func TestWaitBlockingPop(t *testing.T) {
	q, sig, ctx := newWaitFixture(t, "blocking")
	go func() {
		time.Sleep(30 * time.Millisecond)
		q.CreateTask(ctx, "late")
	}()

	var seen []string
	w := &Wait{Queue: q, BlockTimeout: 10 * time.Millisecond}
	_, err := w.Run(ctx, func(ctx context.Context, task string) error {
		seen = append(seen, task)
		sig.Trigger()
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(seen, []string{"late"}) {
		t.Fatalf("expected late task, got %v", seen)
	}
}

func TestWaitShutdownWhileIdle(t *testing.T) {
	q, sig, ctx := newWaitFixture(t, "idle")
	go func() {
		time.Sleep(50 * time.Millisecond)
		sig.Trigger()
	}()
	w := &Wait{Queue: q, BlockTimeout: 10 * time.Millisecond}
	start := time.Now()
	processed, err := w.Run(ctx, func(ctx context.Context, task string) error {
		t.Errorf("unexpected task %q", task)
		return nil
	})
	if err != nil || processed != 0 {
		t.Fatalf("expected clean stop, got %d %v", processed, err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("consumer did not notice shutdown promptly")
	}
}

func TestWaitHandlerError(t *testing.T) {
	q, _, ctx := newWaitFixture(t, "error")
	pushAll(t, ctx, q, "1", "2")
	boom := errors.New("boom")
	w := &Wait{Queue: q, NoSquash: true}
	processed, err := w.Run(ctx, func(ctx context.Context, task string) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed task, got %d", processed)
	}
}

func TestWaitErrStop(t *testing.T) {
	q, _, ctx := newWaitFixture(t, "stop")
	pushAll(t, ctx, q, "1", "2")
	w := &Wait{Queue: q, NoSquash: true}
	processed, err := w.Run(ctx, func(ctx context.Context, task string) error { return ErrStop })
	if err != nil || processed != 1 {
		t.Fatalf("expected clean stop after one task, got %d %v", processed, err)
	}
}

func TestWaitRequiresQueue(t *testing.T) {
	w := &Wait{}
	if _, err := w.Run(context.Background(), func(context.Context, string) error { return nil }); err == nil {
		t.Fatal("expected error without a queue")
	}
}
