package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/CommandPipe/internal/paginate"
)

func intSource(n int) *paginate.SliceSource[int, int] {
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i + 1
	}
	return paginate.NewSliceSource(rows, func(r int) int { return r })
}

func TestGenerate(t *testing.T) {
	ranges, err := Generate(context.Background(), intSource(25), GenerateOptions{BatchSize: 10})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	want := []Range[int]{{1, 10}, {11, 20}, {21, 25}}
	if len(ranges) != len(want) {
		t.Fatalf("expected %v, got %v", want, ranges)
	}
	for i := range want {
		if ranges[i] != want[i] {
			t.Errorf("range %d = %v, want %v", i, ranges[i], want[i])
		}
	}
}

func TestGenerateMaxTasks(t *testing.T) {
	ranges, err := Generate(context.Background(), intSource(100), GenerateOptions{BatchSize: 10, MaxTasks: 3})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(ranges) != 3 {
		t.Fatalf("expected 3 ranges, got %d", len(ranges))
	}
}

func TestGenerateDeadline(t *testing.T) {
	ranges, err := Generate(context.Background(), intSource(100), GenerateOptions{
		BatchSize: 10,
		Deadline:  time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	// A past deadline still lets the first window through.
	if len(ranges) != 1 {
		t.Fatalf("expected 1 range, got %d", len(ranges))
	}
}

func TestGenerateEmpty(t *testing.T) {
	ranges, err := Generate(context.Background(), intSource(0), GenerateOptions{})
	if err != nil || len(ranges) != 0 {
		t.Fatalf("expected no ranges, got %v %v", ranges, err)
	}
}

type conn struct {
	worker int
	closed bool
}

func TestDispatcherRunsEveryRangeOnce(t *testing.T) {
	ranges, err := Generate(context.Background(), intSource(95), GenerateOptions{BatchSize: 10})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var released, setups, teardowns int32
	var mu sync.Mutex
	seen := make(map[Range[int]]int)
	rows := 0

	d := &Dispatcher[int, *conn]{
		Name:    "test",
		Workers: 4,
		Release: func() error {
			if atomic.LoadInt32(&setups) != 0 {
				t.Error("Release must run before any worker Setup")
			}
			atomic.AddInt32(&released, 1)
			return nil
		},
		Setup: func(ctx context.Context, worker int) (*conn, error) {
			atomic.AddInt32(&setups, 1)
			return &conn{worker: worker}, nil
		},
		Teardown: func(c *conn) error {
			c.closed = true
			atomic.AddInt32(&teardowns, 1)
			return nil
		},
		Handle: func(ctx context.Context, c *conn, r Range[int]) error {
			if c == nil || c.closed {
				t.Error("handler received an unusable worker state")
			}
			mu.Lock()
			seen[r]++
			rows += r.Last - r.First + 1
			mu.Unlock()
			return nil
		},
	}

	results, err := d.Run(context.Background(), ranges)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != len(ranges) {
		t.Fatalf("expected %d results, got %d", len(ranges), len(results))
	}
	for _, r := range ranges {
		if seen[r] != 1 {
			t.Errorf("range %v handled %d times", r, seen[r])
		}
	}
	if rows != 95 {
		t.Errorf("expected 95 rows covered, got %d", rows)
	}
	if released != 1 {
		t.Errorf("expected Release once, got %d", released)
	}
	if setups != 4 || teardowns != 4 {
		t.Errorf("expected one Setup and Teardown per worker, got %d/%d", setups, teardowns)
	}
}

func TestDispatcherCollectsFailures(t *testing.T) {
	boom := errors.New("boom")
	ranges := []Range[int]{{1, 1}, {2, 2}, {3, 3}}
	d := &Dispatcher[int, struct{}]{
		Workers: 2,
		Handle: func(ctx context.Context, _ struct{}, r Range[int]) error {
			if r.First == 2 {
				return boom
			}
			return nil
		},
	}
	results, err := d.Run(context.Background(), ranges)
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined handler error, got %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("a failing range must not stop the others, got %d results", len(results))
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("expected 1 failed result, got %d", failed)
	}
}

func TestDispatcherSetupFailure(t *testing.T) {
	boom := errors.New("no connection")
	d := &Dispatcher[int, struct{}]{
		Workers: 1,
		Setup: func(ctx context.Context, worker int) (struct{}, error) {
			return struct{}{}, boom
		},
		Handle: func(ctx context.Context, _ struct{}, r Range[int]) error {
			t.Error("Handle must not run after a failed Setup")
			return nil
		},
	}
	_, err := d.Run(context.Background(), []Range[int]{{1, 5}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected setup error, got %v", err)
	}
}

func TestDispatcherReleaseFailure(t *testing.T) {
	boom := errors.New("close failed")
	d := &Dispatcher[int, struct{}]{
		Release: func() error { return boom },
		Handle:  func(ctx context.Context, _ struct{}, r Range[int]) error { return nil },
	}
	if _, err := d.Run(context.Background(), []Range[int]{{1, 1}}); !errors.Is(err, boom) {
		t.Fatalf("expected release error, got %v", err)
	}
}

func TestDispatcherNoRanges(t *testing.T) {
	d := &Dispatcher[int, struct{}]{
		Handle: func(ctx context.Context, _ struct{}, r Range[int]) error { return nil },
	}
	results, err := d.Run(context.Background(), nil)
	if err != nil || len(results) != 0 {
		t.Fatalf("expected no results, got %v %v", results, err)
	}
}
