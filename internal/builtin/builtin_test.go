package builtin

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CommandPipe/internal/command"
	"github.com/BTreeMap/CommandPipe/internal/config"
	"github.com/BTreeMap/CommandPipe/internal/lockfile"
	"github.com/BTreeMap/CommandPipe/internal/paginate"
	"github.com/BTreeMap/CommandPipe/internal/queue"
	"github.com/BTreeMap/CommandPipe/internal/shutdown"
	"github.com/BTreeMap/CommandPipe/internal/store"
	"github.com/BTreeMap/CommandPipe/internal/testutil"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newRegistry(t *testing.T, d Deps) *command.Registry {
	t.Helper()
	reg := command.NewRegistry()
	if err := Register(reg, d); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func TestRegisterAll(t *testing.T) {
	reg := newRegistry(t, Deps{})
	want := []string{DateTimeDemo, LogError, OnlyOne, Slow, TouchRecords, WaitDemo, WarmShutdown}
	got := reg.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if err := Register(reg, Deps{}); !errors.Is(err, command.ErrDuplicateCommand) {
		t.Errorf("second Register error = %v, want ErrDuplicateCommand", err)
	}
}

func TestLogErrorReturnsError(t *testing.T) {
	reg := newRegistry(t, Deps{})
	if err := reg.Call(context.Background(), LogError, command.Args{}); err == nil || err.Error() != "error" {
		t.Errorf("expected the handler error, got %v", err)
	}
}

func TestOnlyOneMarksFinishedAndSkipsConcurrentRun(t *testing.T) {
	repo := store.NewInMemoryStore()
	out := &syncBuffer{}
	reg := newRegistry(t, Deps{Repo: repo, Out: out, Pause: 100 * time.Millisecond})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = reg.Call(context.Background(), OnlyOne, command.Args{})
		}()
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("expected exactly one run to reach the failing handler, got %d (%v)", failures, errs)
	}

	records := repo.Snapshot()
	counts := map[store.ExecutionStatus]int{}
	for _, r := range records {
		counts[r.Status]++
	}
	if counts[store.StatusFinished] != 1 || counts[store.StatusSkipped] != 1 {
		t.Errorf("expected one finished and one skipped record, got %v", counts)
	}
	if strings.Count(out.String(), "I'm running.") != 1 {
		t.Errorf("handler should run once, output %q", out.String())
	}
}

func TestOnlyOneNeedsStore(t *testing.T) {
	reg := newRegistry(t, Deps{})
	if err := reg.Call(context.Background(), OnlyOne, command.Args{}); !errors.Is(err, ErrNeedsDependency) {
		t.Errorf("expected ErrNeedsDependency, got %v", err)
	}
}

func TestWarmShutdownHonorsTimes(t *testing.T) {
	out := &syncBuffer{}
	reg := newRegistry(t, Deps{Out: out, Pause: time.Millisecond})
	if err := reg.Call(context.Background(), WarmShutdown, command.Args{Times: command.Bounded(3)}); err != nil {
		t.Fatalf("warm-shutdown: %v", err)
	}
	if got := strings.Count(out.String(), "I'm running"); got != 3 {
		t.Errorf("expected 3 iterations, got %d", got)
	}
	if !strings.Contains(out.String(), "stop after 3 runs") {
		t.Errorf("missing summary in %q", out.String())
	}
}

func TestWarmShutdownStopsOnSignal(t *testing.T) {
	out := &syncBuffer{}
	reg := newRegistry(t, Deps{Out: out, Pause: 10 * time.Millisecond})
	sig := shutdown.New()
	ctx := shutdown.WithSignal(context.Background(), sig)

	done := make(chan error, 1)
	go func() { done <- reg.Call(ctx, WarmShutdown, command.Args{}) }()
	time.Sleep(50 * time.Millisecond)
	sig.Trigger()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("warm-shutdown returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("warm-shutdown did not stop")
	}
}

func TestSlowHonorsContext(t *testing.T) {
	reg := newRegistry(t, Deps{Pause: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := reg.Call(ctx, Slow, command.Args{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	fast := newRegistry(t, Deps{Pause: time.Millisecond})
	if err := fast.Call(context.Background(), Slow, command.Args{Positional: []string{"a"}}); err != nil {
		t.Errorf("slow: %v", err)
	}
}

func TestWaitDemoProcessesWithoutSquash(t *testing.T) {
	broker := queue.NewMemoryBroker()
	defer broker.Close()
	q := queue.New(broker, WaitDemo)
	for _, id := range []string{"1", "2", "3", "4"} {
		if _, err := q.CreateTask(context.Background(), id); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	cfg := &config.Config{BlockTimeout: 10 * time.Millisecond}
	reg := newRegistry(t, Deps{Broker: broker, Config: cfg, LockDir: t.TempDir()})
	if err := reg.Call(context.Background(), WaitDemo, command.Args{Times: command.Bounded(3)}); err != nil {
		t.Fatalf("wait-demo: %v", err)
	}
	if n, _ := q.Len(context.Background()); n != 1 {
		t.Errorf("expected one task left after processing 3 without squash, got %d", n)
	}
}

func TestWaitDemoNeedsBroker(t *testing.T) {
	reg := newRegistry(t, Deps{})
	if err := reg.Call(context.Background(), WaitDemo, command.Args{}); !errors.Is(err, ErrNeedsDependency) {
		t.Errorf("expected ErrNeedsDependency, got %v", err)
	}
}

func TestConsumeRejectsSecondConsumer(t *testing.T) {
	broker := queue.NewMemoryBroker()
	defer broker.Close()
	q := queue.New(broker, "locked")
	dir := t.TempDir()

	held, err := lockfile.AcquireLock(dir, q.Key())
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer held.Release()

	w := &command.Wait{Queue: q, MaxRunTime: command.Bounded(1)}
	_, err = Consume(context.Background(), dir, w, func(context.Context, string) error { return nil })
	var lockErr *lockfile.LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockError, got %v", err)
	}
}

func TestDateTimeDemo(t *testing.T) {
	out := &syncBuffer{}
	reg := newRegistry(t, Deps{Out: out})
	args := command.Args{Positional: []string{"2024-03-22", "2024-03-22T01:02:03+04:00"}, Options: map[string]string{"tz": "UTC"}}
	if err := reg.Call(context.Background(), DateTimeDemo, args); err != nil {
		t.Fatalf("datetime-demo: %v", err)
	}
	want := "2024-03-22T00:00:00Z\n2024-03-22T01:02:03+04:00\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}

	if err := reg.Call(context.Background(), DateTimeDemo, command.Args{}); err == nil {
		t.Error("expected an error without arguments")
	}
	if err := reg.Call(context.Background(), DateTimeDemo, command.Args{Positional: []string{"soon"}}); err == nil {
		t.Error("expected an error for an invalid date")
	}
}

func TestTouchRecordsInMemory(t *testing.T) {
	repo := store.NewInMemoryStore()
	testutil.SeedExecutions(t, repo, "seed", 25)
	before := repo.Snapshot()
	src := paginate.NewSliceSource(before, func(r store.ExecutionRecord) int64 { return r.ID })

	released := 0
	out := &syncBuffer{}
	reg := newRegistry(t, Deps{
		Repo:    repo,
		Records: src,
		Release: func() error {
			released++
			return nil
		},
		Out: out,
	})
	time.Sleep(5 * time.Millisecond)
	args := command.Args{Jobs: 3, Options: map[string]string{"batch-size": "10"}}
	if err := reg.Call(context.Background(), TouchRecords, args); err != nil {
		t.Fatalf("touch-records: %v", err)
	}
	if released != 1 {
		t.Errorf("expected Release once, got %d", released)
	}
	if !strings.Contains(out.String(), "touched 25 records in 3 ranges") {
		t.Errorf("unexpected output %q", out.String())
	}
	after := repo.Snapshot()
	for i := range after {
		if !after[i].UpdatedAt.After(before[i].UpdatedAt) {
			t.Errorf("record %d was not touched", after[i].ID)
		}
	}
}

func TestTouchRecordsSQLitePerWorkerConnections(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "touch.db")
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	testutil.SeedExecutions(t, s, "seed", 30)

	var mu sync.Mutex
	opened := 0
	out := &syncBuffer{}
	reg := newRegistry(t, Deps{
		Repo:    s,
		Records: store.NewSQLiteSource(s),
		OpenRepo: func() (store.ExecutionRepo, error) {
			mu.Lock()
			opened++
			mu.Unlock()
			return store.NewSQLiteStore(store.WithSQLiteDSN(dbPath))
		},
		Out: out,
	})
	args := command.Args{Jobs: 2, Times: command.Bounded(2), Options: map[string]string{"batch-size": "10"}}
	if err := reg.Call(context.Background(), TouchRecords, args); err != nil {
		t.Fatalf("touch-records: %v", err)
	}
	if opened != 2 {
		t.Errorf("expected one connection per worker, got %d", opened)
	}
	if !strings.Contains(out.String(), "touched 20 records in 2 ranges") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestTouchRecordsNeedsStore(t *testing.T) {
	reg := newRegistry(t, Deps{})
	if err := reg.Call(context.Background(), TouchRecords, command.Args{}); !errors.Is(err, ErrNeedsDependency) {
		t.Errorf("expected ErrNeedsDependency, got %v", err)
	}
	bad := newRegistry(t, Deps{Repo: store.NewInMemoryStore(), Records: paginate.NewSliceSource[int64, store.ExecutionRecord](nil, func(r store.ExecutionRecord) int64 { return r.ID })})
	if err := bad.Call(context.Background(), TouchRecords, command.Args{Options: map[string]string{"batch-size": "x"}}); err == nil {
		t.Error("expected invalid batch-size to fail")
	}
}
