package command

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/CommandPipe/internal/shutdown"
)

func TestLimit(t *testing.T) {
	tests := []struct {
		name      string
		limit     Limit
		count     int
		allows    bool
		remaining int
	}{
		{"bounded below", Bounded(3), 2, true, 1},
		{"bounded reached", Bounded(3), 3, false, 0},
		{"bounded zero", Bounded(0), 0, false, 0},
		{"negative clamps", Bounded(-1), 0, false, 0},
		{"unbounded", Unbounded(), 1 << 30, true, -1},
		{"unset", Limit{}, 0, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.limit.Allows(tt.count); got != tt.allows {
				t.Errorf("Allows(%d) = %v, want %v", tt.count, got, tt.allows)
			}
			if got := tt.limit.Remaining(tt.count); got != tt.remaining {
				t.Errorf("Remaining(%d) = %d, want %d", tt.count, got, tt.remaining)
			}
		})
	}

	if got := (Limit{}).Or(Bounded(7)); !got.IsBounded() || got.N() != 7 {
		t.Errorf("unset limit should resolve to its default, got %v", got)
	}
	if got := Unbounded().Or(Bounded(7)); got.IsBounded() {
		t.Errorf("explicit limit should win over the default, got %v", got)
	}
}

func TestChainOrder(t *testing.T) {
	var trace []string
	mw := func(tag string) Middleware {
		return func(name string, h Handler) Handler {
			return func(ctx context.Context) error {
				trace = append(trace, tag)
				return h(ctx)
			}
		}
	}
	h := Chain("x", func(ctx context.Context) error {
		trace = append(trace, "handler")
		return nil
	}, mw("outer"), mw("inner"))
	if err := h(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(trace, ",") != "outer,inner,handler" {
		t.Fatalf("unexpected order: %v", trace)
	}
}

func TestAutoLogReturnsErrorUnchanged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	boom := errors.New("boom")

	err := Run(context.Background(), logger, "log-error", func(ctx context.Context) error { return boom })
	if err != boom {
		t.Fatalf("expected the handler error itself, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "handler failed") || !strings.Contains(out, "name=log-error") || !strings.Contains(out, "error=boom") {
		t.Errorf("expected failure to be logged with context, got %q", out)
	}
}

func TestAutoLogRepanics(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	defer func() {
		r := recover()
		if r != "kaboom" {
			t.Fatalf("expected re-panic with original value, got %v", r)
		}
		if !strings.Contains(buf.String(), "handler panicked") {
			t.Errorf("expected panic to be logged, got %q", buf.String())
		}
	}()
	Run(context.Background(), logger, "panicky", func(ctx context.Context) error { panic("kaboom") })
	t.Fatal("Run should not return after a panic")
}

func TestAutoLogIgnoresStop(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	err := Run(context.Background(), logger, "stopper", func(ctx context.Context) error { return ErrStop })
	if !errors.Is(err, ErrStop) {
		t.Fatalf("expected ErrStop, got %v", err)
	}
	if strings.Contains(buf.String(), "handler failed") {
		t.Errorf("ErrStop must not be logged as a failure: %q", buf.String())
	}
}

func namedHandler(ctx context.Context) error { return nil }

func TestIdentity(t *testing.T) {
	if got := identity("explicit", namedHandler); got != "explicit" {
		t.Errorf("identity with name = %q", got)
	}
	got := identity("", namedHandler)
	if !strings.HasSuffix(got, "command.namedHandler") {
		t.Errorf("identity should fall back to the function name, got %q", got)
	}
}

func TestRepeatRunsMaxTimes(t *testing.T) {
	var calls int32
	r := &Repeat{Name: "three", Interval: NoPause, MaxTimes: Bounded(3)}
	runs, err := r.Run(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs != 3 || calls != 3 {
		t.Fatalf("expected 3 runs, got runs=%d calls=%d", runs, calls)
	}
}

func TestRepeatDefaultMaxTimes(t *testing.T) {
	r := &Repeat{Name: "default", Interval: NoPause}
	runs, err := r.Run(context.Background(), func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs != DefaultMaxTimes {
		t.Fatalf("expected %d runs, got %d", DefaultMaxTimes, runs)
	}
}

func TestRepeatRunTimesOverride(t *testing.T) {
	r := &Repeat{Name: "override", Interval: NoPause, MaxTimes: Bounded(100)}
	runs, err := r.RunTimes(context.Background(), func(ctx context.Context) error { return nil }, Bounded(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs != 5 {
		t.Fatalf("expected 5 runs, got %d", runs)
	}
}

func TestRepeatErrStop(t *testing.T) {
	r := &Repeat{Name: "stop", Interval: NoPause, MaxTimes: Unbounded()}
	runs, err := r.Run(context.Background(), func(ctx context.Context) error {
		return ErrStop
	})
	if err != nil {
		t.Fatalf("ErrStop must end the loop without error, got %v", err)
	}
	if runs != 1 {
		t.Fatalf("expected 1 run, got %d", runs)
	}
}

func TestRepeatHandlerError(t *testing.T) {
	boom := errors.New("boom")
	r := &Repeat{Name: "fail", Interval: NoPause, MaxTimes: Bounded(10)}
	runs, err := r.Run(context.Background(), func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if runs != 1 {
		t.Fatalf("expected loop to stop after the failing run, got %d", runs)
	}
}

func TestRepeatShutdownMidLoop(t *testing.T) {
	sig := shutdown.New()
	ctx := shutdown.WithSignal(context.Background(), sig)

	var started, completed int32
	r := &Repeat{Name: "warm", Interval: NoPause, MaxTimes: Unbounded()}
	runs, err := r.Run(ctx, func(ctx context.Context) error {
		n := atomic.AddInt32(&started, 1)
		if n == 3 {
			sig.Trigger()
			// The current invocation still runs to completion.
			time.Sleep(10 * time.Millisecond)
		}
		atomic.AddInt32(&completed, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs != 3 || started != 3 || completed != 3 {
		t.Fatalf("expected exactly 3 completed runs, got runs=%d started=%d completed=%d", runs, started, completed)
	}
}

func TestRepeatShutdownDuringPause(t *testing.T) {
	sig := shutdown.New()
	ctx := shutdown.WithSignal(context.Background(), sig)
	go func() {
		time.Sleep(20 * time.Millisecond)
		sig.Trigger()
	}()

	r := &Repeat{Name: "sleepy", Interval: time.Hour, MaxTimes: Unbounded()}
	start := time.Now()
	runs, err := r.Run(ctx, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs != 1 {
		t.Fatalf("expected 1 run, got %d", runs)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("shutdown did not interrupt the pause")
	}
}

func TestIntervalDefaults(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, DefaultInterval},
		{NoPause, 0},
		{250 * time.Millisecond, 250 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := intervalOr(tt.in); got != tt.want {
			t.Errorf("intervalOr(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRepeatZeroIntervalPauses(t *testing.T) {
	r := &Repeat{Name: "paced", MaxTimes: Bounded(2)}
	start := time.Now()
	runs, err := r.Run(context.Background(), func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs != 2 {
		t.Fatalf("expected 2 runs, got %d", runs)
	}
	if elapsed := time.Since(start); elapsed < DefaultInterval {
		t.Fatalf("expected at least %v between runs, took %v", DefaultInterval, elapsed)
	}
}

func TestRepeatContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Repeat{Name: "cancel", Interval: NoPause, MaxTimes: Unbounded()}
	runs, err := r.Run(ctx, func(ctx context.Context) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if runs != 1 {
		t.Fatalf("expected 1 run, got %d", runs)
	}
}

func TestDurationStopsAtDeadline(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	d := &Duration{
		Name:     "duration",
		Interval: NoPause,
		Duration: 5 * time.Second,
		now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	}
	runs, err := d.Run(context.Background(), func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The end time is computed at base+1s; iterations start at +2s..+5s.
	if runs != 4 {
		t.Fatalf("expected 4 runs before the deadline, got %d", runs)
	}
}

func TestDurationErrStop(t *testing.T) {
	d := &Duration{Name: "duration-stop", Interval: NoPause, Duration: time.Hour}
	calls := 0
	runs, err := d.Run(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 2 {
			return ErrStop
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs != 2 {
		t.Fatalf("expected 2 runs, got %d", runs)
	}
}

func TestDurationShutdown(t *testing.T) {
	sig := shutdown.New()
	sig.Trigger()
	ctx := shutdown.WithSignal(context.Background(), sig)
	d := &Duration{Name: "duration-shutdown", Interval: NoPause, Duration: time.Hour}
	runs, err := d.Run(ctx, func(ctx context.Context) error {
		t.Error("handler must not start after shutdown")
		return nil
	})
	if err != nil || runs != 0 {
		t.Fatalf("expected no runs and no error, got %d %v", runs, err)
	}
}
