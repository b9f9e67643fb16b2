package dispatch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CommandPipe/internal/metrics"
)

// Result reports the completion of one range.
type Result[K cmp.Ordered] struct {
	Range    Range[K]
	Worker   int
	Err      error
	Duration time.Duration
}

// Dispatcher runs Handle for every range on a pool of Workers goroutines. W is
// the per-worker state created by Setup, typically a store connection.
type Dispatcher[K cmp.Ordered, W any] struct {
	// Name labels log lines and metrics.
	Name string
	// Workers is the pool size. Defaults to runtime.NumCPU().
	Workers int
	// Release is called once before any worker starts so the caller can drop
	// connections that workers must not share.
	Release func() error
	// Setup is called once per worker before it takes its first range.
	Setup func(ctx context.Context, worker int) (W, error)
	// Teardown is called once per worker after it stops taking ranges.
	Teardown func(state W) error
	// Handle processes one range.
	Handle  func(ctx context.Context, state W, r Range[K]) error
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Run submits every range exactly once and returns the results in completion
// order. The error joins every handler failure with any setup or teardown
// failure. A failed Setup stops the remaining workers from taking new ranges.
func (d *Dispatcher[K, W]) Run(ctx context.Context, ranges []Range[K]) ([]Result[K], error) {
	if d.Handle == nil {
		return nil, errors.New("dispatch: Handle is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := d.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, max(len(ranges), 1))

	if d.Release != nil {
		if err := d.Release(); err != nil {
			return nil, fmt.Errorf("dispatch: release parent resources: %w", err)
		}
	}

	if len(ranges) == 0 {
		return nil, nil
	}

	tasks := make(chan Range[K], len(ranges))
	for _, r := range ranges {
		tasks <- r
	}
	close(tasks)

	results := make(chan Result[K], len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			return d.work(gctx, logger, worker, tasks, results)
		})
	}

	var poolErr error
	go func() {
		poolErr = g.Wait()
		close(results)
	}()

	logger.Info("Dispatcher.Run: dispatching", "name", d.Name, "tasks", len(ranges), "workers", workers)
	out := make([]Result[K], 0, len(ranges))
	var errs []error
	for res := range results {
		out = append(out, res)
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("range [%v, %v]: %w", res.Range.First, res.Range.Last, res.Err))
		}
	}
	if poolErr != nil {
		errs = append(errs, poolErr)
	}
	if len(out) < len(ranges) {
		errs = append(errs, fmt.Errorf("dispatch: %d of %d ranges were not processed", len(ranges)-len(out), len(ranges)))
	}
	logger.Info("Dispatcher.Run: done", "name", d.Name, "completed", len(out), "failed", len(errs))
	return out, errors.Join(errs...)
}

func (d *Dispatcher[K, W]) work(ctx context.Context, logger *slog.Logger, worker int, tasks <-chan Range[K], results chan<- Result[K]) (err error) {
	var state W
	if d.Setup != nil {
		state, err = d.Setup(ctx, worker)
		if err != nil {
			return fmt.Errorf("dispatch: worker %d setup: %w", worker, err)
		}
	}
	if d.Teardown != nil {
		defer func() {
			if tdErr := d.Teardown(state); tdErr != nil && err == nil {
				err = fmt.Errorf("dispatch: worker %d teardown: %w", worker, tdErr)
			}
		}()
	}

	for r := range tasks {
		if ctx.Err() != nil {
			return nil
		}
		d.Metrics.DispatchStarted(d.Name)
		start := time.Now()
		herr := d.Handle(ctx, state, r)
		d.Metrics.DispatchFinished(d.Name, herr != nil)
		if herr != nil {
			logger.Error("Dispatcher.work: range failed", "name", d.Name, "worker", worker, "first", r.First, "last", r.Last, "error", herr)
		}
		results <- Result[K]{Range: r, Worker: worker, Err: herr, Duration: time.Since(start)}
	}
	return nil
}
