package command

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/CommandPipe/internal/metrics"
	"github.com/BTreeMap/CommandPipe/internal/queue"
	"github.com/BTreeMap/CommandPipe/internal/shutdown"
)

// DefaultBlockTimeout bounds each blocking pop so the consumer re-checks the
// shutdown token regularly.
const DefaultBlockTimeout = 5 * time.Second

// Wait consumes a trigger queue, invoking a TaskHandler for every popped task.
type Wait struct {
	// Name identifies the consumer in logs and metrics. Defaults to the queue name.
	Name  string
	Queue *queue.Queue
	// Immediately pushes one trigger before the loop starts.
	Immediately bool
	// NoSquash keeps triggers that arrive while a batch is claimed. By default
	// the queue is cleared after each pop so pending triggers collapse into one.
	NoSquash bool
	// BatchSize is the maximum number of tasks popped at once. Defaults to 1.
	BatchSize int
	// MaxRunTime caps the number of processed tasks. Unset means unbounded.
	MaxRunTime Limit
	// BlockTimeout bounds the blocking pop. Defaults to DefaultBlockTimeout.
	BlockTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Collector
}

// Run processes tasks until the shutdown token fires, MaxRunTime tasks were
// processed, or the handler fails. Tasks are processed in pop order. A handler
// returning ErrStop ends the loop without error. Run returns the number of
// processed tasks.
func (w *Wait) Run(ctx context.Context, th TaskHandler) (int, error) {
	if w.Queue == nil {
		return 0, errors.New("command: Wait requires a Queue")
	}
	q := w.Queue
	name := w.Name
	if name == "" {
		name = q.Name()
	}
	logger := loggerOr(w.Logger)
	batch := max(w.BatchSize, 1)
	blockTimeout := w.BlockTimeout
	if blockTimeout <= 0 {
		blockTimeout = DefaultBlockTimeout
	}
	limit := w.MaxRunTime.Or(Unbounded())

	if w.Immediately {
		if _, err := q.CreateTask(ctx, ""); err != nil {
			return 0, err
		}
		w.Metrics.RecordEnqueue(q.Name())
	}

	logger.Info("Wait.Run: consuming", "name", name, "key", q.Key(), "batch_size", batch, "squash", !w.NoSquash, "max_run_time", limit.String())
	processed := 0
	for {
		if shutdown.Requested(ctx) {
			logger.Info("Wait.Run: shutdown requested, stopping", "name", name, "processed", processed)
			return processed, nil
		}
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if !limit.Allows(processed) {
			logger.Info("Wait.Run: max run time reached", "name", name, "processed", processed)
			return processed, nil
		}

		n := batch
		if rem := limit.Remaining(processed); rem >= 0 && rem < n {
			n = rem
		}
		tasks, err := q.Pop(ctx, n)
		if err != nil {
			return processed, err
		}
		if len(tasks) == 0 {
			task, ok, err := q.PopWait(ctx, blockTimeout)
			if err != nil {
				return processed, err
			}
			if !ok {
				continue
			}
			tasks = []string{task}
		}

		if !w.NoSquash {
			if err := q.ClearTask(ctx); err != nil {
				return processed, err
			}
			w.Metrics.RecordSquash(q.Name())
		}

		for _, task := range tasks {
			err := w.invoke(ctx, name, logger, th, task)
			processed++
			w.Metrics.RecordProcessed(q.Name())
			if errors.Is(err, ErrStop) {
				return processed, nil
			}
			if err != nil {
				return processed, err
			}
		}
	}
}

func (w *Wait) invoke(ctx context.Context, name string, logger *slog.Logger, th TaskHandler, task string) error {
	h := func(ctx context.Context) error { return th(ctx, task) }
	logger.Debug("Wait.Run: handling task", "name", name, "task", task)
	return Chain(name, h, AutoLog(logger.With("task", task)), Instrument(w.Metrics))(ctx)
}
