// Package builtin registers the example commands shipped with CommandPipe.
// Each one exercises a single execution policy end to end.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/BTreeMap/CommandPipe/internal/argtype"
	"github.com/BTreeMap/CommandPipe/internal/command"
	"github.com/BTreeMap/CommandPipe/internal/config"
	"github.com/BTreeMap/CommandPipe/internal/dispatch"
	"github.com/BTreeMap/CommandPipe/internal/lockfile"
	"github.com/BTreeMap/CommandPipe/internal/metrics"
	"github.com/BTreeMap/CommandPipe/internal/paginate"
	"github.com/BTreeMap/CommandPipe/internal/queue"
	"github.com/BTreeMap/CommandPipe/internal/store"
)

// Command names.
const (
	LogError     = "log-error"
	OnlyOne      = "only-one"
	WarmShutdown = "warm-shutdown"
	Slow         = "slow"
	WaitDemo     = "wait-demo"
	DateTimeDemo = "datetime-demo"
	TouchRecords = "touch-records"
)

// DefaultPause is how long the sleeping example commands block.
const DefaultPause = 5 * time.Second

// ErrNeedsDependency is returned when a command runs without the store or
// broker it needs.
var ErrNeedsDependency = errors.New("builtin: missing dependency")

// Deps holds what the example commands run against. Nil fields disable the
// commands that need them.
type Deps struct {
	Repo   store.ExecutionRepo
	Broker queue.Broker
	// Records feeds touch-records. It is usually a store.ExecutionRecordSource.
	Records paginate.Source[int64, store.ExecutionRecord]
	// OpenRepo opens a private store connection for one touch-records worker.
	// When nil the workers share Repo.
	OpenRepo func() (store.ExecutionRepo, error)
	// Release drops connections before touch-records workers start.
	Release func() error
	// LockDir enables the per-host single consumer lock for queue consumers.
	LockDir string
	Config  *config.Config
	Metrics *metrics.Collector
	Logger  *slog.Logger
	Out     io.Writer
	// Pause overrides DefaultPause.
	Pause time.Duration
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d Deps) out() io.Writer {
	if d.Out == nil {
		return os.Stdout
	}
	return d.Out
}

func (d Deps) pause() time.Duration {
	if d.Pause <= 0 {
		return DefaultPause
	}
	return d.Pause
}

func (d Deps) command(name string) config.CommandConfig {
	if d.Config == nil {
		return config.CommandConfig{}
	}
	return d.Config.Command(name)
}

func (d Deps) blockTimeout() time.Duration {
	if d.Config == nil {
		return 0
	}
	return d.Config.BlockTimeout
}

// Register adds every example command to reg.
func Register(reg *command.Registry, d Deps) error {
	for _, cmd := range Commands(d) {
		if err := reg.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Commands returns the example commands bound to d.
func Commands(d Deps) []command.Command {
	return []command.Command{
		{Name: LogError, Short: "Fail once so the failure shows up in the error log", Run: d.logError},
		{Name: OnlyOne, Short: "Run at most once at a time across all hosts", Run: d.onlyOne},
		{Name: WarmShutdown, Short: "Loop until SIGTERM, finishing the current iteration", Run: d.warmShutdown},
		{Name: Slow, Short: "Sleep for a while, for trying out remote calls", Run: d.slow},
		{Name: WaitDemo, Short: "Consume the wait-demo queue two tasks at a time", Run: d.waitDemo},
		{Name: DateTimeDemo, Short: "Print each argument parsed as a date-time", Run: d.dateTimeDemo},
		{Name: TouchRecords, Short: "Touch every execution record from parallel workers", Run: d.touchRecords},
	}
}

func (d Deps) logError(ctx context.Context, _ command.Args) error {
	return command.Run(ctx, d.logger(), LogError, func(context.Context) error {
		return errors.New("error")
	})
}

func (d Deps) onlyOne(ctx context.Context, _ command.Args) error {
	if d.Repo == nil {
		return fmt.Errorf("%w: %s needs a store", ErrNeedsDependency, OnlyOne)
	}
	cc := d.command(OnlyOne)
	u := &command.Unique{Name: OnlyOne, Timeout: cc.Timeout, Repo: d.Repo, Logger: d.logger(), Metrics: d.Metrics}
	outcome, err := u.Run(ctx, func(ctx context.Context) error {
		fmt.Fprintf(d.out(), "I'm running. In the next %s, you cannot execute this command.\n", d.pause())
		if err := sleep(ctx, d.pause()); err != nil {
			return err
		}
		fmt.Fprintln(d.out(), "I'm running")
		return errors.New("even when an error occurs, this run is marked finished")
	})
	d.logger().Info("builtin.onlyOne: done", "outcome", outcome.String())
	return err
}

func (d Deps) warmShutdown(ctx context.Context, args command.Args) error {
	cc := d.command(WarmShutdown)
	interval := cc.Interval
	if interval <= 0 {
		interval = d.pause()
	}
	r := &command.Repeat{
		Name:     WarmShutdown,
		Interval: interval,
		MaxTimes: cc.Times().Or(command.Unbounded()),
		Logger:   d.logger(),
		Metrics:  d.Metrics,
	}
	runs, err := r.RunTimes(ctx, func(context.Context) error {
		fmt.Fprintf(d.out(), "I'm running, try `kill -TERM %d` in another terminal\n", os.Getpid())
		return nil
	}, args.Times)
	fmt.Fprintf(d.out(), "stop after %d runs\n", runs)
	return err
}

func (d Deps) slow(ctx context.Context, args command.Args) error {
	logger := d.logger()
	logger.Warn("builtin.slow: begin", "args", args.Positional, "kwargs", args.Options)
	if err := sleep(ctx, d.pause()); err != nil {
		return err
	}
	logger.Warn("builtin.slow: end")
	return nil
}

func (d Deps) waitDemo(ctx context.Context, args command.Args) error {
	if d.Broker == nil {
		return fmt.Errorf("%w: %s needs a broker", ErrNeedsDependency, WaitDemo)
	}
	cc := d.command(WaitDemo)
	name := cc.Queue
	if name == "" {
		name = WaitDemo
	}
	batch := cc.BatchSize
	if batch <= 0 {
		batch = 2
	}
	w := &command.Wait{
		Name:         WaitDemo,
		Queue:        queue.New(d.Broker, name),
		Immediately:  cc.Immediately,
		NoSquash:     true,
		BatchSize:    batch,
		MaxRunTime:   args.Times.Or(cc.RunLimit().Or(command.Bounded(10))),
		BlockTimeout: d.blockTimeout(),
		Logger:       d.logger(),
		Metrics:      d.Metrics,
	}
	logger := d.logger()
	_, err := Consume(ctx, d.LockDir, w, func(_ context.Context, task string) error {
		logger.Info("builtin.waitDemo: task", "task", task)
		return nil
	})
	return err
}

func (d Deps) dateTimeDemo(_ context.Context, args command.Args) error {
	if len(args.Positional) == 0 {
		return errors.New("datetime-demo: at least one date-time argument is required")
	}
	loc := time.Local
	if tz, ok := args.Options["tz"]; ok {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("datetime-demo: %w", err)
		}
		loc = l
	}
	for _, v := range args.Positional {
		t, err := argtype.ParseDateTime(v, loc)
		if err != nil {
			return err
		}
		fmt.Fprintln(d.out(), t.Format(time.RFC3339))
	}
	return nil
}

func (d Deps) touchRecords(ctx context.Context, args command.Args) error {
	if d.Records == nil || (d.Repo == nil && d.OpenRepo == nil) {
		return fmt.Errorf("%w: %s needs a store", ErrNeedsDependency, TouchRecords)
	}
	logger := d.logger()
	opts := dispatch.GenerateOptions{}
	if v, ok := args.Options["batch-size"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("touch-records: invalid batch-size %q", v)
		}
		opts.BatchSize = n
	}
	if args.Times.IsBounded() {
		opts.MaxTasks = args.Times.N()
	}
	if cc := d.command(TouchRecords); cc.Duration > 0 {
		opts.Deadline = time.Now().Add(cc.Duration)
	}

	ranges, err := dispatch.Generate(ctx, d.Records, opts)
	if err != nil {
		return fmt.Errorf("touch-records: generate ranges: %w", err)
	}
	logger.Info("builtin.touchRecords: generated ranges", "ranges", len(ranges))

	var touched int64
	results := make(chan int64, len(ranges))
	disp := &dispatch.Dispatcher[int64, store.ExecutionRepo]{
		Name:    TouchRecords,
		Workers: args.Jobs,
		Release: d.Release,
		Setup: func(context.Context, int) (store.ExecutionRepo, error) {
			if d.OpenRepo == nil {
				return d.Repo, nil
			}
			return d.OpenRepo()
		},
		Teardown: func(repo store.ExecutionRepo) error {
			if d.OpenRepo == nil {
				return nil
			}
			return repo.Close()
		},
		Handle: func(ctx context.Context, repo store.ExecutionRepo, r dispatch.Range[int64]) error {
			n, err := repo.TouchExecutions(ctx, r.First, r.Last)
			if err != nil {
				return err
			}
			logger.Info("builtin.touchRecords: touched", "first", r.First, "last", r.Last, "rows", n)
			results <- n
			return nil
		},
		Logger:  logger,
		Metrics: d.Metrics,
	}
	_, err = disp.Run(ctx, ranges)
	close(results)
	for n := range results {
		touched += n
	}
	fmt.Fprintf(d.out(), "touched %d records in %d ranges\n", touched, len(ranges))
	return err
}

// Consume runs w with th while holding the host-local consumer lock for the
// queue when lockDir is set, so squashing never races a second consumer on
// the same host.
func Consume(ctx context.Context, lockDir string, w *command.Wait, th command.TaskHandler) (int, error) {
	if lockDir != "" && w.Queue != nil {
		lock, err := lockfile.AcquireLock(lockDir, w.Queue.Key())
		if err != nil {
			return 0, err
		}
		defer lock.Release()
	}
	return w.Run(ctx, th)
}

// sleep waits for d, returning early with ctx's error.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
