package command

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/CommandPipe/internal/metrics"
	"github.com/BTreeMap/CommandPipe/internal/shutdown"
)

// DefaultMaxTimes is the Repeat iteration cap when MaxTimes is unset.
const DefaultMaxTimes = 60

// DefaultDuration is the Duration run length when Duration is zero.
const DefaultDuration = time.Minute

// DefaultInterval is the pause between runs when Interval is zero.
const DefaultInterval = time.Second

// NoPause as an Interval runs iterations back to back.
const NoPause time.Duration = -1

func intervalOr(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultInterval
	case d < 0:
		return 0
	}
	return d
}

// schedule decides whether another loop iteration may start.
type schedule interface {
	proceed(runs int, now time.Time) bool
}

type countSchedule struct{ limit Limit }

func (s countSchedule) proceed(runs int, _ time.Time) bool { return s.limit.Allows(runs) }

type deadlineSchedule struct{ end time.Time }

func (s deadlineSchedule) proceed(_ int, now time.Time) bool { return now.Before(s.end) }

// loop is the iteration engine shared by Repeat and Duration.
type loop struct {
	name     string
	interval time.Duration
	schedule schedule
	logger   *slog.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

func (l loop) run(ctx context.Context, h Handler) (int, error) {
	invoke := Chain(l.name, h, AutoLog(l.logger), Instrument(l.metrics))
	runs := 0
	for {
		if shutdown.Requested(ctx) {
			l.logger.Info("command.loop: shutdown requested, stopping", "name", l.name, "runs", runs)
			return runs, nil
		}
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		if !l.schedule.proceed(runs, l.now()) {
			return runs, nil
		}

		runs++
		if err := invoke(ctx); err != nil {
			if errors.Is(err, ErrStop) {
				return runs, nil
			}
			return runs, err
		}

		if err := pause(ctx, l.interval); err != nil {
			return runs, err
		}
	}
}

// Repeat runs a handler up to MaxTimes times, pausing Interval between runs.
type Repeat struct {
	// Name identifies the command in logs and metrics. Defaults to the
	// handler's function name.
	Name string
	// Interval defaults to DefaultInterval; use NoPause for none.
	Interval time.Duration
	// MaxTimes defaults to Bounded(DefaultMaxTimes).
	MaxTimes Limit
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Run loops until MaxTimes runs complete, the handler returns ErrStop, the
// shutdown token fires, or the handler fails. It returns the number of runs.
func (r *Repeat) Run(ctx context.Context, h Handler) (int, error) {
	return r.RunTimes(ctx, h, Limit{})
}

// RunTimes is Run with MaxTimes overridden by times when times is set.
func (r *Repeat) RunTimes(ctx context.Context, h Handler, times Limit) (int, error) {
	limit := times.Or(r.MaxTimes.Or(Bounded(DefaultMaxTimes)))
	l := loop{
		name:     identity(r.Name, h),
		interval: intervalOr(r.Interval),
		schedule: countSchedule{limit: limit},
		logger:   loggerOr(r.Logger),
		metrics:  r.Metrics,
		now:      time.Now,
	}
	l.logger.Debug("Repeat.Run: starting", "name", l.name, "max_times", limit.String(), "interval", r.Interval)
	return l.run(ctx, h)
}

// Duration runs a handler repeatedly until Duration has elapsed since start.
type Duration struct {
	Name string
	// Interval defaults to DefaultInterval; use NoPause for none.
	Interval time.Duration
	// Duration defaults to DefaultDuration.
	Duration time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Collector

	now func() time.Time
}

// Run loops while the current time is before the end time computed at start.
// It returns the number of runs.
func (d *Duration) Run(ctx context.Context, h Handler) (int, error) {
	now := d.now
	if now == nil {
		now = time.Now
	}
	length := d.Duration
	if length <= 0 {
		length = DefaultDuration
	}
	end := now().Add(length)
	l := loop{
		name:     identity(d.Name, h),
		interval: intervalOr(d.Interval),
		schedule: deadlineSchedule{end: end},
		logger:   loggerOr(d.Logger),
		metrics:  d.Metrics,
		now:      now,
	}
	l.logger.Info("Duration.Run: starting", "name", l.name, "end_time", end)
	return l.run(ctx, h)
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
