package command

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/BTreeMap/CommandPipe/internal/metrics"
)

// AutoLog returns middleware that logs every failure of the wrapped handler
// and returns it unchanged. A panic is logged with its stack and re-panicked.
// ErrStop passes through without being logged as a failure.
func AutoLog(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(name string, h Handler) Handler {
		return func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("command.AutoLog: handler panicked", "name", name, "panic", r, "stack", string(debug.Stack()))
					panic(r)
				}
			}()
			err = h(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrStop):
				logger.Debug("command.AutoLog: handler requested stop", "name", name)
			default:
				logger.Error("command.AutoLog: handler failed", "name", name, "error", err)
			}
			return err
		}
	}
}

// Instrument returns middleware that records each invocation in c. A nil
// collector records nothing.
func Instrument(c *metrics.Collector) Middleware {
	return func(name string, h Handler) Handler {
		if c == nil {
			return h
		}
		return func(ctx context.Context) error {
			start := time.Now()
			err := h(ctx)
			outcome := metrics.OutcomeOK
			switch {
			case errors.Is(err, ErrStop):
				outcome = metrics.OutcomeStopped
			case err != nil:
				outcome = metrics.OutcomeError
			}
			c.RecordRun(name, outcome, time.Since(start).Seconds())
			return err
		}
	}
}

// Run invokes h once with AutoLog applied, for commands that need no other policy.
func Run(ctx context.Context, logger *slog.Logger, name string, h Handler) error {
	return Chain(identity(name, h), h, AutoLog(logger))(ctx)
}
