package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CommandPipe/internal/metrics"
	"github.com/BTreeMap/CommandPipe/internal/store"
)

// DefaultUniqueTimeout is how long a pending execution record blocks new runs
// when Timeout is zero.
const DefaultUniqueTimeout = 24 * time.Hour

// Outcome reports what a Unique run did.
type Outcome int

const (
	// OutcomeNotRun means the guard could not record the attempt.
	OutcomeNotRun Outcome = iota
	// OutcomeSkipped means a live run with the same name already existed.
	OutcomeSkipped
	// OutcomeFinished means the handler ran, whether or not it failed.
	OutcomeFinished
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFinished:
		return "finished"
	default:
		return "not-run"
	}
}

// Unique runs a handler only when no other live run with the same name
// exists in Repo.
//
// When Repo implements store.GuardedExecutionRepo the check and the insert
// happen atomically. Otherwise the record is created first and live
// duplicates are queried afterwards, which leaves a narrow window in which two
// simultaneous runs can both proceed.
type Unique struct {
	// Name is the guard key. Defaults to the handler's function name.
	Name string
	// Timeout bounds how long a pending record counts as live.
	Timeout time.Duration
	Repo    store.ExecutionRepo
	Logger  *slog.Logger
	Metrics *metrics.Collector

	now func() time.Time
}

// Run records the attempt and invokes h unless a live duplicate exists. The
// record is marked finished after h returns, fails or panics.
func (u *Unique) Run(ctx context.Context, h Handler) (outcome Outcome, err error) {
	if u.Repo == nil {
		return OutcomeNotRun, errors.New("command: Unique requires a Repo")
	}
	name := identity(u.Name, h)
	logger := loggerOr(u.Logger)
	now := u.now
	if now == nil {
		now = time.Now
	}
	timeout := u.Timeout
	if timeout <= 0 {
		timeout = DefaultUniqueTimeout
	}
	since := now().Add(-timeout)

	rec, live, err := u.claim(ctx, name, since)
	if err != nil {
		return OutcomeNotRun, err
	}

	if len(live) > 0 {
		if err := u.Repo.UpdateExecutionStatus(ctx, rec.ID, store.StatusSkipped); err != nil {
			return OutcomeNotRun, fmt.Errorf("command: mark %s skipped: %w", name, err)
		}
		logger.Info("Unique.Run: live run exists, skipping", "name", name, "id", rec.ID, "live_id", live[0].ID)
		u.Metrics.RecordSkip(name)
		return OutcomeSkipped, nil
	}

	defer func() {
		// The record must reach finished even when ctx is already cancelled.
		markErr := u.Repo.UpdateExecutionStatus(context.WithoutCancel(ctx), rec.ID, store.StatusFinished)
		if markErr != nil {
			logger.Error("Unique.Run: failed to mark finished", "name", name, "id", rec.ID, "error", markErr)
			if err == nil {
				err = fmt.Errorf("command: mark %s finished: %w", name, markErr)
			}
		}
	}()

	logger.Debug("Unique.Run: running", "name", name, "id", rec.ID)
	invoke := Chain(name, h, AutoLog(logger), Instrument(u.Metrics))
	return OutcomeFinished, invoke(ctx)
}

func (u *Unique) claim(ctx context.Context, name string, since time.Time) (store.ExecutionRecord, []store.ExecutionRecord, error) {
	if guarded, ok := u.Repo.(store.GuardedExecutionRepo); ok {
		rec, live, err := guarded.CreateExecutionIfIdle(ctx, name, since)
		if err != nil {
			return rec, nil, fmt.Errorf("command: claim %s: %w", name, err)
		}
		return rec, live, nil
	}

	rec, err := u.Repo.CreateExecution(ctx, name)
	if err != nil {
		return rec, nil, fmt.Errorf("command: record %s: %w", name, err)
	}
	live, err := u.Repo.ListLiveExecutions(ctx, name, since, rec.ID)
	if err != nil {
		return rec, nil, fmt.Errorf("command: check live runs of %s: %w", name, err)
	}
	return rec, live, nil
}
