// Package command runs units of work under supervision policies.
//
// A policy wraps a Handler and decides how often it runs: Repeat runs it a
// bounded (or unbounded) number of times, Duration runs it until a deadline,
// Unique runs it at most once at a time across every process sharing a store,
// and Wait runs a TaskHandler for each task popped from a trigger queue.
//
// Policies share their behavior by composition. Each one builds its invocation
// chain from Middleware (AutoLog, Instrument) and, for the looping policies, a
// schedule that decides whether another iteration may start. Every loop
// checks the shutdown token carried on the context before starting new work.
package command

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strconv"
	"time"

	"github.com/BTreeMap/CommandPipe/internal/shutdown"
)

// Handler is one unit of work.
type Handler func(ctx context.Context) error

// TaskHandler processes one task popped from a queue.
type TaskHandler func(ctx context.Context, task string) error

// ErrStop is returned by a handler to end a Repeat or Duration loop early.
// It is not reported as an error to the caller.
var ErrStop = errors.New("command: stop iteration")

// Middleware decorates a Handler.
type Middleware func(name string, h Handler) Handler

// Chain applies middleware to h. The first middleware is the outermost.
func Chain(name string, h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](name, h)
	}
	return h
}

type limitKind uint8

const (
	limitUnset limitKind = iota
	limitBounded
	limitUnbounded
)

// Limit caps an iteration count. The zero Limit is unset and resolves to the
// policy's default.
type Limit struct {
	kind limitKind
	n    int
}

// Bounded returns a Limit of n iterations. Negative n is treated as zero.
func Bounded(n int) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{kind: limitBounded, n: n}
}

// Unbounded returns a Limit that never stops a loop.
func Unbounded() Limit {
	return Limit{kind: limitUnbounded}
}

// IsSet reports whether the limit was explicitly chosen.
func (l Limit) IsSet() bool { return l.kind != limitUnset }

// IsBounded reports whether the limit caps iterations.
func (l Limit) IsBounded() bool { return l.kind == limitBounded }

// N returns the bound. It is meaningful only when IsBounded is true.
func (l Limit) N() int { return l.n }

// Or returns l, or def when l is unset.
func (l Limit) Or(def Limit) Limit {
	if l.kind == limitUnset {
		return def
	}
	return l
}

// Allows reports whether another iteration may start after count iterations.
func (l Limit) Allows(count int) bool {
	switch l.kind {
	case limitBounded:
		return count < l.n
	case limitUnbounded:
		return true
	default:
		return false
	}
}

// Remaining returns how many iterations are left after count, or -1 when unbounded.
func (l Limit) Remaining(count int) int {
	switch l.kind {
	case limitBounded:
		return max(l.n-count, 0)
	case limitUnbounded:
		return -1
	default:
		return 0
	}
}

func (l Limit) String() string {
	switch l.kind {
	case limitBounded:
		return strconv.Itoa(l.n)
	case limitUnbounded:
		return "unbounded"
	default:
		return "unset"
	}
}

// identity resolves the name a policy logs and records under. When name is
// empty it falls back to the fully-qualified name of the handler function.
func identity(name string, h any) string {
	if name != "" {
		return name
	}
	v := reflect.ValueOf(h)
	if v.Kind() == reflect.Func && !v.IsNil() {
		if fn := runtime.FuncForPC(v.Pointer()); fn != nil {
			return fn.Name()
		}
	}
	return fmt.Sprintf("%T", h)
}

// pause sleeps for d. It returns early, without error, when the shutdown token
// fires so the next loop-top check can stop the loop. It returns ctx.Err() if
// ctx is done first.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-shutdown.FromContext(ctx).Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
