// Package shutdown provides the cooperative stop token used by long-running command loops.
//
// A Signal starts unset and is triggered at most once, usually by an external
// termination signal. Loops poll it at points where stopping is safe; it never
// interrupts work that is already running.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Signal is a one-shot stop flag.
type Signal struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	by   os.Signal
}

// New creates an untriggered Signal.
func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Trigger sets the flag. Repeated calls are no-ops.
func (s *Signal) Trigger() {
	s.trigger(nil)
}

func (s *Signal) trigger(by os.Signal) {
	s.once.Do(func() {
		s.mu.Lock()
		s.by = by
		s.mu.Unlock()
		if by != nil {
			slog.Info("shutdown.Signal: received termination signal, stopping after current work", "signal", by.String(), "pid", os.Getpid())
		} else {
			slog.Info("shutdown.Signal: stop requested, stopping after current work")
		}
		close(s.done)
	})
}

// Requested reports whether the flag has been set.
func (s *Signal) Requested() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the flag is set. A nil Signal never fires.
func (s *Signal) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// Cause returns the OS signal that triggered the flag, or nil.
func (s *Signal) Cause() os.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.by
}

// Listen installs a handler for the given OS signals (SIGTERM when none are
// given) that triggers sig on delivery. The handler stays installed after the
// first delivery, so repeated signals are absorbed instead of killing the
// process. It is removed when ctx is done or the returned stop function is called.
func Listen(ctx context.Context, sig *Signal, signals ...os.Signal) (stop func()) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)

	quit := make(chan struct{})
	var stopOnce sync.Once
	stop = func() {
		stopOnce.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}

	go func() {
		for {
			select {
			case received := <-ch:
				if sig.Requested() {
					slog.Debug("shutdown.Listen: signal repeated, already stopping", "signal", received.String())
				}
				sig.trigger(received)
			case <-ctx.Done():
				stop()
				return
			case <-quit:
				return
			}
		}
	}()
	slog.Debug("shutdown.Listen: registered signal handler", "signals", signals)
	return stop
}

type contextKey struct{}

// WithSignal returns a copy of ctx carrying sig.
func WithSignal(ctx context.Context, sig *Signal) context.Context {
	return context.WithValue(ctx, contextKey{}, sig)
}

// FromContext returns the Signal carried by ctx, or nil.
func FromContext(ctx context.Context) *Signal {
	sig, _ := ctx.Value(contextKey{}).(*Signal)
	return sig
}

// Requested reports whether the Signal carried by ctx has been set.
func Requested(ctx context.Context) bool {
	return FromContext(ctx).Requested()
}
