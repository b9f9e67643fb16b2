// Package api provides the HTTP trigger endpoint that lets remote clients run
// allow-listed commands, plus health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/CommandPipe/internal/command"
	"github.com/BTreeMap/CommandPipe/internal/metrics"
	"github.com/BTreeMap/CommandPipe/internal/queue"
	"github.com/BTreeMap/CommandPipe/internal/shutdown"
)

// DefaultAddr is used when no address option is given.
const DefaultAddr = ":8080"

const shutdownTimeout = 10 * time.Second

// Opts holds configuration for the API server.
type Opts struct {
	Addr            string
	AllowRemoteCall []string
	Calls           *queue.Queue
	Metrics         *metrics.Collector
	Logger          *slog.Logger
	HealthChecks    map[string]func(context.Context) error
}

// Option modifies Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithAllowRemoteCall sets the names of commands that may be called remotely.
func WithAllowRemoteCall(names ...string) Option {
	return func(o *Opts) {
		o.AllowRemoteCall = append(o.AllowRemoteCall, names...)
	}
}

// WithCallQueue sets the queue used for calls made with UsingQueue.
func WithCallQueue(q *queue.Queue) Option {
	return func(o *Opts) {
		o.Calls = q
	}
}

// WithMetrics exposes c on /metrics and records queued calls in it.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Opts) {
		o.Metrics = c
	}
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Opts) {
		o.Logger = l
	}
}

// WithHealthCheck adds a named dependency check to /healthz.
func WithHealthCheck(name string, check func(context.Context) error) Option {
	return func(o *Opts) {
		if o.HealthChecks == nil {
			o.HealthChecks = make(map[string]func(context.Context) error)
		}
		o.HealthChecks[name] = check
	}
}

// Server serves the trigger API.
type Server struct {
	registry *command.Registry
	opts     Opts
	logger   *slog.Logger
	// background tracks calls made with UsingThread.
	background sync.WaitGroup
}

// NewServer creates a Server that runs commands from reg.
func NewServer(reg *command.Registry, opts ...Option) *Server {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{registry: reg, opts: o, logger: logger}
}

// Allowed reports whether name may be called remotely.
func (s *Server) Allowed(name string) bool {
	return slices.Contains(s.opts.AllowRemoteCall, name)
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/commands/call", s.callHandler)
	mux.HandleFunc("/call-command/", s.callHandler)
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.Handle("/metrics", s.opts.Metrics.Handler())
	return mux
}

// Run listens on the configured address until ctx is done or the shutdown
// token carried by ctx fires, then drains in-flight requests and background
// calls.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server.Run: listening", "addr", s.opts.Addr, "allowed", s.opts.AllowRemoteCall)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	case <-shutdown.FromContext(ctx).Done():
	}

	s.logger.Info("Server.Run: shutting down", "addr", s.opts.Addr)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.background.Wait()
	if err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

// Wait blocks until all background calls have returned.
func (s *Server) Wait() {
	s.background.Wait()
}
