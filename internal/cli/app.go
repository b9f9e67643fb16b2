package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"github.com/BTreeMap/CommandPipe/internal/builtin"
	"github.com/BTreeMap/CommandPipe/internal/command"
	"github.com/BTreeMap/CommandPipe/internal/config"
	"github.com/BTreeMap/CommandPipe/internal/metrics"
	"github.com/BTreeMap/CommandPipe/internal/queue"
	"github.com/BTreeMap/CommandPipe/internal/shutdown"
	"github.com/BTreeMap/CommandPipe/internal/store"
)

// app holds the state shared by every subcommand of one invocation.
type app struct {
	// flags
	configPath string
	debug      bool
	stateDir   string
	dsn        string
	redisURL   string

	out     io.Writer
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Collector

	// repo and broker are opened lazily; tests may preset them.
	repo    store.ExecutionRepo
	broker  queue.Broker
	closers []func() error
}

// load resolves configuration and installs the process logger.
func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.stateDir != "" {
		cfg.StateDir = a.stateDir
	}
	if a.dsn != "" {
		cfg.DatabaseURL = a.dsn
	}
	if a.redisURL != "" {
		cfg.RedisURL = a.redisURL
	}
	if a.debug {
		cfg.LogLevel = slog.LevelDebug
	}
	a.cfg = cfg
	if a.logger == nil {
		a.logger = newLogger(os.Stderr, cfg.LogLevel)
		slog.SetDefault(a.logger)
	}
	if a.metrics == nil {
		a.metrics = metrics.NewCollector(nil)
	}
	slog.Debug("cli.load: configuration resolved",
		"state_dir", cfg.StateDir,
		"dsn_set", cfg.DatabaseURL != "",
		"redis_set", cfg.RedisURL != "",
		"api_addr", cfg.APIAddr,
		"config_file", cfg.ConfigFile,
		"allow_remote_call", cfg.AllowRemoteCall)
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openRepo opens the execution store selected by the DSN.
func (a *app) openRepo() (store.ExecutionRepo, error) {
	if a.repo != nil {
		return a.repo, nil
	}
	dsn := a.cfg.DSN()
	repo, err := store.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.repo = repo
	a.closers = append(a.closers, repo.Close)
	return repo, nil
}

// openBroker connects to Redis when configured. Without Redis the broker is
// in-process and only sees tasks pushed by this process.
func (a *app) openBroker(ctx context.Context) (queue.Broker, error) {
	if a.broker != nil {
		return a.broker, nil
	}
	if a.cfg.RedisURL == "" {
		a.logger.Warn("cli.openBroker: REDIS_URL not set, using in-process broker")
		mem := queue.NewMemoryBroker()
		a.broker = mem
		a.closers = append(a.closers, mem.Close)
		return mem, nil
	}
	client, err := queue.NewRedisClient(ctx, a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.broker = queue.NewRedisBroker(client, queue.WithRedisLogger(a.logger))
	a.closers = append(a.closers, client.Close)
	return a.broker, nil
}

// registry builds the command registry with the example commands bound to
// the configured store and broker.
func (a *app) registry(ctx context.Context) (*command.Registry, error) {
	repo, err := a.openRepo()
	if err != nil {
		return nil, err
	}
	broker, err := a.openBroker(ctx)
	if err != nil {
		return nil, err
	}
	records, err := store.RecordSource(repo)
	if err != nil {
		return nil, err
	}
	deps := builtin.Deps{
		Repo:    repo,
		Broker:  broker,
		Records: records,
		Release: func() error { return store.ReleaseIdle(repo) },
		LockDir: a.cfg.StateDir,
		Config:  a.cfg,
		Metrics: a.metrics,
		Logger:  a.logger,
		Out:     a.out,
	}
	if _, inMemory := repo.(*store.InMemoryStore); !inMemory {
		dsn := a.cfg.DSN()
		deps.OpenRepo = func() (store.ExecutionRepo, error) { return store.Open(dsn) }
	}
	reg := command.NewRegistry()
	if err := builtin.Register(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}

// signalContext returns ctx carrying a shutdown token triggered by SIGTERM
// or SIGINT.
func (a *app) signalContext(ctx context.Context) (context.Context, func()) {
	sig := shutdown.FromContext(ctx)
	if sig != nil {
		return ctx, func() {}
	}
	sig = shutdown.New()
	stop := shutdown.Listen(ctx, sig, syscall.SIGTERM, syscall.SIGINT)
	return shutdown.WithSignal(ctx, sig), stop
}

// ensureStateDir creates the state directory holding the default SQLite
// database and the consumer lock files.
func (a *app) ensureStateDir() error {
	slog.Debug("cli.ensureStateDir: creating state directory", "state_dir", a.cfg.StateDir)
	if err := os.MkdirAll(a.cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return nil
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
