package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/CommandPipe/internal/api"
	"github.com/BTreeMap/CommandPipe/internal/builtin"
	"github.com/BTreeMap/CommandPipe/internal/command"
	"github.com/BTreeMap/CommandPipe/internal/queue"
	"github.com/BTreeMap/CommandPipe/internal/util"
)

// limitFlag reads --times and --forever into a Limit. It is unset when
// neither flag was given.
func limitFlag(cmd *cobra.Command) (command.Limit, error) {
	forever, _ := cmd.Flags().GetBool("forever")
	if forever {
		return command.Unbounded(), nil
	}
	if !cmd.Flags().Changed("times") {
		return command.Limit{}, nil
	}
	n, err := cmd.Flags().GetInt("times")
	if err != nil {
		return command.Limit{}, err
	}
	if n < 0 {
		return command.Unbounded(), nil
	}
	return command.Bounded(n), nil
}

func buildRunCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <command> [args...]",
		Short: "Run a registered command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			times, err := limitFlag(cmd)
			if err != nil {
				return err
			}
			jobs, _ := cmd.Flags().GetInt("jobs")
			options, _ := cmd.Flags().GetStringToString("set")

			ctx, stop := a.signalContext(cmd.Context())
			defer stop()
			reg, err := a.registry(ctx)
			if err != nil {
				return err
			}
			name := args[0]
			a.logger.Info("cli.run: starting command", "name", name, "times", times.String(), "jobs", jobs)
			return reg.Call(ctx, name, command.Args{
				Times:      times,
				Jobs:       jobs,
				Positional: args[1:],
				Options:    options,
			})
		},
	}
	cmd.Flags().Int("times", 0, "override the iteration or task limit of the command (negative means unbounded)")
	cmd.Flags().Bool("forever", false, "run without an iteration limit")
	cmd.Flags().IntP("jobs", "j", 0, "worker pool size for fan-out commands (default: number of CPUs)")
	cmd.Flags().StringToString("set", nil, "extra command options as key=value")
	return cmd
}

func buildListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.registry(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range reg.Names() {
				c, _ := reg.Lookup(name)
				printf(cmd, "%-16s %s\n", name, c.Short)
			}
			return nil
		},
	}
}

func buildEnqueueCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <queue> [id...]",
		Short: "Push tasks onto a queue (a timestamp token when no id is given)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			broker, err := a.openBroker(cmd.Context())
			if err != nil {
				return err
			}
			q := queue.New(broker, args[0])
			ids := args[1:]
			if len(ids) == 0 {
				ids = []string{""}
			}
			for _, id := range ids {
				token, err := q.CreateTask(cmd.Context(), id)
				if err != nil {
					return err
				}
				a.metrics.RecordEnqueue(q.Name())
				printf(cmd, "%s\n", token)
			}
			return nil
		},
	}
}

func buildClearCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <queue>",
		Short: "Drop every pending task of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			broker, err := a.openBroker(cmd.Context())
			if err != nil {
				return err
			}
			q := queue.New(broker, args[0])
			if err := q.ClearTask(cmd.Context()); err != nil {
				return err
			}
			printf(cmd, "cleared %s\n", q.Key())
			return nil
		},
	}
}

func buildSizeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "size <queue>",
		Short: "Print the number of pending tasks of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			broker, err := a.openBroker(cmd.Context())
			if err != nil {
				return err
			}
			n, err := queue.New(broker, args[0]).Len(cmd.Context())
			if err != nil {
				return err
			}
			printf(cmd, "%d\n", n)
			return nil
		},
	}
}

func buildHistoryCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [name]",
		Short: "Show recent execution records of single-instance commands",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.openRepo()
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			limit, _ := cmd.Flags().GetInt("limit")
			records, err := repo.ListExecutions(cmd.Context(), name, limit)
			if err != nil {
				return err
			}
			for _, r := range records {
				printf(cmd, "%d\t%s\t%s\t%s\n", r.ID, r.Name, r.Status, r.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of records (0 for all)")
	return cmd
}

func buildServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the remote call API, health checks and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := a.signalContext(cmd.Context())
			defer stop()
			reg, err := a.registry(ctx)
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = a.cfg.APIAddr
			}
			opts := []api.Option{
				api.WithAddr(addr),
				api.WithAllowRemoteCall(a.cfg.AllowRemoteCall...),
				api.WithCallQueue(queue.New(a.broker, api.CallQueueName)),
				api.WithMetrics(a.metrics),
				api.WithLogger(a.logger),
				api.WithHealthCheck("store", func(ctx context.Context) error {
					_, err := a.repo.ListExecutions(ctx, "", 1)
					return err
				}),
			}
			if p, ok := a.broker.(interface{ Ping(context.Context) error }); ok {
				opts = append(opts, api.WithHealthCheck("broker", p.Ping))
			}
			return api.NewServer(reg, opts...).Run(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides $API_ADDR)")
	return cmd
}

func buildWorkerCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute remote calls queued with using=queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			times, err := limitFlag(cmd)
			if err != nil {
				return err
			}
			ctx, stop := a.signalContext(cmd.Context())
			defer stop()
			reg, err := a.registry(ctx)
			if err != nil {
				return err
			}
			logger := a.logger.With("worker_id", util.GenerateWorkerID())
			w := &command.Wait{
				Name:         "remote-call-worker",
				Queue:        queue.New(a.broker, api.CallQueueName),
				NoSquash:     true,
				MaxRunTime:   times,
				BlockTimeout: a.cfg.BlockTimeout,
				Logger:       logger,
				Metrics:      a.metrics,
			}
			processed, err := builtin.Consume(ctx, a.cfg.StateDir, w, api.CallTaskHandler(reg, logger))
			logger.Info("cli.worker: stopped", "processed", processed)
			if err != nil {
				return fmt.Errorf("worker: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Int("times", 0, "stop after this many calls (negative means unbounded)")
	cmd.Flags().Bool("forever", false, "run until SIGTERM (default)")
	return cmd
}
