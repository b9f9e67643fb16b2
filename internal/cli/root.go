// Package cli implements the commandpipe command-line interface.
//
//	commandpipe run <command> [args...] [--times N | --forever] [-j N] [--set k=v]
//	commandpipe list
//	commandpipe enqueue <queue> [id...]
//	commandpipe clear <queue>
//	commandpipe size <queue>
//	commandpipe history [name] [--limit N]
//	commandpipe serve
//	commandpipe worker [--times N | --forever]
//
// Configuration comes from the environment, an optional .env file and an
// optional YAML command file (--config). Flags override both.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Version is reported by --version.
var Version = "dev"

// Execute runs the CLI with args and releases every resource it opened.
func Execute(ctx context.Context, args []string) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if closeErr := a.close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "commandpipe",
		Short:         "Run supervised background commands",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.out = cmd.OutOrStdout()
			if err := a.load(); err != nil {
				return err
			}
			return a.ensureStateDir()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML command file (overrides $COMMANDPIPE_CONFIG)")
	flags.BoolVar(&a.debug, "debug", false, "enable debug logging")
	flags.StringVar(&a.stateDir, "state-dir", "", "state directory (overrides $COMMANDPIPE_STATE_DIR)")
	flags.StringVar(&a.dsn, "db-dsn", "", "database DSN or SQLite path (overrides $DATABASE_URL)")
	flags.StringVar(&a.redisURL, "redis-url", "", "Redis URL of the queue broker (overrides $REDIS_URL)")

	cmd.AddCommand(
		buildRunCommand(a),
		buildListCommand(a),
		buildEnqueueCommand(a),
		buildClearCommand(a),
		buildSizeCommand(a),
		buildHistoryCommand(a),
		buildServeCommand(a),
		buildWorkerCommand(a),
	)
	return cmd
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
