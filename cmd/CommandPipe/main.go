package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/BTreeMap/CommandPipe/internal/cli"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	if err := cli.Execute(context.Background(), os.Args[1:]); err != nil {
		slog.Error("CommandPipe failed", "error", err)
		os.Exit(1)
	}
}

// initializeLogger sets up structured logging until the configured level is known
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
}
