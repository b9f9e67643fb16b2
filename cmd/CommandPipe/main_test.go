package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/CommandPipe/internal/cli"
)

func TestExecuteList(t *testing.T) {
	t.Setenv("COMMANDPIPE_CONFIG", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("DATABASE_URL", "")
	stateDir := t.TempDir()

	args := []string{"--state-dir", stateDir, "list"}
	if err := cli.Execute(context.Background(), args); err != nil {
		t.Fatalf("Execute(list) failed: %v", err)
	}
	if matches, _ := filepath.Glob(filepath.Join(stateDir, "*.db")); len(matches) != 1 {
		t.Errorf("expected the default SQLite database in the state dir, got %v", matches)
	}
}

func TestExecuteUnknownSubcommand(t *testing.T) {
	if err := cli.Execute(context.Background(), []string{"no-such-subcommand"}); err == nil {
		t.Error("expected an error for an unknown subcommand")
	}
}
