package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrUnknownCommand is returned by Call for names that were never registered.
	ErrUnknownCommand = errors.New("command: unknown command")
	// ErrDuplicateCommand is returned by Register when a name is taken.
	ErrDuplicateCommand = errors.New("command: duplicate command")
)

// Args carries per-invocation overrides from the CLI or the remote API.
type Args struct {
	// Times overrides MaxTimes for Repeat commands and MaxRunTime for Wait
	// commands when set.
	Times Limit
	// Jobs is the dispatcher pool size for fan-out commands.
	Jobs int
	// Positional holds extra positional arguments.
	Positional []string
	// Options holds extra keyword arguments.
	Options map[string]string
}

// Command is a named, runnable unit registered with a Registry.
type Command struct {
	Name  string
	Short string
	Run   func(ctx context.Context, args Args) error
}

// Registry maps command names to commands.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds cmd. Names must be unique and non-empty.
func (r *Registry) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Run == nil {
		return fmt.Errorf("command: register needs a name and a Run func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[cmd.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, cmd.Name)
	}
	r.commands[cmd.Name] = cmd
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(cmds ...Command) {
	for _, cmd := range cmds {
		if err := r.Register(cmd); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the command registered as name.
func (r *Registry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Call runs the named command with args.
func (r *Registry) Call(ctx context.Context, name string, args Args) error {
	cmd, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return cmd.Run(ctx, args)
}
