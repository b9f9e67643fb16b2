package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/BTreeMap/CommandPipe/internal/command"
)

// CallQueueName is the queue that carries remote calls made with UsingQueue.
const CallQueueName = "commandpipe.remote-call"

// Using selects how a remote call is executed.
type Using string

const (
	// UsingLocal runs the command before the response is written.
	UsingLocal Using = "local"
	// UsingThread runs the command in a background goroutine.
	UsingThread Using = "thread"
	// UsingQueue pushes the call onto CallQueueName for a worker process.
	UsingQueue Using = "queue"
	// UsingCelery is the older name of UsingQueue, still sent by existing clients.
	UsingCelery Using = "celery"
)

// Normalize maps aliases onto their canonical mode.
func (u Using) Normalize() Using {
	if u == UsingCelery {
		return UsingQueue
	}
	return u
}

// Valid reports whether u is a known mode or alias.
func (u Using) Valid() bool {
	switch u.Normalize() {
	case UsingLocal, UsingThread, UsingQueue:
		return true
	}
	return false
}

var errInvalidArgs = errors.New("api: invalid call arguments")

// CallRequest is the body of POST /api/commands/call and the payload of
// queued calls.
type CallRequest struct {
	ID      string         `json:"id,omitempty"`
	Command string         `json:"command"`
	Using   Using          `json:"using,omitempty"`
	Args    []any          `json:"args,omitempty"`
	Kwargs  map[string]any `json:"kwargs,omitempty"`
}

// CommandArgs converts the JSON arguments. The "times" and "jobs" keyword
// arguments map onto the matching Args fields; a negative times means
// unbounded. Everything else is kept as text.
func (c CallRequest) CommandArgs() (command.Args, error) {
	args := command.Args{Options: make(map[string]string)}
	for _, v := range c.Args {
		args.Positional = append(args.Positional, stringify(v))
	}
	for k, v := range c.Kwargs {
		switch k {
		case "times":
			n, err := strconv.Atoi(stringify(v))
			if err != nil {
				return command.Args{}, fmt.Errorf("%w: times must be an integer, got %v", errInvalidArgs, v)
			}
			if n < 0 {
				args.Times = command.Unbounded()
			} else {
				args.Times = command.Bounded(n)
			}
		case "jobs":
			n, err := strconv.Atoi(stringify(v))
			if err != nil || n < 0 {
				return command.Args{}, fmt.Errorf("%w: jobs must be a non-negative integer, got %v", errInvalidArgs, v)
			}
			args.Jobs = n
		default:
			args.Options[k] = stringify(v)
		}
	}
	return args, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}

// CallTaskHandler returns the Wait task handler that executes queued calls
// against reg. Undecodable payloads are logged and dropped so one bad task
// does not stop the worker.
func CallTaskHandler(reg *command.Registry, logger *slog.Logger) command.TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, task string) error {
		var call CallRequest
		if err := json.Unmarshal([]byte(task), &call); err != nil {
			logger.Warn("api.CallTaskHandler: dropping malformed call", "error", err)
			return nil
		}
		args, err := call.CommandArgs()
		if err != nil {
			logger.Warn("api.CallTaskHandler: dropping call with invalid arguments", "call_id", call.ID, "command", call.Command, "error", err)
			return nil
		}
		logger.Info("api.CallTaskHandler: running queued call", "call_id", call.ID, "command", call.Command)
		if err := reg.Call(ctx, call.Command, args); err != nil {
			logger.Error("api.CallTaskHandler: queued call failed", "call_id", call.ID, "command", call.Command, "error", err)
		}
		return nil
	}
}
