package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BTreeMap/CommandPipe/internal/util"
)

// callHandler runs an allow-listed command. It answers {} on success.
func (s *Server) callHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	s.logger.Debug("Server.callHandler: processing call request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.logger.Warn("Server.callHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var call CallRequest
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		s.logger.Warn("Server.callHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, Error("Invalid JSON format"))
		return
	}
	if call.Command == "" {
		writeJSONResponse(w, http.StatusBadRequest, Error("command is required"))
		return
	}
	if call.Using == "" {
		call.Using = UsingLocal
	}
	if !call.Using.Valid() {
		writeJSONResponse(w, http.StatusBadRequest, Error(fmt.Sprintf("using must be one of %q, %q or %q", UsingThread, UsingLocal, UsingQueue)))
		return
	}
	call.Using = call.Using.Normalize()
	if !s.Allowed(call.Command) {
		s.logger.Warn("Server.callHandler: command not allowed", "command", call.Command, "remote", r.RemoteAddr)
		writeJSONResponse(w, http.StatusForbidden, Error(fmt.Sprintf("you are not allowed to call command `%s`", call.Command)))
		return
	}
	if _, ok := s.registry.Lookup(call.Command); !ok {
		writeJSONResponse(w, http.StatusBadRequest, Error(fmt.Sprintf("unknown command `%s`", call.Command)))
		return
	}
	args, err := call.CommandArgs()
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, Error(err.Error()))
		return
	}
	call.ID = util.GenerateCallID()

	switch call.Using {
	case UsingLocal:
		s.logger.Info("Server.callHandler: local call started", "call_id", call.ID, "command", call.Command)
		if err := s.registry.Call(r.Context(), call.Command, args); err != nil {
			s.logger.Error("Server.callHandler: local call failed", "call_id", call.ID, "command", call.Command, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, Error(err.Error()))
			return
		}
	case UsingThread:
		s.logger.Info("Server.callHandler: thread call started", "call_id", call.ID, "command", call.Command)
		ctx := context.WithoutCancel(r.Context())
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			if err := s.registry.Call(ctx, call.Command, args); err != nil {
				s.logger.Error("Server.callHandler: thread call failed", "call_id", call.ID, "command", call.Command, "error", err)
			}
		}()
	case UsingQueue:
		if err := s.enqueue(r.Context(), call); err != nil {
			s.logger.Error("Server.callHandler: failed to queue call", "call_id", call.ID, "command", call.Command, "error", err)
			status := http.StatusInternalServerError
			if errors.Is(err, errNoCallQueue) {
				status = http.StatusServiceUnavailable
			}
			writeJSONResponse(w, status, Error(err.Error()))
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, struct{}{})
}

var errNoCallQueue = errors.New("queued calls are not configured")

func (s *Server) enqueue(ctx context.Context, call CallRequest) error {
	q := s.opts.Calls
	if q == nil {
		return errNoCallQueue
	}
	call.Using = UsingLocal
	payload, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to encode call: %w", err)
	}
	if _, err := q.CreateTask(ctx, string(payload)); err != nil {
		return err
	}
	s.opts.Metrics.RecordEnqueue(q.Name())
	s.logger.Info("Server.callHandler: call queued", "call_id", call.ID, "command", call.Command, "key", q.Key())
	return nil
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	result := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"commands":  len(s.registry.Names()),
	}
	status := "healthy"
	failed := make(map[string]string)
	for name, check := range s.opts.HealthChecks {
		if err := check(ctx); err != nil {
			s.logger.Warn("Server.healthHandler: dependency check failed", "check", name, "error", err)
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		status = "degraded"
		result["failed"] = failed
	}

	statusCode := http.StatusOK
	if status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, Response{Status: status, Result: result})
}
