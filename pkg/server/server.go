// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the kernel over HTTP: trigger ingestion, task
// creation and inspection, event stream reads, health, and Prometheus
// metrics. Everything flows into the kernel through the same Trigger Queue
// and Task Manager the loop consumes; the server never touches internals.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/basalt-run/kernel/pkg/agentloop"
	"github.com/basalt-run/kernel/pkg/auth"
	"github.com/basalt-run/kernel/pkg/cli"
	"github.com/basalt-run/kernel/pkg/config"
	"github.com/basalt-run/kernel/pkg/observability"
	"github.com/basalt-run/kernel/pkg/task"
	"github.com/basalt-run/kernel/pkg/trigger"
)

// Server is the kernel's HTTP surface.
type Server struct {
	cfg     config.ServerConfig
	queue   *trigger.Queue
	tasks   *task.Manager
	streams *agentloop.StreamSet

	commands   *cli.Registry
	validator  auth.TokenValidator
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	middleware []func(http.Handler) http.Handler

	httpServer *http.Server
}

// Config wires a Server.
type Config struct {
	Server  config.ServerConfig
	Queue   *trigger.Queue
	Tasks   *task.Manager
	Streams *agentloop.StreamSet

	Commands  *cli.Registry
	Validator auth.TokenValidator
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer

	// ExtraMiddleware is appended after the built-in stack (rate
	// limiting plugs in here).
	ExtraMiddleware []func(http.Handler) http.Handler
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Queue == nil || cfg.Tasks == nil || cfg.Streams == nil {
		return nil, fmt.Errorf("server: queue, task manager, and stream set are required")
	}
	return &Server{
		cfg:        cfg.Server,
		queue:      cfg.Queue,
		tasks:      cfg.Tasks,
		streams:    cfg.Streams,
		commands:   cfg.Commands,
		validator:  cfg.Validator,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		middleware: cfg.ExtraMiddleware,
	}, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if s.metrics != nil {
		r.Use(observability.HTTPMiddleware(s.tracer, s.metrics))
	}
	for _, mw := range s.middleware {
		r.Use(mw)
	}

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if v, ok := s.validator.(*auth.JWTValidator); ok && v != nil {
			r.Use(v.HTTPMiddleware)
		}

		r.Post("/triggers", s.handlePostTrigger)
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks/active", s.handleActiveTask)
		r.Post("/tasks/active/cancel", s.handleCancelTask)
		r.Get("/sessions/{sessionID}/events", s.handleEvents)
		if s.commands != nil {
			r.Post("/commands", s.handleCommand)
		}
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// triggerRequest is the ingestion payload.
type triggerRequest struct {
	SessionID   string         `json:"session_id"`
	Description string         `json:"description"`
	Priority    int            `json:"priority"`
	DelaySec    float64        `json:"delay_sec"`
	Payload     map[string]any `json:"payload"`
}

func (s *Server) handlePostTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = agentloop.SessionChat
	}

	t := &trigger.Trigger{
		SessionID: req.SessionID,
		DueAt:     time.Now().Add(time.Duration(req.DelaySec * float64(time.Second))),
		Priority:  trigger.Priority(req.Priority),
		Reason:    req.Description,
		Payload:   req.Payload,
	}
	if err := s.queue.Put(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"session_id": t.SessionID, "queued": s.queue.Len()})
}

// taskRequest creates a task.
type taskRequest struct {
	Name        string `json:"name"`
	Instruction string `json:"instruction"`
	Start       bool   `json:"start"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if req.Name == "" || req.Instruction == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name and instruction are required"))
		return
	}

	id, err := s.tasks.CreateTask(r.Context(), req.Name, req.Instruction)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, task.ErrTaskActive) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}

	if req.Start {
		if err := s.tasks.StartTask(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task_id": id})
}

func (s *Server) handleActiveTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tasks.Active()
	if !ok {
		writeError(w, http.StatusNotFound, task.ErrNoActiveTask)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.MarkCancelled(r.Context(), "cancelled via API"); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, task.ErrNoActiveTask) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

// handleEvents returns the session's event snapshot, or streams it as
// server-sent events when the client asks for text/event-stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	stream := s.streams.Get(sessionID)

	if r.Header.Get("Accept") != "text/event-stream" {
		summary, tail := stream.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{"summary": summary, "events": tail})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// Poll-based SSE: the stream has no subscription primitive, so new
	// entries are detected by index growth.
	lastIndex := -1
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, tail := stream.Snapshot()
			for _, e := range tail {
				if e.Index <= lastIndex {
					continue
				}
				lastIndex = e.Index
				data, err := json.Marshal(e)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
			}
			flusher.Flush()
		}
	}
}

// handleCommand dispatches a slash command through the registry.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}

	output, ok, err := s.commands.Dispatch(r.Context(), req.Input)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("not a command: %q", req.Input))
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": output})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
