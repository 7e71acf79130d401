// Package gateway exposes the task runtime over HTTP: task CRUD and
// commands, a streaming chat endpoint, lifecycle events over websocket,
// and Prometheus metrics.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/novaxhq/novax/internal/agent"
	"github.com/novaxhq/novax/internal/config"
	"github.com/novaxhq/novax/internal/events"
	"github.com/novaxhq/novax/internal/mcp"
	"github.com/novaxhq/novax/internal/observability"
	"github.com/novaxhq/novax/internal/runner"
	"github.com/novaxhq/novax/internal/storage"
	"github.com/novaxhq/novax/pkg/models"
)

// Server wires the runtime components behind HTTP handlers.
type Server struct {
	cfg      config.ServerConfig
	store    storage.TaskStore
	runner   *runner.Runner
	bus      *events.Bus
	loop     *agent.Loop
	bridge   *mcp.Bridge
	logger   *slog.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

// Options carries the dependencies for a Server.
type Options struct {
	Config  config.ServerConfig
	Store   storage.TaskStore
	Runner  *runner.Runner
	Bus     *events.Bus
	Loop    *agent.Loop
	Bridge  *mcp.Bridge
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewServer creates a Server from its dependencies.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     opts.Config,
		store:   opts.Store,
		runner:  opts.Runner,
		bus:     opts.Bus,
		loop:    opts.Loop,
		bridge:  opts.Bridge,
		logger:  logger.With("component", "gateway"),
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /cowork/tasks", s.handleListTasks)
	mux.HandleFunc("POST /cowork/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /cowork/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /cowork/tasks/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /cowork/tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /cowork/tasks/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /cowork/tasks/{id}/approve/{actionID}", s.handleApprove)

	mux.HandleFunc("POST /chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /ws", s.handleWS)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTaskRequest struct {
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	ProjectID   string        `json:"projectId,omitempty"`
	AutoApprove bool          `json:"autoApprove,omitempty"`
	Steps       []models.Step `json:"steps,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}

	for i := range req.Steps {
		if req.Steps[i].ID == "" {
			req.Steps[i].ID = fmt.Sprintf("step-%d", i+1)
		}
		req.Steps[i].Status = models.StepQueued
	}

	task := &models.Task{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
		Status:      models.TaskQueued,
		Plan: &models.Plan{
			Steps:    req.Steps,
			Settings: models.PlanSettings{AutoApprove: req.AutoApprove},
		},
		CreatedAt: time.Now(),
	}

	if err := s.store.CreateTask(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.runner.Start(r.Context(), task.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("task created", "task_id", task.ID, "title", task.Title)
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{
		ProjectID: r.URL.Query().Get("projectId"),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := models.TaskStatus(v)
		opts.Status = &status
	}

	tasks, err := s.store.ListTasks(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Pause(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Resume(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	err := s.runner.Approve(r.Context(), r.PathValue("id"), r.PathValue("actionID"))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

type chatRequest struct {
	System   string              `json:"system,omitempty"`
	Messages []agent.TurnMessage `json:"messages"`
	Model    string              `json:"model,omitempty"`

	// Documents are knowledge-base entries folded into the system
	// prompt for this turn.
	Documents []agent.ProjectDoc `json:"documents,omitempty"`

	// Services names the tool providers to expose for this turn.
	Services []string `json:"services,omitempty"`
}

// handleChatStream runs one completion turn and relays its events as
// SSE frames.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	turn := &agent.TurnRequest{
		System:   agent.BuildSystemPrompt(req.System, req.Documents),
		Messages: req.Messages,
		Model:    req.Model,
	}
	if len(req.Services) > 0 {
		tools, err := s.bridge.ListTools(r.Context(), req.Services)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		turn.Tools = tools
		turn.Executor = s.bridge.Executor()
	}

	stream, err := s.loop.StreamTurn(r.Context(), turn)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for ev := range stream {
		frame := ev
		if ev.Type == models.StreamError && ev.Err != nil {
			frame = &models.StreamEvent{Type: models.StreamError, Text: ev.Err.Error()}
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			s.logger.Error("encode stream event", "error", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, runner.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, runner.ErrNotRunning), errors.Is(err, runner.ErrNoPendingApproval):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
