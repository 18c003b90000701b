package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/service"
)

const healthTimeout = 2 * time.Second

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connectivity reports whether a client connection is up.
type Connectivity interface {
	IsConnected() bool
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Runs       *service.RunService
	Dispatcher *service.RunDispatcher
	DB         Pinger
	Queue      Connectivity
}

type runRequest struct {
	Model     string            `json:"model"`
	Env       map[string]string `json:"env"`
	ExtraArgs []string          `json:"extra_args"`
}

type runResponse struct {
	TaskID     string `json:"task_id"`
	DispatchID string `json:"dispatch_id"`
	Status     string `json:"status"`
}

// RunTask handles POST /api/v1/tasks/{id}/run. The run is queued for a
// worker; progress arrives over the websocket and the task record.
func (h *Handlers) RunTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[runRequest](w, r)
	if !ok {
		return
	}

	dispatchID, err := h.Dispatcher.Enqueue(r.Context(), id, service.RunOptions{
		Model:     req.Model,
		Env:       req.Env,
		ExtraArgs: req.ExtraArgs,
	})
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{TaskID: id, DispatchID: dispatchID, Status: "queued"})
}

// StopTask handles POST /api/v1/tasks/{id}/stop. It blocks until the run
// has been finalized or the stop wait elapses.
func (h *Handlers) StopTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	stopped, err := h.Runs.Stop(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	if !stopped {
		slog.WarnContext(r.Context(), "stop did not complete in time", "task_id", id)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Runs.GetTask(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTaskCommits handles GET /api/v1/tasks/{id}/commits
func (h *Handlers) ListTaskCommits(w http.ResponseWriter, r *http.Request) {
	commits, err := h.Runs.ListCommits(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	if commits == nil {
		commits = []task.Commit{}
	}
	writeJSON(w, http.StatusOK, commits)
}

// ListAgents handles GET /api/v1/agents
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Runs.ListAgents(r.Context()))
}

type healthStatus struct {
	Status   string `json:"status"`
	Postgres string `json:"postgres"`
	NATS     string `json:"nats"`
}

// Health handles GET /health. It answers 503 when a dependency is down.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := healthStatus{Status: "ok", Postgres: "ok", NATS: "ok"}
	code := http.StatusOK
	if h.DB != nil {
		if err := h.DB.Ping(ctx); err != nil {
			slog.WarnContext(ctx, "health: postgres unreachable", "error", err)
			status.Postgres = "unreachable"
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if h.Queue != nil && !h.Queue.IsConnected() {
		status.NATS = "disconnected"
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
