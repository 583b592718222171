package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/inkfleet/inkfleet-backend/internal/datapool"
	"github.com/inkfleet/inkfleet-backend/internal/dispatch"
	"github.com/inkfleet/inkfleet-backend/internal/models"
)

// DispatchHandler exposes the synchronous task lifecycle and statistics
// surface. I need the dispatcher for lifecycle calls and the pool service
// for backlog statistics.
type DispatchHandler struct {
	Logger     *zap.Logger
	Dispatcher *dispatch.Dispatcher
	Pools      datapool.Service
}

// NewDispatchHandler creates a new DispatchHandler.
func NewDispatchHandler(logger *zap.Logger, d *dispatch.Dispatcher, pools datapool.Service) *DispatchHandler {
	return &DispatchHandler{Logger: logger, Dispatcher: d, Pools: pools}
}

// Routes mounts the dispatch endpoints on a chi router.
func (h *DispatchHandler) Routes(r chi.Router) {
	r.Post("/dispatch/start", h.StartTask)
	r.Post("/dispatch/{taskID}/stop", h.StopTask)
	r.Post("/dispatch/{taskID}/pause", h.PauseTask)
	r.Post("/dispatch/{taskID}/resume", h.ResumeTask)
	r.Post("/dispatch/{taskID}/complete", h.CompleteTask)
	r.Post("/dispatch/{taskID}/fail", h.FailTask)
	r.Get("/dispatch/{taskID}/status", h.TaskStatus)
	r.Get("/dispatch/{taskID}/statistics", h.TaskStatistics)
}

// StartTask admits a new task dispatch. Preflight failures come back as 409
// with the failing device or pool identified.
func (h *DispatchHandler) StartTask(w http.ResponseWriter, r *http.Request) {
	var req dispatch.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("Failed to decode start request", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	status, err := h.Dispatcher.StartTask(r.Context(), req)
	if err != nil {
		var preflight *dispatch.PreflightError
		switch {
		case errors.As(err, &preflight):
			h.Logger.Warn("Preflight check failed",
				zap.String("task_id", req.TaskID),
				zap.String("device_id", preflight.DeviceID),
				zap.String("pool_id", preflight.PoolID),
				zap.String("reason", preflight.Reason))
			respondJSON(w, http.StatusConflict, map[string]interface{}{
				"error":     preflight.Error(),
				"task_id":   preflight.TaskID,
				"device_id": preflight.DeviceID,
				"pool_id":   preflight.PoolID,
			})
		case errors.Is(err, models.ErrTaskAlreadyRunning):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, models.ErrTaskNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, models.ErrInvalidRequest):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.Logger.Error("Failed to start task", zap.String("task_id", req.TaskID), zap.Error(err))
			http.Error(w, "Failed to start task dispatch", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// StopTask stops a running dispatch, leaving the durable task PAUSED so it
// can be restarted later.
func (h *DispatchHandler) StopTask(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(taskID string) error {
		return h.Dispatcher.StopTask(r.Context(), taskID,
			models.DispatchStateStopped, models.TaskStatusPaused, "stopped by request")
	})
}

// PauseTask suspends production and sending for a running dispatch.
func (h *DispatchHandler) PauseTask(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(taskID string) error {
		return h.Dispatcher.PauseTask(r.Context(), taskID)
	})
}

// ResumeTask lifts a pause.
func (h *DispatchHandler) ResumeTask(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(taskID string) error {
		return h.Dispatcher.ResumeTask(r.Context(), taskID)
	})
}

// CompleteTask force-finishes a dispatch as completed.
func (h *DispatchHandler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(taskID string) error {
		return h.Dispatcher.FinishTask(r.Context(), taskID)
	})
}

// FailTask force-finishes a dispatch as failed.
func (h *DispatchHandler) FailTask(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(taskID string) error {
		return h.Dispatcher.StopTask(r.Context(), taskID,
			models.DispatchStateFailed, models.TaskStatusError, "failed by request")
	})
}

func (h *DispatchHandler) lifecycle(w http.ResponseWriter, r *http.Request, fn func(taskID string) error) {
	taskID := chi.URLParam(r, "taskID")
	if err := fn(taskID); err != nil {
		if errors.Is(err, models.ErrTaskNotRunning) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.Logger.Error("Task lifecycle call failed", zap.String("task_id", taskID), zap.Error(err))
		http.Error(w, "Task lifecycle call failed", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "result": "ok"})
}

// TaskStatus returns the aggregated dispatch snapshot.
func (h *DispatchHandler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	status, err := h.Dispatcher.TaskDispatchStatus(taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// TaskStatistics returns the dispatch snapshot, per-device rows and the
// backlog statistics of the task's pool.
func (h *DispatchHandler) TaskStatistics(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	status, err := h.Dispatcher.TaskDispatchStatus(taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	devices, err := h.Dispatcher.DeviceTaskStatuses(taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	out := map[string]interface{}{
		"status":  status,
		"devices": devices,
	}
	for _, t := range h.Dispatcher.ActiveTasks() {
		if t.ID != taskID {
			continue
		}
		stats, err := h.Pools.Statistics(r.Context(), t.PoolID)
		if err != nil {
			h.Logger.Warn("Failed to load pool statistics",
				zap.String("pool_id", t.PoolID),
				zap.Error(err))
			break
		}
		out["pool"] = stats
	}
	respondJSON(w, http.StatusOK, out)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
