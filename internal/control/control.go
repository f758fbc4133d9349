// Package control implements the Task Control API (H4): read-only queries
// over provisioning tasks and jobs, plus the two administrative mutations —
// replaying a dead-lettered task and forgetting an idempotency record. Both
// mutations are distinct operations, not one chained into the other: a
// replay re-runs the orchestrator against the task's existing rows, while
// forgetting an idempotency record clears the gate a prior webhook or sweep
// run left behind, for the rare case an operator needs that event
// reprocessed from scratch.
package control

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/crosslogic/control-plane/internal/idempotency"
	"github.com/crosslogic/control-plane/internal/queue"
	"github.com/crosslogic/control-plane/internal/taskstore"
	"github.com/crosslogic/control-plane/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handlers exposes the Task Control API's chi routes.
type Handlers struct {
	tasks       *taskstore.Store
	queue       *queue.Queue
	idempotency *idempotency.Store
	logger      *zap.Logger
}

// New constructs Handlers.
func New(tasks *taskstore.Store, q *queue.Queue, idem *idempotency.Store, logger *zap.Logger) *Handlers {
	return &Handlers{tasks: tasks, queue: q, idempotency: idem, logger: logger}
}

// Mount registers every route under r. The caller is responsible for putting
// r behind admin authentication; this package has no opinion on transport
// security.
func (h *Handlers) Mount(r chi.Router) {
	r.Get("/tasks", h.listTasks)
	r.Get("/tasks/{taskID}", h.getTask)
	r.Post("/tasks/{taskID}/replay", h.replayTask)
	r.Post("/idempotency/forget", h.forgetIdempotency)
	r.Get("/queues/{queueName}/stats", h.queueStats)
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	status := models.ProvisioningTaskStatus(r.URL.Query().Get("status"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	tasks, err := h.tasks.ListTasks(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	task, err := h.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// replayTask resets the task's status to pending so a subsequent
// orchestrator run treats every non-succeeded step as pending again, and
// resets the matching dead-lettered provisioning job back to queued with a
// fresh attempt budget. Step history is never deleted.
func (h *Handlers) replayTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	task, err := h.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if task.Status != models.TaskDeadLettered {
		writeError(w, http.StatusConflict, "task is not dead-lettered")
		return
	}

	if err := h.queue.ReplayByTaskID(r.Context(), models.QueueProvisioning, taskID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.tasks.ResetNonSucceededSteps(r.Context(), taskID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("task replayed", zap.String("task_id", taskID.String()))
	writeJSON(w, http.StatusOK, map[string]interface{}{"replayed": true, "task_id": taskID})
}

type forgetRequest struct {
	Scope       string `json:"scope"`
	ExternalKey string `json:"external_key"`
}

// forgetIdempotency deletes a single idempotency record, identified by its
// exact scope and key (e.g. scope "webhook", key the payment provider's
// event id). This does not touch any task or job; it only clears the gate
// so the next matching event or sweep tick runs its side effects again.
func (h *Handlers) forgetIdempotency(w http.ResponseWriter, r *http.Request) {
	var req forgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Scope == "" || req.ExternalKey == "" {
		writeError(w, http.StatusBadRequest, "scope and external_key are required")
		return
	}

	if err := h.idempotency.Forget(r.Context(), req.Scope, req.ExternalKey); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Warn("idempotency record forgotten",
		zap.String("scope", req.Scope), zap.String("external_key", req.ExternalKey))
	writeJSON(w, http.StatusOK, map[string]interface{}{"forgotten": true})
}

func (h *Handlers) queueStats(w http.ResponseWriter, r *http.Request) {
	queueName := models.QueueName(chi.URLParam(r, "queueName"))
	switch queueName {
	case models.QueueProvisioning, models.QueueEmails, models.QueueInvoices, models.QueueBackups:
	default:
		writeError(w, http.StatusBadRequest, "unknown queue name")
		return
	}

	stats, err := h.queue.Stats(r.Context(), queueName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]interface{}{"error": message})
}
