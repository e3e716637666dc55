package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/readlevel/readlevel-backend/internal/queue"
	"github.com/readlevel/readlevel-backend/internal/repos"
)

type TasksHandler struct {
	enqueuer *queue.Enqueuer
	worker   *queue.Worker
	tasks    repos.GenerationTaskRepo
}

func NewTasksHandler(enqueuer *queue.Enqueuer, worker *queue.Worker, tasks repos.GenerationTaskRepo) *TasksHandler {
	return &TasksHandler{enqueuer: enqueuer, worker: worker, tasks: tasks}
}

type enqueueBody struct {
	Date     string `json:"date"`
	Mode     string `json:"mode"`
	Provider string `json:"provider"`
}

// POST /internal/tasks
func (h *TasksHandler) Enqueue(c *gin.Context) {
	var body enqueueBody
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if body.Date == "" {
		body.Date = time.Now().UTC().Format("2006-01-02")
	}

	created, err := h.enqueuer.Enqueue(c.Request.Context(), queue.EnqueueRequest{
		TaskDate:         body.Date,
		Mode:             body.Mode,
		TriggerSource:    "api",
		ProviderOverride: body.Provider,
	})
	if err != nil {
		RespondError(c, http.StatusBadRequest, "enqueue_failed", err)
		return
	}
	h.worker.Poke()

	RespondOK(c, gin.H{"tasks": created})
}

// GET /internal/tasks/:id
func (h *TasksHandler) GetByID(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	task, err := h.tasks.GetByID(c.Request.Context(), nil, taskID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "task_lookup_failed", err)
		return
	}
	if task == nil {
		RespondError(c, http.StatusNotFound, "task_not_found", nil)
		return
	}

	RespondOK(c, gin.H{"task": task})
}
