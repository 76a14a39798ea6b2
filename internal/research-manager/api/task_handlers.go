package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"

	taskDB "scheduled-research-service/internal/research-manager/db"
	"scheduled-research-service/internal/research-manager/errs"
	"scheduled-research-service/internal/research-manager/services"
	"scheduled-research-service/internal/research-manager/store"
	"scheduled-research-service/pkg/validation"
)

// sourceConfigSchema validates the per-task source configuration blob.
// The blob is stored opaquely and passed to the research provider; only
// its shape is enforced here.
const sourceConfigSchema = `{
	"type": "object",
	"properties": {
		"source_types": {
			"type": "array",
			"items": {"type": "string", "enum": ["web", "news", "academic", "social"]}
		},
		"query_domains": {
			"type": "array",
			"items": {"type": "string"}
		},
		"max_sources": {"type": "integer", "minimum": 1},
		"language": {"type": "string"}
	},
	"additionalProperties": false
}`

type TaskHandler struct {
	Scheduler *services.SchedulerService
	Store     *store.Store
}

func NewTaskHandler(scheduler *services.SchedulerService) *TaskHandler {
	return &TaskHandler{Scheduler: scheduler, Store: scheduler.Store}
}

type CreateTaskRequest struct {
	UserID                string   `json:"user_id"`
	Topic                 string   `json:"topic" validate:"required"`
	Keywords              []string `json:"keywords"`
	Description           string   `json:"description"`
	IntervalHours         int      `json:"interval_hours"`
	AnalysisDepth         string   `json:"analysis_depth"`
	SourceConfig          string   `json:"source_config"`
	MaxSources            int      `json:"max_sources"`
	Language              string   `json:"language"`
	EnableNotifications   *bool    `json:"enable_notifications"`
	NotificationThreshold float64  `json:"notification_threshold"`
}

type UpdateTaskRequest struct {
	Topic                 *string  `json:"topic"`
	Keywords              []string `json:"keywords"`
	Description           *string  `json:"description"`
	IntervalHours         *int     `json:"interval_hours"`
	AnalysisDepth         *string  `json:"analysis_depth"`
	SourceConfig          *string  `json:"source_config"`
	MaxSources            *int     `json:"max_sources"`
	Language              *string  `json:"language"`
	EnableNotifications   *bool    `json:"enable_notifications"`
	NotificationThreshold *float64 `json:"notification_threshold"`
}

func validDepth(depth string) bool {
	switch depth {
	case taskDB.DepthBasic, taskDB.DepthDetailed, taskDB.DepthDeep:
		return true
	}
	return false
}

func (h *TaskHandler) CreateTask(ctx context.Context, c *app.RequestContext) {
	var req CreateTaskRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}

	if req.AnalysisDepth != "" && !validDepth(req.AnalysisDepth) {
		c.JSON(http.StatusBadRequest, utils.H{"error": "analysis_depth must be one of basic, detailed, deep"})
		return
	}
	if req.IntervalHours < 0 {
		c.JSON(http.StatusBadRequest, utils.H{"error": "interval_hours must be positive"})
		return
	}
	if req.SourceConfig != "" {
		if err := validation.ValidateJSONWithSchema(sourceConfigSchema, req.SourceConfig); err != nil {
			log.Printf("Source config validation failed for topic %q: %v", req.Topic, err)
			c.JSON(http.StatusBadRequest, utils.H{
				"error":             "Source configuration does not match the expected schema.",
				"validation_errors": err.Error(),
			})
			return
		}
	}

	task := taskDB.ScheduledTask{
		UserID:                req.UserID,
		Topic:                 req.Topic,
		Description:           req.Description,
		IntervalHours:         req.IntervalHours,
		IsActive:              true,
		AnalysisDepth:         req.AnalysisDepth,
		SourceConfig:          req.SourceConfig,
		MaxSources:            req.MaxSources,
		Language:              req.Language,
		NotificationThreshold: req.NotificationThreshold,
		EnableNotifications:   true,
	}
	task.SetKeywords(req.Keywords)
	if req.EnableNotifications != nil {
		task.EnableNotifications = *req.EnableNotifications
	}

	if err := h.Scheduler.CreateTask(&task); err != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to create task: " + err.Error()})
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *TaskHandler) GetTasks(ctx context.Context, c *app.RequestContext) {
	userID := c.Query("user_id")
	activeOnly := c.Query("active") == "true"

	var (
		tasks []taskDB.ScheduledTask
		err   error
	)
	if userID != "" {
		tasks, err = h.Store.ListByOwner(userID, activeOnly)
	} else if activeOnly {
		tasks, err = h.Store.ListActive()
	} else {
		tasks, err = h.Store.ListAll()
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch tasks: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *TaskHandler) GetTaskByID(ctx context.Context, c *app.RequestContext) {
	task, err := h.Store.GetByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, errs.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch task: " + err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) UpdateTask(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	var req UpdateTaskRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}

	updateData := make(map[string]interface{})
	if req.Topic != nil {
		updateData["topic"] = *req.Topic
	}
	if req.Keywords != nil {
		var tmp taskDB.ScheduledTask
		tmp.SetKeywords(req.Keywords)
		updateData["keywords"] = tmp.Keywords
	}
	if req.Description != nil {
		updateData["description"] = *req.Description
	}
	if req.IntervalHours != nil {
		if *req.IntervalHours <= 0 {
			c.JSON(http.StatusBadRequest, utils.H{"error": "interval_hours must be positive"})
			return
		}
		updateData["interval_hours"] = *req.IntervalHours
	}
	if req.AnalysisDepth != nil {
		if !validDepth(*req.AnalysisDepth) {
			c.JSON(http.StatusBadRequest, utils.H{"error": "analysis_depth must be one of basic, detailed, deep"})
			return
		}
		updateData["analysis_depth"] = *req.AnalysisDepth
	}
	if req.SourceConfig != nil {
		if *req.SourceConfig != "" {
			if err := validation.ValidateJSONWithSchema(sourceConfigSchema, *req.SourceConfig); err != nil {
				c.JSON(http.StatusBadRequest, utils.H{
					"error":             "Source configuration does not match the expected schema.",
					"validation_errors": err.Error(),
				})
				return
			}
		}
		updateData["source_config"] = *req.SourceConfig
	}
	if req.MaxSources != nil {
		updateData["max_sources"] = *req.MaxSources
	}
	if req.Language != nil {
		updateData["language"] = *req.Language
	}
	if req.EnableNotifications != nil {
		updateData["enable_notifications"] = *req.EnableNotifications
	}
	if req.NotificationThreshold != nil {
		updateData["notification_threshold"] = *req.NotificationThreshold
	}
	if len(updateData) == 0 {
		c.JSON(http.StatusBadRequest, utils.H{"error": "No update fields provided"})
		return
	}

	task, err := h.Scheduler.UpdateTask(id, updateData)
	if err != nil {
		if errors.Is(err, errs.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to update task: " + err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) DeleteTask(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	if err := h.Scheduler.DeleteTask(id); err != nil {
		if errors.Is(err, errs.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to delete task: " + err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, utils.H{"message": "Task deleted", "id": id})
}

func (h *TaskHandler) PauseTask(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	if _, err := h.Store.GetByID(id); err != nil {
		if errors.Is(err, errs.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch task: " + err.Error()})
		}
		return
	}
	if err := h.Scheduler.Pause(id); err != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to pause task: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, utils.H{"message": "Task paused", "id": id})
}

func (h *TaskHandler) ResumeTask(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	if err := h.Scheduler.Resume(id); err != nil {
		if errors.Is(err, errs.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to resume task: " + err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, utils.H{"message": "Task resumed", "id": id})
}

func (h *TaskHandler) TriggerTask(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	mode := c.Query("mode")
	if mode == "" {
		mode = services.TriggerModeFull
	}
	if mode != services.TriggerModeFull && mode != services.TriggerModeFast {
		c.JSON(http.StatusBadRequest, utils.H{"error": "mode must be full or fast"})
		return
	}
	if err := h.Scheduler.TriggerNow(id, mode); err != nil {
		switch {
		case errors.Is(err, errs.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
		case errors.Is(err, services.ErrSchedulerStopped):
			c.JSON(http.StatusServiceUnavailable, utils.H{"error": "Scheduler is shutting down"})
		default:
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to trigger task: " + err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, utils.H{"message": "Task triggered", "id": id, "mode": mode})
}

func (h *TaskHandler) GetTaskHistory(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	if _, err := h.Store.GetByID(id); err != nil {
		if errors.Is(err, errs.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch task: " + err.Error()})
		}
		return
	}
	limit := parseLimit(c.Query("limit"), 20)
	runs, err := h.Store.Runs(id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch history: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *TaskHandler) GetTaskTrends(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	if _, err := h.Store.GetByID(id); err != nil {
		if errors.Is(err, errs.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch task: " + err.Error()})
		}
		return
	}
	limit := parseLimit(c.Query("limit"), 20)
	snaps, err := h.Store.TrendSnapshots(id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch trend snapshots: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, snaps)
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 200 {
		return def
	}
	return n
}
