package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	taskDB "scheduled-research-service/internal/research-manager/db"
	"scheduled-research-service/internal/research-manager/pipeline"
	"scheduled-research-service/internal/research-manager/research"
	"scheduled-research-service/internal/research-manager/services"
	"scheduled-research-service/internal/research-manager/store"
)

type stubProvider struct{}

func (stubProvider) Research(ctx context.Context, query string, cfg research.SourceConfig) (research.Report, error) {
	return research.Report{Text: "stub research output.", SourcesCount: 1}, nil
}

func setupAPITest(t *testing.T) (*route.Engine, *services.SchedulerService, func()) {
	dbFilePath := "test_api_" + strconv.FormatInt(time.Now().UnixNano(), 10) + ".db"
	gormDB, err := gorm.Open(sqlite.Open(dbFilePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s := store.New(gormDB)
	require.NoError(t, s.Migrate())

	executor := pipeline.NewExecutor(s, stubProvider{}, nil)
	quick := pipeline.NewQuickExecutor(s, stubProvider{}, nil, 2)
	scheduler, err := services.NewSchedulerService(context.Background(), s, executor, quick, 3)
	require.NoError(t, err)
	reconciler := services.NewReconciler(scheduler)

	hlog.SetLevel(hlog.LevelFatal)
	h := server.Default(
		server.WithHostPorts("127.0.0.1:0"),
		server.WithExitWaitTime(time.Duration(0)),
	)

	taskHandler := NewTaskHandler(scheduler)
	adminHandler := NewAdminHandler(scheduler, reconciler)

	taskGroup := h.Group("/tasks")
	{
		taskGroup.POST("", taskHandler.CreateTask)
		taskGroup.GET("", taskHandler.GetTasks)
		taskGroup.GET("/:id", taskHandler.GetTaskByID)
		taskGroup.PUT("/:id", taskHandler.UpdateTask)
		taskGroup.DELETE("/:id", taskHandler.DeleteTask)
		taskGroup.POST("/:id/pause", taskHandler.PauseTask)
		taskGroup.POST("/:id/resume", taskHandler.ResumeTask)
		taskGroup.POST("/:id/trigger", taskHandler.TriggerTask)
		taskGroup.GET("/:id/history", taskHandler.GetTaskHistory)
		taskGroup.GET("/:id/trends", taskHandler.GetTaskTrends)
	}
	h.GET("/scheduler/status", adminHandler.SchedulerStatus)
	h.POST("/admin/reconcile", adminHandler.Reconcile)

	cleanup := func() {
		scheduler.Shutdown()
		sqlDB, err := gormDB.DB()
		if err == nil && sqlDB != nil {
			sqlDB.Close()
		}
		os.Remove(dbFilePath)
	}
	return h.Engine, scheduler, cleanup
}

func postJSON(router *route.Engine, method, url string, payload interface{}) *ut.ResponseRecorder {
	body, _ := json.Marshal(payload)
	return ut.PerformRequest(router, method, url,
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
}

func TestCreateTaskAPI_Valid(t *testing.T) {
	router, scheduler, cleanup := setupAPITest(t)
	defer cleanup()

	w := postJSON(router, "POST", "/tasks", CreateTaskRequest{
		Topic:         "AI research",
		Keywords:      []string{"AI", "LLM"},
		IntervalHours: 12,
		AnalysisDepth: taskDB.DepthDetailed,
	})
	resp := w.Result()
	assert.Equal(t, http.StatusCreated, resp.StatusCode())

	var created taskDB.ScheduledTask
	require.NoError(t, json.Unmarshal(resp.Body(), &created))
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.IsActive)
	assert.True(t, scheduler.HasTrigger(created.ID), "creation schedules the trigger")
}

func TestCreateTaskAPI_InvalidDepth(t *testing.T) {
	router, _, cleanup := setupAPITest(t)
	defer cleanup()

	w := postJSON(router, "POST", "/tasks", CreateTaskRequest{
		Topic:         "bad depth",
		AnalysisDepth: "extreme",
	})
	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode())
}

func TestCreateTaskAPI_InvalidSourceConfig(t *testing.T) {
	router, _, cleanup := setupAPITest(t)
	defer cleanup()

	w := postJSON(router, "POST", "/tasks", CreateTaskRequest{
		Topic:        "bad sources",
		SourceConfig: `{"source_types": ["carrier_pigeon"]}`,
	})
	resp := w.Result()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "validation_errors")
}

func TestGetTaskAPI_NotFound(t *testing.T) {
	router, _, cleanup := setupAPITest(t)
	defer cleanup()

	w := ut.PerformRequest(router, "GET", "/tasks/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode())
}

func TestPauseResumeAPI(t *testing.T) {
	router, scheduler, cleanup := setupAPITest(t)
	defer cleanup()

	w := postJSON(router, "POST", "/tasks", CreateTaskRequest{Topic: "pausable"})
	var created taskDB.ScheduledTask
	require.NoError(t, json.Unmarshal(w.Result().Body(), &created))

	w = ut.PerformRequest(router, "POST", "/tasks/"+created.ID+"/pause", nil)
	assert.Equal(t, http.StatusOK, w.Result().StatusCode())
	assert.False(t, scheduler.HasTrigger(created.ID))

	w = ut.PerformRequest(router, "GET", "/tasks/"+created.ID, nil)
	var paused taskDB.ScheduledTask
	require.NoError(t, json.Unmarshal(w.Result().Body(), &paused))
	assert.False(t, paused.IsActive)

	w = ut.PerformRequest(router, "POST", "/tasks/"+created.ID+"/resume", nil)
	assert.Equal(t, http.StatusOK, w.Result().StatusCode())
	assert.True(t, scheduler.HasTrigger(created.ID))
}

func TestUpdateTaskAPI(t *testing.T) {
	router, _, cleanup := setupAPITest(t)
	defer cleanup()

	w := postJSON(router, "POST", "/tasks", CreateTaskRequest{Topic: "original"})
	var created taskDB.ScheduledTask
	require.NoError(t, json.Unmarshal(w.Result().Body(), &created))

	newInterval := 6
	w = postJSON(router, "PUT", "/tasks/"+created.ID, UpdateTaskRequest{IntervalHours: &newInterval})
	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	var updated taskDB.ScheduledTask
	require.NoError(t, json.Unmarshal(resp.Body(), &updated))
	assert.Equal(t, 6, updated.IntervalHours)

	// Empty update is rejected.
	w = postJSON(router, "PUT", "/tasks/"+created.ID, UpdateTaskRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode())
}

func TestDeleteTaskAPI(t *testing.T) {
	router, scheduler, cleanup := setupAPITest(t)
	defer cleanup()

	w := postJSON(router, "POST", "/tasks", CreateTaskRequest{Topic: "doomed"})
	var created taskDB.ScheduledTask
	require.NoError(t, json.Unmarshal(w.Result().Body(), &created))

	w = ut.PerformRequest(router, "DELETE", "/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Result().StatusCode())
	assert.False(t, scheduler.HasTrigger(created.ID))

	w = ut.PerformRequest(router, "GET", "/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode())
}

func TestTriggerTaskAPI_InvalidMode(t *testing.T) {
	router, _, cleanup := setupAPITest(t)
	defer cleanup()

	w := postJSON(router, "POST", "/tasks", CreateTaskRequest{Topic: "triggered"})
	var created taskDB.ScheduledTask
	require.NoError(t, json.Unmarshal(w.Result().Body(), &created))

	w = ut.PerformRequest(router, "POST", "/tasks/"+created.ID+"/trigger?mode=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode())
}

func TestSchedulerStatusAPI(t *testing.T) {
	router, _, cleanup := setupAPITest(t)
	defer cleanup()

	postJSON(router, "POST", "/tasks", CreateTaskRequest{Topic: "status topic"})

	w := ut.PerformRequest(router, "GET", "/scheduler/status", nil)
	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	var status services.Status
	require.NoError(t, json.Unmarshal(resp.Body(), &status))
	assert.Equal(t, 1, status.JobCount)
}

func TestReconcileAPI(t *testing.T) {
	router, scheduler, cleanup := setupAPITest(t)
	defer cleanup()

	w := postJSON(router, "POST", "/tasks", CreateTaskRequest{Topic: "reconciled topic"})
	var created taskDB.ScheduledTask
	require.NoError(t, json.Unmarshal(w.Result().Body(), &created))

	// Remove the trigger behind the scheduler's back, then reconcile.
	scheduler.RemoveTrigger(created.ID)

	w = ut.PerformRequest(router, "POST", "/admin/reconcile", nil)
	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	var report services.Report
	require.NoError(t, json.Unmarshal(resp.Body(), &report))
	assert.Equal(t, 1, report.Fixed)
	assert.True(t, scheduler.HasTrigger(created.ID))
}
