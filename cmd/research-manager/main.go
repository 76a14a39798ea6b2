package main

import (
	"context"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"scheduled-research-service/internal/research-manager/api"
	rmKafka "scheduled-research-service/internal/research-manager/kafka"
	"scheduled-research-service/internal/research-manager/pipeline"
	"scheduled-research-service/internal/research-manager/research"
	"scheduled-research-service/internal/research-manager/services"
	"scheduled-research-service/internal/research-manager/store"
	gorm_db "scheduled-research-service/pkg/db"
)

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		stdlog.Printf("Invalid %s=%q, using default %d", key, raw, def)
		return def
	}
	return n
}

func main() {
	stdlog.Println("Research Manager Service starting...")

	appCtx, appCancel := context.WithCancel(context.Background())

	gormDB, err := gorm_db.NewGormDB()
	if err != nil {
		stdlog.Fatalf("Failed to initialize database: %v", err)
	}
	stdlog.Println("Database initialized successfully.")

	taskStore := store.New(gormDB)
	stdlog.Println("Running database migrations...")
	if err := taskStore.Migrate(); err != nil {
		stdlog.Fatalf("Failed to migrate database: %v", err)
	}
	stdlog.Println("Database migration successful.")

	publisher := rmKafka.NewPublisher()

	provider, err := research.NewProvider()
	if err != nil {
		stdlog.Fatalf("Failed to create research provider: %v", err)
	}

	executor := pipeline.NewExecutor(taskStore, provider, publisher)
	quick := pipeline.NewQuickExecutor(taskStore, provider, publisher,
		envInt("QUICK_MAX_CONCURRENT", pipeline.DefaultQuickConcurrent))

	schedulerService, err := services.NewSchedulerService(appCtx, taskStore, executor, quick,
		envInt("SCHEDULER_MAX_CONCURRENT", services.DefaultMaxConcurrent))
	if err != nil {
		stdlog.Fatalf("Failed to create scheduler service: %v", err)
	}
	if err := schedulerService.Start(); err != nil {
		stdlog.Fatalf("Failed to start scheduler service: %v", err)
	}

	reconciler := services.NewReconciler(schedulerService)
	startupReport := reconciler.Reconcile(false)
	stdlog.Printf("Startup reconciliation: checked=%d fixed=%d failed=%d",
		startupReport.Checked, startupReport.Fixed, startupReport.Failed)

	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = ":8080"
	}

	hlog.SetOutput(os.Stdout)
	hlog.SetLevel(hlog.LevelInfo)

	h := server.Default(server.WithHostPorts(serverAddr), server.WithExitWaitTime(5*time.Second))

	taskHandler := api.NewTaskHandler(schedulerService)
	adminHandler := api.NewAdminHandler(schedulerService, reconciler)

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

	adminGroup := h.Group("/admin")
	{
		adminGroup.POST("/reconcile", adminHandler.Reconcile)
		adminGroup.POST("/resync", adminHandler.ForceResync)
	}

	h.GET("/ping", func(c context.Context, ctxReq *app.RequestContext) {
		ctxReq.JSON(http.StatusOK, utils.H{"message": "pong"})
	})

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		hlog.Infof("Received signal: %s. Initiating graceful shutdown...", sig)

		appCancel()

		shutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpShutdownCancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			hlog.Errorf("Hertz server shutdown error: %v", err)
		} else {
			hlog.Info("Hertz server gracefully stopped.")
		}

		if err := schedulerService.Shutdown(); err != nil {
			hlog.Errorf("Scheduler shutdown error: %v", err)
		}

		if err := publisher.Close(); err != nil {
			hlog.Errorf("Kafka publisher close error: %v", err)
		} else {
			hlog.Info("Kafka publisher closed.")
		}
		hlog.Info("Research Manager gracefully shut down.")
	}()

	hlog.Infof("Research Manager Service fully initialized and starting Hertz server on %s...", serverAddr)
	h.Spin()

	stdlog.Println("Research Manager Service has been shut down.")
}
