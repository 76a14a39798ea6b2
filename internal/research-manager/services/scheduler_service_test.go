package services

import (
	"context"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	taskDB "scheduled-research-service/internal/research-manager/db"
	"scheduled-research-service/internal/research-manager/pipeline"
	"scheduled-research-service/internal/research-manager/research"
	"scheduled-research-service/internal/research-manager/store"
)

// countingProvider counts research calls and can block until released.
type countingProvider struct {
	calls   int64
	release chan struct{}
}

func (p *countingProvider) Research(ctx context.Context, query string, cfg research.SourceConfig) (research.Report, error) {
	atomic.AddInt64(&p.calls, 1)
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return research.Report{}, ctx.Err()
		}
	}
	return research.Report{Text: "scheduled research output.", SourcesCount: 2}, nil
}

func setupScheduler(t *testing.T, provider research.Provider, maxConcurrent int) (*SchedulerService, *store.Store, func()) {
	dbFilePath := "test_scheduler_" + strconv.FormatInt(time.Now().UnixNano(), 10) + ".db"
	gormDB, err := gorm.Open(sqlite.Open(dbFilePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s := store.New(gormDB)
	require.NoError(t, s.Migrate())

	executor := pipeline.NewExecutor(s, provider, nil)
	quick := pipeline.NewQuickExecutor(s, provider, nil, 2)

	scheduler, err := NewSchedulerService(context.Background(), s, executor, quick, maxConcurrent)
	require.NoError(t, err)

	cleanup := func() {
		scheduler.Shutdown()
		sqlDB, err := gormDB.DB()
		if err == nil && sqlDB != nil {
			sqlDB.Close()
		}
		os.Remove(dbFilePath)
	}
	return scheduler, s, cleanup
}

func createSchedulerTask(t *testing.T, s *store.Store, topic string) *taskDB.ScheduledTask {
	task := &taskDB.ScheduledTask{
		Topic:         topic,
		IntervalHours: 24,
		IsActive:      true,
		AnalysisDepth: taskDB.DepthBasic,
	}
	require.NoError(t, s.Create(task))
	return task
}

func TestSchedule_Idempotent(t *testing.T) {
	scheduler, s, cleanup := setupScheduler(t, &countingProvider{}, 3)
	defer cleanup()
	task := createSchedulerTask(t, s, "idempotent topic")

	require.NoError(t, scheduler.Schedule(task))
	require.NoError(t, scheduler.Schedule(task))
	require.NoError(t, scheduler.Schedule(task))

	live := scheduler.LiveTaskIDs()
	assert.Len(t, live, 1)
	assert.True(t, live[task.ID])
	assert.Len(t, scheduler.Scheduler.Jobs(), 1, "rescheduling replaces, never duplicates")
}

func TestPauseAndResume(t *testing.T) {
	scheduler, s, cleanup := setupScheduler(t, &countingProvider{}, 3)
	defer cleanup()
	task := createSchedulerTask(t, s, "pausable topic")
	require.NoError(t, scheduler.Schedule(task))

	require.NoError(t, scheduler.Pause(task.ID))
	assert.False(t, scheduler.HasTrigger(task.ID), "pause removes the trigger entirely")
	fetched, err := s.GetByID(task.ID)
	require.NoError(t, err)
	assert.False(t, fetched.IsActive)

	require.NoError(t, scheduler.Resume(task.ID))
	assert.True(t, scheduler.HasTrigger(task.ID))
	fetched, err = s.GetByID(task.ID)
	require.NoError(t, err)
	assert.True(t, fetched.IsActive)
}

func TestRunScheduled_SingleFlight(t *testing.T) {
	provider := &countingProvider{release: make(chan struct{})}
	scheduler, s, cleanup := setupScheduler(t, provider, 3)
	defer cleanup()
	task := createSchedulerTask(t, s, "single flight topic")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.runScheduled(task.ID)
	}()

	// Wait until the first fire holds the in-flight slot.
	assert.Eventually(t, func() bool {
		scheduler.mu.Lock()
		defer scheduler.mu.Unlock()
		_, busy := scheduler.inFlight[task.ID]
		return busy
	}, time.Second, 5*time.Millisecond)

	// Concurrent fires for the same task are skipped outright.
	for i := 0; i < 4; i++ {
		scheduler.runScheduled(task.ID)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&provider.calls))

	close(provider.release)
	wg.Wait()
	assert.Empty(t, scheduler.Status().InFlightTaskIDs)
}

func TestRunScheduled_GlobalCapDropsOverflow(t *testing.T) {
	provider := &countingProvider{release: make(chan struct{})}
	scheduler, s, cleanup := setupScheduler(t, provider, 1)
	defer cleanup()
	first := createSchedulerTask(t, s, "first topic")
	second := createSchedulerTask(t, s, "second topic")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.runScheduled(first.ID)
	}()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&provider.calls) == 1
	}, time.Second, 5*time.Millisecond)

	// The cap is taken; a fire for a different task is dropped, not queued.
	scheduler.runScheduled(second.ID)
	assert.Equal(t, int64(1), atomic.LoadInt64(&provider.calls))

	close(provider.release)
	wg.Wait()
}

func TestRunScheduled_SkipsInactiveTask(t *testing.T) {
	provider := &countingProvider{}
	scheduler, s, cleanup := setupScheduler(t, provider, 3)
	defer cleanup()
	task := createSchedulerTask(t, s, "deactivated topic")
	require.NoError(t, s.Update(task.ID, map[string]interface{}{"is_active": false}))

	scheduler.runScheduled(task.ID)
	assert.Equal(t, int64(0), atomic.LoadInt64(&provider.calls))
}

func TestTriggerNow_FastMode(t *testing.T) {
	provider := &countingProvider{}
	scheduler, s, cleanup := setupScheduler(t, provider, 3)
	defer cleanup()
	task := createSchedulerTask(t, s, "fast topic")

	require.NoError(t, scheduler.TriggerNow(task.ID, TriggerModeFast))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&provider.calls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		fetched, err := s.GetByID(task.ID)
		return err == nil && fetched.SuccessRuns == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTriggerNow_UnknownTask(t *testing.T) {
	scheduler, _, cleanup := setupScheduler(t, &countingProvider{}, 3)
	defer cleanup()

	err := scheduler.TriggerNow("no-such-task", TriggerModeFull)
	assert.Error(t, err)
}

func TestShutdown_RejectsNewWork(t *testing.T) {
	scheduler, s, cleanup := setupScheduler(t, &countingProvider{}, 3)
	defer cleanup()
	task := createSchedulerTask(t, s, "late topic")

	require.NoError(t, scheduler.Shutdown())

	assert.ErrorIs(t, scheduler.TriggerNow(task.ID, TriggerModeFast), ErrSchedulerStopped)
	assert.False(t, scheduler.acquire(task.ID), "no fires accepted after shutdown")
	assert.False(t, scheduler.Status().Running)
}

func TestUpdateTask_RederivesTrigger(t *testing.T) {
	scheduler, s, cleanup := setupScheduler(t, &countingProvider{}, 3)
	defer cleanup()
	task := createSchedulerTask(t, s, "updated topic")
	require.NoError(t, scheduler.Schedule(task))

	updated, err := scheduler.UpdateTask(task.ID, map[string]interface{}{"is_active": false})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.False(t, scheduler.HasTrigger(task.ID))

	_, err = scheduler.UpdateTask(task.ID, map[string]interface{}{"is_active": true, "interval_hours": 6})
	require.NoError(t, err)
	assert.True(t, scheduler.HasTrigger(task.ID))
}

func TestDeleteTask_RemovesTriggerAndRecord(t *testing.T) {
	scheduler, s, cleanup := setupScheduler(t, &countingProvider{}, 3)
	defer cleanup()
	task := createSchedulerTask(t, s, "deleted topic")
	require.NoError(t, scheduler.Schedule(task))

	require.NoError(t, scheduler.DeleteTask(task.ID))
	assert.False(t, scheduler.HasTrigger(task.ID))
	_, err := s.GetByID(task.ID)
	assert.Error(t, err)
}
