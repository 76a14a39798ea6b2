package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	taskDB "scheduled-research-service/internal/research-manager/db"
	"scheduled-research-service/internal/research-manager/errs"
)

func TestReconcile_ReschedulesMissingTrigger(t *testing.T) {
	scheduler, s, cleanup := setupScheduler(t, &countingProvider{}, 3)
	defer cleanup()
	task := createSchedulerTask(t, s, "missing trigger topic")

	reconciler := NewReconciler(scheduler)
	report := reconciler.Reconcile(false)

	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Fixed)
	assert.Equal(t, 0, report.Failed)
	assert.True(t, scheduler.HasTrigger(task.ID))
	require.Len(t, report.Details, 1)
	assert.Equal(t, errs.DriftMissing, report.Details[0].Kind)
}

func TestReconcile_RemovesStaleTrigger(t *testing.T) {
	scheduler, s, cleanup := setupScheduler(t, &countingProvider{}, 3)
	defer cleanup()
	task := createSchedulerTask(t, s, "stale trigger topic")
	require.NoError(t, scheduler.Schedule(task))

	// Deactivate the record behind the scheduler's back.
	require.NoError(t, s.Update(task.ID, map[string]interface{}{"is_active": false}))

	reconciler := NewReconciler(scheduler)
	report := reconciler.Reconcile(false)

	assert.Equal(t, 1, report.Fixed)
	assert.False(t, scheduler.HasTrigger(task.ID))
	require.Len(t, report.Details, 1)
	assert.Equal(t, errs.DriftStale, report.Details[0].Kind)
}

func TestReconcile_OrphanReportedNotRemoved(t *testing.T) {
	scheduler, s, cleanup := setupScheduler(t, &countingProvider{}, 3)
	defer cleanup()
	task := createSchedulerTask(t, s, "orphaned topic")
	require.NoError(t, scheduler.Schedule(task))

	// Delete the record directly, leaving the trigger orphaned.
	require.NoError(t, s.DB.Delete(&taskDB.ScheduledTask{}, "id = ?", task.ID).Error)

	reconciler := NewReconciler(scheduler)
	report := reconciler.Reconcile(false)

	assert.Equal(t, 0, report.Fixed, "orphans are reported, not repaired")
	assert.True(t, scheduler.HasTrigger(task.ID), "orphan trigger survives a reporting pass")
	require.Len(t, report.Details, 1)
	assert.Equal(t, errs.DriftOrphan, report.Details[0].Kind)
	assert.Equal(t, "reported", report.Details[0].Action)
}

func TestReconcile_OrphanRemovedOnRequest(t *testing.T) {
	scheduler, s, cleanup := setupScheduler(t, &countingProvider{}, 3)
	defer cleanup()
	task := createSchedulerTask(t, s, "cleaned topic")
	require.NoError(t, scheduler.Schedule(task))
	require.NoError(t, s.DB.Delete(&taskDB.ScheduledTask{}, "id = ?", task.ID).Error)

	reconciler := NewReconciler(scheduler)
	report := reconciler.Reconcile(true)

	assert.Equal(t, 1, report.Fixed)
	assert.False(t, scheduler.HasTrigger(task.ID))
}

func TestReconcile_CleanStateReportsNothing(t *testing.T) {
	scheduler, s, cleanup := setupScheduler(t, &countingProvider{}, 3)
	defer cleanup()
	task := createSchedulerTask(t, s, "healthy topic")
	require.NoError(t, scheduler.Schedule(task))

	reconciler := NewReconciler(scheduler)
	report := reconciler.Reconcile(false)

	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 0, report.Fixed)
	assert.Equal(t, 0, report.Failed)
	assert.Empty(t, report.Details)
}

func TestForceResync_RebuildsFromStore(t *testing.T) {
	scheduler, s, cleanup := setupScheduler(t, &countingProvider{}, 3)
	defer cleanup()
	active := createSchedulerTask(t, s, "resynced topic")
	paused := createSchedulerTask(t, s, "paused resync topic")
	require.NoError(t, s.Update(paused.ID, map[string]interface{}{"is_active": false}))
	require.NoError(t, scheduler.Schedule(paused))

	reconciler := NewReconciler(scheduler)
	report := reconciler.ForceResync()

	assert.Equal(t, 1, report.Fixed)
	assert.Equal(t, 0, report.Failed)
	assert.True(t, scheduler.HasTrigger(active.ID))
	assert.False(t, scheduler.HasTrigger(paused.ID), "inactive tasks get no trigger after resync")
}
