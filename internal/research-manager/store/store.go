package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	taskDB "scheduled-research-service/internal/research-manager/db"
	"scheduled-research-service/internal/research-manager/errs"
	gorm_db "scheduled-research-service/pkg/db"
)

// Store is the durable task store. Every method runs in its own
// transaction; there is no cross-call transaction spanning a task run, so
// callers must tolerate at-least-once invocation.
type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// Migrate creates or updates the schema for all research models.
func (s *Store) Migrate() error {
	err := gorm_db.AutoMigrate(s.DB,
		&taskDB.ScheduledTask{},
		&taskDB.ResearchHistory{},
		&taskDB.TrendSnapshot{},
		&taskDB.TaskExecutionLog{},
	)
	return errs.NewStorageError("migrate", err)
}

func (s *Store) Create(task *taskDB.ScheduledTask) error {
	if task.NextRun.IsZero() {
		task.NextRun = time.Now().Add(task.Interval())
	}
	return errs.NewStorageError("create task", s.DB.Create(task).Error)
}

func (s *Store) GetByID(id string) (*taskDB.ScheduledTask, error) {
	var task taskDB.ScheduledTask
	err := s.DB.First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", errs.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, errs.NewStorageError("get task", err)
	}
	return &task, nil
}

// ListByOwner returns a user's tasks, optionally restricted to active ones.
func (s *Store) ListByOwner(userID string, activeOnly bool) ([]taskDB.ScheduledTask, error) {
	query := s.DB.Where("user_id = ?", userID)
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	var tasks []taskDB.ScheduledTask
	if err := query.Order("created_at").Find(&tasks).Error; err != nil {
		return nil, errs.NewStorageError("list tasks by owner", err)
	}
	return tasks, nil
}

// ListAll returns every task regardless of state (diagnostic surface).
func (s *Store) ListAll() ([]taskDB.ScheduledTask, error) {
	var tasks []taskDB.ScheduledTask
	if err := s.DB.Order("created_at").Find(&tasks).Error; err != nil {
		return nil, errs.NewStorageError("list tasks", err)
	}
	return tasks, nil
}

// ListActive returns all tasks with is_active = true; the scheduler loads
// these at startup and the reconciler diffs against them.
func (s *Store) ListActive() ([]taskDB.ScheduledTask, error) {
	var tasks []taskDB.ScheduledTask
	if err := s.DB.Where("is_active = ?", true).Order("created_at").Find(&tasks).Error; err != nil {
		return nil, errs.NewStorageError("list active tasks", err)
	}
	return tasks, nil
}

// ListPending returns active tasks whose next_run is due at or before now.
func (s *Store) ListPending(now time.Time) ([]taskDB.ScheduledTask, error) {
	var tasks []taskDB.ScheduledTask
	err := s.DB.Where("is_active = ? AND next_run <= ?", true, now).
		Order("next_run").Find(&tasks).Error
	if err != nil {
		return nil, errs.NewStorageError("list pending tasks", err)
	}
	return tasks, nil
}

// Update applies a partial field update to a task.
func (s *Store) Update(id string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()
	res := s.DB.Model(&taskDB.ScheduledTask{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return errs.NewStorageError("update task", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", errs.ErrTaskNotFound, id)
	}
	return nil
}

// Delete removes a task and cascades to its histories, trend snapshots and
// execution logs in one transaction.
func (s *Store) Delete(id string) error {
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&taskDB.ResearchHistory{}).Error; err != nil {
			return err
		}
		if err := tx.Where("task_id = ?", id).Delete(&taskDB.TrendSnapshot{}).Error; err != nil {
			return err
		}
		if err := tx.Where("task_id = ?", id).Delete(&taskDB.TaskExecutionLog{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&taskDB.ScheduledTask{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", errs.ErrTaskNotFound, id)
	}
	return errs.NewStorageError("delete task", err)
}

// RecordRunOutcome atomically bumps the run counters, stamps last_run and
// advances next_run by one interval. Called once per finished run whether it
// succeeded or failed.
func (s *Store) RecordRunOutcome(id string, success bool, duration time.Duration) error {
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var task taskDB.ScheduledTask
		if err := tx.First(&task, "id = ?", id).Error; err != nil {
			return err
		}
		now := time.Now()
		task.TotalRuns++
		if success {
			task.SuccessRuns++
		} else {
			task.FailedRuns++
		}
		task.LastRun = &now
		task.NextRun = now.Add(task.Interval())
		task.UpdatedAt = now
		return tx.Save(&task).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", errs.ErrTaskNotFound, id)
	}
	_ = duration // recorded on the history row, not the task
	return errs.NewStorageError("record run outcome", err)
}

// CreateRunRecord appends one execution attempt to the task's history.
func (s *Store) CreateRunRecord(rec *taskDB.ResearchHistory) error {
	return errs.NewStorageError("create run record", s.DB.Create(rec).Error)
}

// UpdateRunRecord applies an explicit post-hoc correction to a history row.
// History is otherwise append-only.
func (s *Store) UpdateRunRecord(id string, fields map[string]interface{}) error {
	res := s.DB.Model(&taskDB.ResearchHistory{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return errs.NewStorageError("update run record", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.NewStorageError("update run record", gorm.ErrRecordNotFound)
	}
	return nil
}

// SuccessfulRuns returns up to limit most recent successful runs for a task,
// newest first. This is the bounded history window the scoring engine sees.
func (s *Store) SuccessfulRuns(taskID string, limit int) ([]taskDB.ResearchHistory, error) {
	var runs []taskDB.ResearchHistory
	err := s.DB.Where("task_id = ? AND status = ?", taskID, taskDB.RunStatusSuccess).
		Order("executed_at DESC").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, errs.NewStorageError("list successful runs", err)
	}
	return runs, nil
}

// Runs returns up to limit most recent runs of any status, newest first.
func (s *Store) Runs(taskID string, limit int) ([]taskDB.ResearchHistory, error) {
	var runs []taskDB.ResearchHistory
	err := s.DB.Where("task_id = ?", taskID).
		Order("executed_at DESC").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, errs.NewStorageError("list runs", err)
	}
	return runs, nil
}

func (s *Store) CreateTrendSnapshot(snap *taskDB.TrendSnapshot) error {
	return errs.NewStorageError("create trend snapshot", s.DB.Create(snap).Error)
}

// TrendSnapshots returns up to limit most recent snapshots, newest first.
func (s *Store) TrendSnapshots(taskID string, limit int) ([]taskDB.TrendSnapshot, error) {
	var snaps []taskDB.TrendSnapshot
	err := s.DB.Where("task_id = ?", taskID).
		Order("analysis_date DESC").Limit(limit).Find(&snaps).Error
	if err != nil {
		return nil, errs.NewStorageError("list trend snapshots", err)
	}
	return snaps, nil
}

func (s *Store) CreateExecutionLog(logRec *taskDB.TaskExecutionLog) error {
	return errs.NewStorageError("create execution log", s.DB.Create(logRec).Error)
}

// UpdateExecutionLog rewrites the mutable progress fields of a log row.
func (s *Store) UpdateExecutionLog(logRec *taskDB.TaskExecutionLog) error {
	return errs.NewStorageError("update execution log", s.DB.Save(logRec).Error)
}

func (s *Store) GetExecutionLog(id string) (*taskDB.TaskExecutionLog, error) {
	var logRec taskDB.TaskExecutionLog
	if err := s.DB.First(&logRec, "id = ?", id).Error; err != nil {
		return nil, errs.NewStorageError("get execution log", err)
	}
	return &logRec, nil
}
