package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	taskDB "scheduled-research-service/internal/research-manager/db"
	"scheduled-research-service/internal/research-manager/pipeline"
	"scheduled-research-service/internal/research-manager/store"
)

const (
	tagResearchTask = "research_task"
	tagManual       = "manual_trigger"
	taskTagPrefix   = "task_id:"

	// DefaultMaxConcurrent is the global cap on simultaneous scheduled
	// executions. Fires beyond the cap are dropped with a logged skip,
	// never queued.
	DefaultMaxConcurrent = 3

	// shutdownGrace bounds how long Shutdown waits for in-flight runs.
	shutdownGrace = 30 * time.Second
)

// Trigger modes for TriggerNow.
const (
	TriggerModeFull = "full"
	TriggerModeFast = "fast"
)

// JobInfo describes one live trigger for the status surface.
type JobInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	TaskID  string    `json:"task_id"`
	NextRun time.Time `json:"next_run"`
}

// Status is the scheduler's operational snapshot.
type Status struct {
	Running         bool      `json:"running"`
	JobCount        int       `json:"job_count"`
	Jobs            []JobInfo `json:"jobs"`
	InFlightTaskIDs []string  `json:"in_flight_task_ids"`
}

// SchedulerService owns the live trigger set. The task store is the
// source of truth; the trigger map here is a cache that the reconciler
// can always rebuild from stored tasks.
type SchedulerService struct {
	Store     *store.Store
	Scheduler gocron.Scheduler
	Executor  *pipeline.Executor
	Quick     *pipeline.QuickExecutor

	appContext context.Context

	mu       sync.Mutex
	inFlight map[string]time.Time
	running  bool
	stopping bool

	slots chan struct{}
	wg    sync.WaitGroup
}

func NewSchedulerService(ctx context.Context, st *store.Store, executor *pipeline.Executor,
	quick *pipeline.QuickExecutor, maxConcurrent int) (*SchedulerService, error) {

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &SchedulerService{
		Store:      st,
		Scheduler:  s,
		Executor:   executor,
		Quick:      quick,
		appContext: ctx,
		inFlight:   make(map[string]time.Time),
		slots:      make(chan struct{}, maxConcurrent),
	}, nil
}

// Start runs the scheduler and loads every active task from the store,
// creating one trigger per task.
func (s *SchedulerService) Start() error {
	log.Println("SchedulerService starting...")
	s.Scheduler.Start()
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	tasks, err := s.Store.ListActive()
	if err != nil {
		return fmt.Errorf("failed to load active tasks: %w", err)
	}
	log.Printf("Loading %d active tasks from store", len(tasks))
	for i := range tasks {
		task := tasks[i]
		if err := s.Schedule(&task); err != nil {
			log.Printf("Error scheduling task %s (%s): %v", task.ID, task.Topic, err)
		}
	}
	log.Printf("SchedulerService started, %d jobs scheduled.", len(s.Scheduler.Jobs()))
	return nil
}

// Schedule creates the recurring trigger for a task, replacing any
// existing trigger for the same id. Idempotent: scheduling twice leaves
// exactly one live trigger.
func (s *SchedulerService) Schedule(task *taskDB.ScheduledTask) error {
	tag := taskTagPrefix + task.ID
	s.Scheduler.RemoveByTags(tag)

	startOpt := gocron.WithStartAt(gocron.WithStartImmediately())
	if task.NextRun.After(time.Now()) {
		startOpt = gocron.WithStartAt(gocron.WithStartDateTime(task.NextRun))
	}

	job, err := s.Scheduler.NewJob(
		gocron.DurationJob(task.Interval()),
		gocron.NewTask(s.runScheduled, task.ID),
		gocron.WithName("research_"+task.ID),
		gocron.WithTags(tagResearchTask, tag),
		startOpt,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", task.ID, err)
	}

	if next, nextErr := job.NextRun(); nextErr == nil {
		log.Printf("Scheduled task %s (%s) every %s, next run %s",
			task.ID, task.Topic, task.Interval(), next.Format(time.RFC3339))
	} else {
		log.Printf("Scheduled task %s (%s) every %s", task.ID, task.Topic, task.Interval())
	}
	return nil
}

// runScheduled is the trigger callback. It enforces the per-task
// single-flight guard and the global concurrency cap, then runs the
// pipeline.
func (s *SchedulerService) runScheduled(taskID string) {
	if !s.acquire(taskID) {
		log.Printf("Task %s is already running, skipping this fire", taskID)
		return
	}
	defer s.release(taskID)

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	default:
		log.Printf("Global concurrency cap reached, dropping fire for task %s", taskID)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	task, err := s.Store.GetByID(taskID)
	if err != nil {
		log.Printf("Error loading task %s for execution: %v", taskID, err)
		return
	}
	if !task.IsActive {
		log.Printf("Task %s is inactive, skipping execution", taskID)
		return
	}

	result := s.Executor.Execute(s.appContext, task)
	if result.Success {
		log.Printf("Task %s executed successfully in %.1fs (trend score %.1f)",
			taskID, result.ExecutionTime.Seconds(), result.TrendScore)
	} else {
		log.Printf("Task %s execution failed: %v", taskID, result.Err)
	}
}

// Pause removes the live trigger entirely (not a library pause, which
// would not survive restart) and flips the stored active flag. A run
// already in flight finishes; only the next trigger is removed.
func (s *SchedulerService) Pause(id string) error {
	s.Scheduler.RemoveByTags(taskTagPrefix + id)
	if err := s.Store.Update(id, map[string]interface{}{"is_active": false}); err != nil {
		return err
	}
	log.Printf("Paused task %s: trigger removed, active flag cleared", id)
	return nil
}

// Resume flips the active flag, re-reads the canonical record and
// re-schedules it.
func (s *SchedulerService) Resume(id string) error {
	if err := s.Store.Update(id, map[string]interface{}{"is_active": true}); err != nil {
		return err
	}
	task, err := s.Store.GetByID(id)
	if err != nil {
		return err
	}
	if err := s.Schedule(task); err != nil {
		return err
	}
	log.Printf("Resumed task %s", id)
	return nil
}

// TriggerNow fires a task once, independent of its recurring trigger.
// Fast mode routes to the quick executor's separate pool; both modes
// share the per-task single-flight guard with scheduled fires.
func (s *SchedulerService) TriggerNow(id, mode string) error {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return ErrSchedulerStopped
	}

	task, err := s.Store.GetByID(id)
	if err != nil {
		return err
	}

	if mode == TriggerModeFast {
		go func() {
			if !s.acquire(id) {
				log.Printf("Task %s is already running, rejecting fast trigger", id)
				return
			}
			defer s.release(id)
			s.wg.Add(1)
			defer s.wg.Done()
			s.Quick.Execute(s.appContext, task)
		}()
		log.Printf("Fast trigger dispatched for task %s", id)
		return nil
	}

	jobName := fmt.Sprintf("manual_%s_%d", id, time.Now().UnixNano())
	_, err = s.Scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()),
		gocron.NewTask(s.runScheduled, id),
		gocron.WithName(jobName),
		gocron.WithTags(tagManual, taskTagPrefix+id),
	)
	if err != nil {
		return fmt.Errorf("failed to create manual trigger for task %s: %w", id, err)
	}
	log.Printf("Manual trigger scheduled for task %s", id)
	return nil
}

// RemoveTrigger drops every live trigger for a task id.
func (s *SchedulerService) RemoveTrigger(id string) {
	s.Scheduler.RemoveByTags(taskTagPrefix + id)
}

// HasTrigger reports whether a recurring trigger exists for the task id.
func (s *SchedulerService) HasTrigger(id string) bool {
	return s.LiveTaskIDs()[id]
}

// LiveTaskIDs returns the set of task ids with a live recurring trigger.
func (s *SchedulerService) LiveTaskIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, job := range s.Scheduler.Jobs() {
		recurring := false
		taskID := ""
		for _, tag := range job.Tags() {
			if tag == tagResearchTask {
				recurring = true
			}
			if strings.HasPrefix(tag, taskTagPrefix) {
				taskID = strings.TrimPrefix(tag, taskTagPrefix)
			}
		}
		if recurring && taskID != "" {
			ids[taskID] = true
		}
	}
	return ids
}

// Status reports the live job set and in-flight executions.
func (s *SchedulerService) Status() Status {
	s.mu.Lock()
	running := s.running && !s.stopping
	inFlight := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		inFlight = append(inFlight, id)
	}
	s.mu.Unlock()

	jobs := s.Scheduler.Jobs()
	infos := make([]JobInfo, 0, len(jobs))
	for _, job := range jobs {
		info := JobInfo{ID: job.ID().String(), Name: job.Name()}
		for _, tag := range job.Tags() {
			if strings.HasPrefix(tag, taskTagPrefix) {
				info.TaskID = strings.TrimPrefix(tag, taskTagPrefix)
			}
		}
		if next, err := job.NextRun(); err == nil {
			info.NextRun = next
		}
		infos = append(infos, info)
	}
	return Status{
		Running:         running,
		JobCount:        len(infos),
		Jobs:            infos,
		InFlightTaskIDs: inFlight,
	}
}

// Shutdown stops accepting fires, waits for in-flight executions up to
// the grace period, then stops the scheduler.
func (s *SchedulerService) Shutdown() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()
	log.Println("SchedulerService stopping...")

	if err := s.Scheduler.Shutdown(); err != nil {
		log.Printf("Error shutting down gocron scheduler: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("SchedulerService stopped, all in-flight runs finished.")
	case <-time.After(shutdownGrace):
		log.Printf("SchedulerService stopped after %s grace, some runs still in flight.", shutdownGrace)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// CreateTask stores a new task and, when active, schedules its trigger.
// Task records are mutated only through these scheduler-mediated
// operations so the job set and store stay synchronized.
func (s *SchedulerService) CreateTask(task *taskDB.ScheduledTask) error {
	if err := s.Store.Create(task); err != nil {
		return err
	}
	if task.IsActive {
		if err := s.Schedule(task); err != nil {
			return err
		}
	}
	log.Printf("Created task %s (%s)", task.ID, task.Topic)
	return nil
}

// UpdateTask applies a partial update and re-derives the trigger from the
// canonical record.
func (s *SchedulerService) UpdateTask(id string, fields map[string]interface{}) (*taskDB.ScheduledTask, error) {
	if err := s.Store.Update(id, fields); err != nil {
		return nil, err
	}
	task, err := s.Store.GetByID(id)
	if err != nil {
		return nil, err
	}
	if task.IsActive {
		if err := s.Schedule(task); err != nil {
			return nil, err
		}
	} else {
		s.RemoveTrigger(id)
	}
	log.Printf("Updated task %s", id)
	return task, nil
}

// DeleteTask removes the trigger and the record with its children.
func (s *SchedulerService) DeleteTask(id string) error {
	s.RemoveTrigger(id)
	if err := s.Store.Delete(id); err != nil {
		return err
	}
	log.Printf("Deleted task %s", id)
	return nil
}

func (s *SchedulerService) acquire(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	if _, busy := s.inFlight[taskID]; busy {
		return false
	}
	s.inFlight[taskID] = time.Now()
	return true
}

func (s *SchedulerService) release(taskID string) {
	s.mu.Lock()
	delete(s.inFlight, taskID)
	s.mu.Unlock()
}

// ErrSchedulerStopped is returned by operations attempted after Shutdown.
var ErrSchedulerStopped = errors.New("scheduler is stopped")
