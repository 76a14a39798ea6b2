package services

import (
	"log"

	"scheduled-research-service/internal/research-manager/errs"
	"scheduled-research-service/internal/research-manager/store"
)

// FixDetail records one drift case the reconciler observed and what it
// did about it.
type FixDetail struct {
	TaskID string         `json:"task_id"`
	Topic  string         `json:"topic,omitempty"`
	Kind   errs.DriftKind `json:"kind"`
	Action string         `json:"action"`
	Error  string         `json:"error,omitempty"`
}

// Report summarizes one reconciliation pass.
type Report struct {
	Checked int         `json:"checked"`
	Fixed   int         `json:"fixed"`
	Failed  int         `json:"failed"`
	Details []FixDetail `json:"details"`
}

// Reconciler compares the durable task set against the scheduler's live
// trigger set and repairs the drift it can. The store is always the
// source of truth: missing triggers are rebuilt, stale triggers removed.
// Orphan triggers (no matching record) are only reported unless the
// caller explicitly asks for removal, since an orphan can indicate a
// store problem rather than a scheduler one.
type Reconciler struct {
	Store     *store.Store
	Scheduler *SchedulerService
}

func NewReconciler(s *SchedulerService) *Reconciler {
	return &Reconciler{Store: s.Store, Scheduler: s}
}

// Reconcile runs one pass. removeOrphans controls whether orphan
// triggers are dropped or merely reported.
func (r *Reconciler) Reconcile(removeOrphans bool) Report {
	report := Report{Details: []FixDetail{}}

	tasks, err := r.Store.ListAll()
	if err != nil {
		log.Printf("Reconcile aborted, cannot list tasks: %v", err)
		report.Failed++
		report.Details = append(report.Details, FixDetail{Action: "list_tasks", Error: err.Error()})
		return report
	}

	live := r.Scheduler.LiveTaskIDs()
	known := make(map[string]bool, len(tasks))

	for _, task := range tasks {
		known[task.ID] = true
		report.Checked++

		switch {
		case task.IsActive && !live[task.ID]:
			drift := &errs.SchedulerDriftError{Kind: errs.DriftMissing, TaskID: task.ID}
			log.Printf("Reconcile: %v (%s), re-scheduling", drift, task.Topic)
			if err := r.Scheduler.Schedule(&task); err != nil {
				report.Failed++
				report.Details = append(report.Details, FixDetail{
					TaskID: task.ID, Topic: task.Topic, Kind: errs.DriftMissing,
					Action: "reschedule", Error: err.Error(),
				})
				continue
			}
			report.Fixed++
			report.Details = append(report.Details, FixDetail{
				TaskID: task.ID, Topic: task.Topic, Kind: errs.DriftMissing, Action: "rescheduled",
			})

		case !task.IsActive && live[task.ID]:
			drift := &errs.SchedulerDriftError{Kind: errs.DriftStale, TaskID: task.ID}
			log.Printf("Reconcile: %v (%s), removing trigger", drift, task.Topic)
			r.Scheduler.RemoveTrigger(task.ID)
			report.Fixed++
			report.Details = append(report.Details, FixDetail{
				TaskID: task.ID, Topic: task.Topic, Kind: errs.DriftStale, Action: "trigger_removed",
			})
		}
	}

	for id := range live {
		if known[id] {
			continue
		}
		report.Checked++
		drift := &errs.SchedulerDriftError{Kind: errs.DriftOrphan, TaskID: id}
		if removeOrphans {
			log.Printf("Reconcile: %v, removing trigger", drift)
			r.Scheduler.RemoveTrigger(id)
			report.Fixed++
			report.Details = append(report.Details, FixDetail{
				TaskID: id, Kind: errs.DriftOrphan, Action: "trigger_removed",
			})
		} else {
			log.Printf("Reconcile: %v, reporting only", drift)
			report.Details = append(report.Details, FixDetail{
				TaskID: id, Kind: errs.DriftOrphan, Action: "reported",
			})
		}
	}

	log.Printf("Reconcile done: checked=%d fixed=%d failed=%d", report.Checked, report.Fixed, report.Failed)
	return report
}

// ForceResync drops every live trigger and rebuilds the whole set from
// stored active tasks.
func (r *Reconciler) ForceResync() Report {
	report := Report{Details: []FixDetail{}}

	for id := range r.Scheduler.LiveTaskIDs() {
		r.Scheduler.RemoveTrigger(id)
	}

	tasks, err := r.Store.ListAll()
	if err != nil {
		log.Printf("ForceResync aborted, cannot list tasks: %v", err)
		report.Failed++
		report.Details = append(report.Details, FixDetail{Action: "list_tasks", Error: err.Error()})
		return report
	}
	for _, task := range tasks {
		if !task.IsActive {
			continue
		}
		report.Checked++
		if err := r.Scheduler.Schedule(&task); err != nil {
			report.Failed++
			report.Details = append(report.Details, FixDetail{
				TaskID: task.ID, Topic: task.Topic, Action: "reschedule", Error: err.Error(),
			})
			continue
		}
		report.Fixed++
	}
	log.Printf("ForceResync done: %d triggers rebuilt, %d failed", report.Fixed, report.Failed)
	return report
}
