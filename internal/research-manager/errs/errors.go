package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the research pipeline. ResearchTimeout and
// ResearchFailure terminate a run; the degraded sentinels never do.
var (
	ErrResearchTimeout = errors.New("research timed out")
	ErrResearchFailure = errors.New("research provider failed")
	ErrScoringDegraded = errors.New("trend scoring degraded")
	ErrSummaryDegraded = errors.New("summary generation degraded")
	ErrTaskNotFound    = errors.New("scheduled task not found")
)

// StorageError wraps any task store failure. Callers propagate it up
// unchanged; the pipeline reports it separately from run status.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// DriftKind classifies a scheduler/store inconsistency found by the
// reconciler. Drift is never raised synchronously to callers; it is
// observed through the reconciliation report.
type DriftKind string

const (
	DriftMissing DriftKind = "missing" // active task without a live trigger
	DriftOrphan  DriftKind = "orphan"  // live trigger without a task record
	DriftStale   DriftKind = "stale"   // live trigger for an inactive task
)

// SchedulerDriftError describes one detected, not-yet-fixed inconsistency.
type SchedulerDriftError struct {
	Kind   DriftKind
	TaskID string
}

func (e *SchedulerDriftError) Error() string {
	return fmt.Sprintf("scheduler drift (%s) for task %s", e.Kind, e.TaskID)
}
