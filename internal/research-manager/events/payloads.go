package events

import "time"

// Event types published to the notification topic.
const (
	TypeRunCompleted    = "run_completed"
	TypeRunFailed       = "run_failed"
	TypeAnomalyDetected = "anomaly_detected"
)

// ResearchEvent is the JSON payload for all scheduled-research
// notifications. Delivery is best effort; consumers must not rely on it
// for state.
type ResearchEvent struct {
	Type          string    `json:"type"`
	TaskID        string    `json:"task_id"`
	Topic         string    `json:"topic"`
	Timestamp     time.Time `json:"timestamp"`
	Summary       string    `json:"summary,omitempty"`
	KeyChanges    []string  `json:"key_changes,omitempty"`
	TrendScore    float64   `json:"trend_score,omitempty"`
	SourcesCount  int       `json:"sources_count,omitempty"`
	ExecutionTime float64   `json:"execution_time,omitempty"`
	Error         string    `json:"error,omitempty"`
}
