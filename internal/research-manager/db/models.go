package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Analysis depth settings for a scheduled task. Depth drives the research
// deadline and the provider's effort configuration.
const (
	DepthBasic    = "basic"
	DepthDetailed = "detailed"
	DepthDeep     = "deep"
)

// Run statuses recorded on ResearchHistory rows.
const (
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
	RunStatusPartial = "partial"
)

// ScheduledTask is the durable record of one recurring research job.
// The scheduler's live trigger set is a cache of these rows; the row is
// always the source of truth.
type ScheduledTask struct {
	ID          string `json:"id" gorm:"primaryKey"`
	UserID      string `json:"user_id" gorm:"index;default:default_user"`
	Topic       string `json:"topic" gorm:"size:500;not null"`
	Keywords    string `json:"keywords" gorm:"type:json"` // JSON array, ordered, unique
	Description string `json:"description"`

	IntervalHours int       `json:"interval_hours" gorm:"not null;default:24"`
	IsActive      bool      `json:"is_active" gorm:"index"`
	NextRun       time.Time `json:"next_run" gorm:"index"`

	AnalysisDepth string `json:"analysis_depth" gorm:"size:20;default:basic"`
	SourceConfig  string `json:"source_config" gorm:"type:json"` // provider source settings snapshot
	MaxSources    int    `json:"max_sources" gorm:"default:10"`
	Language      string `json:"language" gorm:"size:10;default:en"`

	EnableNotifications   bool    `json:"enable_notifications"`
	NotificationThreshold float64 `json:"notification_threshold" gorm:"default:0"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastRun   *time.Time `json:"last_run"`

	TotalRuns   int `json:"total_runs" gorm:"default:0"`
	SuccessRuns int `json:"success_runs" gorm:"default:0"`
	FailedRuns  int `json:"failed_runs" gorm:"default:0"`

	Histories []ResearchHistory  `json:"-" gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE"`
	Trends    []TrendSnapshot    `json:"-" gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE"`
	Logs      []TaskExecutionLog `json:"-" gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE"`
}

func (t *ScheduledTask) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// Interval returns the recurrence interval as a duration.
func (t *ScheduledTask) Interval() time.Duration {
	hours := t.IntervalHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// KeywordList decodes the Keywords JSON column. A malformed column yields
// an empty list rather than an error; keyword sets are advisory input.
func (t *ScheduledTask) KeywordList() []string {
	var kws []string
	if t.Keywords == "" {
		return kws
	}
	_ = json.Unmarshal([]byte(t.Keywords), &kws)
	return kws
}

// SetKeywords stores the keyword set, preserving order and dropping
// duplicates.
func (t *ScheduledTask) SetKeywords(kws []string) {
	seen := make(map[string]bool, len(kws))
	uniq := make([]string, 0, len(kws))
	for _, k := range kws {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		uniq = append(uniq, k)
	}
	data, _ := json.Marshal(uniq)
	t.Keywords = string(data)
}

// ResearchHistory is one execution attempt of a task. Rows are append-only;
// the only mutation after creation is an explicit post-hoc correction.
type ResearchHistory struct {
	ID     string `json:"id" gorm:"primaryKey"`
	TaskID string `json:"task_id" gorm:"index;not null"`

	ExecutedAt        time.Time `json:"executed_at"`
	ExecutionDuration float64   `json:"execution_duration"` // seconds
	Status            string    `json:"status" gorm:"size:20;index;default:success"`
	ErrorMessage      string    `json:"error_message"`

	RawResult   string `json:"raw_result"`
	Summary     string `json:"summary"`
	KeyFindings string `json:"key_findings" gorm:"type:json"`
	KeyChanges  string `json:"key_changes" gorm:"type:json"`

	SourcesCount   int     `json:"sources_count" gorm:"default:0"`
	TrendScore     float64 `json:"trend_score"`
	SentimentScore float64 `json:"sentiment_score"`

	ResearchConfig string `json:"research_config" gorm:"type:json"`
}

func (h *ResearchHistory) BeforeCreate(tx *gorm.DB) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.ExecutedAt.IsZero() {
		h.ExecutedAt = time.Now()
	}
	return nil
}

// TrendSnapshot holds one successful trend analysis over a period. Derived
// entirely from the current run plus a bounded window of prior successful
// runs; never mutated.
type TrendSnapshot struct {
	ID     string `json:"id" gorm:"primaryKey"`
	TaskID string `json:"task_id" gorm:"index;not null"`

	PeriodStart  time.Time `json:"period_start" gorm:"not null"`
	PeriodEnd    time.Time `json:"period_end" gorm:"not null"`
	AnalysisDate time.Time `json:"analysis_date"`

	KeywordTrends    string `json:"keyword_trends" gorm:"type:json"`
	SentimentChanges string `json:"sentiment_changes" gorm:"type:json"`
	TopicEvolution   string `json:"topic_evolution" gorm:"type:json"`
	NewTopics        string `json:"new_topics" gorm:"type:json"`
	EmergingKeywords string `json:"emerging_keywords" gorm:"type:json"`

	ActivityLevel   float64 `json:"activity_level"`
	ChangeMagnitude float64 `json:"change_magnitude"`
	ConfidenceScore float64 `json:"confidence_score"`

	AnomalyDetected    bool   `json:"anomaly_detected" gorm:"default:false"`
	AnomalyDescription string `json:"anomaly_description"`
}

func (s *TrendSnapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.AnalysisDate.IsZero() {
		s.AnalysisDate = time.Now()
	}
	return nil
}

// Execution log statuses.
const (
	LogStatusRunning   = "running"
	LogStatusCompleted = "completed"
	LogStatusFailed    = "failed"
)

// LogMessage is one timestamped progress line inside a TaskExecutionLog.
type LogMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// TaskExecutionLog is the transient per-run progress trace. Created at run
// start, updated in place as phases complete, terminal on completion or
// failure. Operational telemetry only, never replayed.
type TaskExecutionLog struct {
	ID     string `json:"id" gorm:"primaryKey"`
	TaskID string `json:"task_id" gorm:"index;not null"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Status      string     `json:"status" gorm:"size:20;not null"`

	ExecutionStep      string  `json:"execution_step" gorm:"size:100"`
	ProgressPercentage float64 `json:"progress_percentage" gorm:"default:0"`
	LogMessages        string  `json:"log_messages" gorm:"type:json"`
}

func (l *TaskExecutionLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.StartedAt.IsZero() {
		l.StartedAt = time.Now()
	}
	return nil
}

// AppendMessage adds one progress line to the encoded message list.
func (l *TaskExecutionLog) AppendMessage(msg string) {
	var msgs []LogMessage
	if l.LogMessages != "" {
		_ = json.Unmarshal([]byte(l.LogMessages), &msgs)
	}
	msgs = append(msgs, LogMessage{Timestamp: time.Now(), Message: msg})
	data, _ := json.Marshal(msgs)
	l.LogMessages = string(data)
}
