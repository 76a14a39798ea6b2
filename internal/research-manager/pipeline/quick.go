package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	taskDB "scheduled-research-service/internal/research-manager/db"
	"scheduled-research-service/internal/research-manager/events"
	"scheduled-research-service/internal/research-manager/research"
	"scheduled-research-service/internal/research-manager/store"
)

// DefaultQuickConcurrent caps simultaneous quick executions. The pool is
// separate from the scheduled-run cap so ad-hoc requests cannot starve
// scheduled runs.
const DefaultQuickConcurrent = 2

// QuickExecutor is the lighter-weight path behind manual fast triggers:
// shorter timeouts, its own small concurrency pool, and no trend or
// summary depth.
type QuickExecutor struct {
	Store     *store.Store
	Provider  research.Provider
	Sanitizer research.Sanitizer
	Notifier  Notifier

	slots chan struct{}
}

func NewQuickExecutor(st *store.Store, provider research.Provider, notifier Notifier, maxConcurrent int) *QuickExecutor {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultQuickConcurrent
	}
	return &QuickExecutor{
		Store:     st,
		Provider:  provider,
		Sanitizer: research.PassthroughSanitizer{},
		Notifier:  notifier,
		slots:     make(chan struct{}, maxConcurrent),
	}
}

// Execute runs a quick research pass. When the quick pool is full the
// request is rejected immediately rather than queued.
func (q *QuickExecutor) Execute(ctx context.Context, task *taskDB.ScheduledTask) Result {
	start := time.Now()
	result := Result{TaskID: task.ID}

	select {
	case q.slots <- struct{}{}:
		defer func() { <-q.slots }()
	default:
		result.Err = fmt.Errorf("quick execution pool is full for task %s", task.ID)
		log.Printf("Quick execution rejected for task %s: pool full", task.ID)
		return result
	}

	log.Printf("Quick research started for task %s: %s", task.ID, task.Topic)

	query := q.Sanitizer.Sanitize(research.BuildQuery(task))
	cfg := sourceConfig(task)
	cfg.ReportBudget = research.ReportBudget(true)

	timeout := quickTimeout(task.AnalysisDepth)
	researchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report, err := q.Provider.Research(researchCtx, query, cfg)
	result.ExecutionTime = time.Since(start)
	if err != nil {
		result.Err = fmt.Errorf("quick research failed: %w", err)
		log.Printf("Quick research failed for task %s: %v", task.ID, err)
		if recErr := q.Store.RecordRunOutcome(task.ID, false, result.ExecutionTime); recErr != nil {
			log.Printf("PersistenceFailure recording quick outcome for task %s: %v", task.ID, recErr)
		}
		return result
	}

	result.Success = true
	result.Summary = quickSummary(report.Text)
	result.TrendScore = 5.0 // quick mode skips trend analysis
	result.SourcesCount = report.SourcesCount

	snapshot, _ := json.Marshal(map[string]interface{}{
		"query":          query,
		"analysis_depth": task.AnalysisDepth,
		"quick":          true,
	})
	rec := &taskDB.ResearchHistory{
		TaskID:            task.ID,
		ExecutionDuration: result.ExecutionTime.Seconds(),
		Status:            taskDB.RunStatusSuccess,
		RawResult:         report.Text,
		Summary:           result.Summary,
		SourcesCount:      report.SourcesCount,
		TrendScore:        result.TrendScore,
		ResearchConfig:    string(snapshot),
	}
	if err := q.Store.CreateRunRecord(rec); err != nil {
		result.PersistFailed = true
		log.Printf("PersistenceFailure saving quick result for task %s: %v", task.ID, err)
	}
	if err := q.Store.RecordRunOutcome(task.ID, true, result.ExecutionTime); err != nil {
		result.PersistFailed = true
		log.Printf("PersistenceFailure recording quick outcome for task %s: %v", task.ID, err)
	}

	if q.Notifier != nil && task.EnableNotifications {
		q.Notifier.Publish(ctx, events.ResearchEvent{
			Type:          events.TypeRunCompleted,
			TaskID:        task.ID,
			Topic:         task.Topic,
			Timestamp:     time.Now(),
			Summary:       result.Summary,
			TrendScore:    result.TrendScore,
			SourcesCount:  result.SourcesCount,
			ExecutionTime: result.ExecutionTime.Seconds(),
		})
	}

	log.Printf("Quick research completed in %.1fs for task %s", result.ExecutionTime.Seconds(), task.ID)
	return result
}

// quickSummary takes the leading sentences of the report, bounded in size.
func quickSummary(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "quick research produced no report text"
	}
	sentences := strings.SplitAfter(text, ". ")
	var out strings.Builder
	for _, s := range sentences {
		if out.Len()+len(s) > 300 {
			break
		}
		out.WriteString(s)
	}
	if out.Len() == 0 {
		return truncate(text, 300)
	}
	return strings.TrimSpace(out.String())
}
