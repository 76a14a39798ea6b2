package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	taskDB "scheduled-research-service/internal/research-manager/db"
	"scheduled-research-service/internal/research-manager/errs"
	"scheduled-research-service/internal/research-manager/events"
	"scheduled-research-service/internal/research-manager/research"
	"scheduled-research-service/internal/research-manager/store"
	"scheduled-research-service/internal/research-manager/summary"
	"scheduled-research-service/internal/research-manager/trend"
)

// Pipeline phases, logged with monotonically increasing progress.
const (
	PhaseInit        = "initializing"
	PhaseResearching = "researching"
	PhaseAnalyzing   = "analyzing"
	PhaseSummarizing = "summarizing"
	PhasePersisting  = "persisting"
	PhaseCompleted   = "completed"
	PhaseFailed      = "failed"
)

// HistoryWindow bounds how many prior successful runs feed the scoring
// engine.
const HistoryWindow = 5

// Notifier is the best-effort notification sink.
type Notifier interface {
	Publish(ctx context.Context, event events.ResearchEvent)
}

// Result reports one run to the caller. Success reflects the research
// outcome only; a persistence failure is surfaced separately so a storage
// hiccup is never conflated with a research failure.
type Result struct {
	Success       bool
	TaskID        string
	ExecutionTime time.Duration
	Summary       string
	KeyFindings   []string
	KeyChanges    []string
	TrendScore    float64
	SourcesCount  int
	Anomaly       bool
	PersistFailed bool
	Err           error
}

// Executor carries one task run through research, trend analysis,
// summarization and persistence, with independent failure handling per
// phase.
type Executor struct {
	Store     *store.Store
	Provider  research.Provider
	Sanitizer research.Sanitizer
	Analyzer  *trend.Analyzer
	Composer  *summary.Composer
	Notifier  Notifier
}

func NewExecutor(st *store.Store, provider research.Provider, notifier Notifier) *Executor {
	return &Executor{
		Store:     st,
		Provider:  provider,
		Sanitizer: research.PassthroughSanitizer{},
		Analyzer:  trend.NewAnalyzer(),
		Composer:  summary.NewComposer(),
		Notifier:  notifier,
	}
}

// Execute runs the full pipeline for one task. Only a Researching failure
// marks the run failed; Analyzing and Summarizing degrade gracefully, and
// a Persisting failure is reported out of band.
func (e *Executor) Execute(ctx context.Context, task *taskDB.ScheduledTask) Result {
	start := time.Now()
	result := Result{TaskID: task.ID}

	runLog := &taskDB.TaskExecutionLog{
		TaskID:        task.ID,
		Status:        taskDB.LogStatusRunning,
		ExecutionStep: PhaseInit,
	}
	runLog.AppendMessage("task execution started")
	if err := e.Store.CreateExecutionLog(runLog); err != nil {
		log.Printf("Error creating execution log for task %s: %v", task.ID, err)
	}

	// Researching
	e.progress(runLog, PhaseResearching, 10, "starting research phase")
	report, cfgSnapshot, err := e.conductResearch(ctx, task, false)
	if err != nil {
		result.Err = err
		result.ExecutionTime = time.Since(start)
		e.recordFailure(task, result, cfgSnapshot, runLog)
		return result
	}

	// Analyzing: degrade, never fail.
	e.progress(runLog, PhaseAnalyzing, 60, "research completed, starting trend analysis")
	trendRes := e.analyzeTrends(task, report)

	// Summarizing: degrade, never fail.
	e.progress(runLog, PhaseSummarizing, 80, "trend analysis completed, composing summary")
	composed := e.composeSummary(task, report, trendRes)

	result.Success = true
	result.ExecutionTime = time.Since(start)
	result.Summary = composed.Summary
	result.KeyFindings = composed.KeyFindings
	result.KeyChanges = composed.KeyChanges
	result.TrendScore = trendRes.TrendScore
	result.SourcesCount = report.SourcesCount
	result.Anomaly = trendRes.AnomalyDetected

	// Persisting
	e.progress(runLog, PhasePersisting, 90, "persisting run record and trend snapshot")
	if err := e.persist(task, report, trendRes, composed, result, cfgSnapshot); err != nil {
		result.PersistFailed = true
		log.Printf("PersistenceFailure for task %s: %v", task.ID, err)
		runLog.AppendMessage(fmt.Sprintf("persistence failure: %v", err))
	}

	e.finishLog(runLog, taskDB.LogStatusCompleted, PhaseCompleted, "task execution completed successfully")
	e.notify(ctx, task, result)
	return result
}

// conductResearch sanitizes the query and calls the provider under the
// depth-derived deadline. A timeout or provider error fails the phase.
func (e *Executor) conductResearch(ctx context.Context, task *taskDB.ScheduledTask, quick bool) (research.Report, string, error) {
	query := e.Sanitizer.Sanitize(research.BuildQuery(task))
	timeout := research.Timeout(task.AnalysisDepth)
	if quick {
		timeout = quickTimeout(task.AnalysisDepth)
	}

	cfg := sourceConfig(task)
	cfg.ReportBudget = research.ReportBudget(quick)

	snapshot, _ := json.Marshal(map[string]interface{}{
		"query":            query,
		"analysis_depth":   task.AnalysisDepth,
		"research_timeout": timeout.Seconds(),
		"report_budget":    cfg.ReportBudget.Seconds(),
		"quick":            quick,
	})

	researchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report, err := e.Provider.Research(researchCtx, query, cfg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(researchCtx.Err(), context.DeadlineExceeded) {
			return research.Report{}, string(snapshot),
				fmt.Errorf("%w after %s for task %s", errs.ErrResearchTimeout, timeout, task.ID)
		}
		return research.Report{}, string(snapshot),
			fmt.Errorf("%w: %v", errs.ErrResearchFailure, err)
	}
	return report, string(snapshot), nil
}

// analyzeTrends loads the bounded history window and scores the run. Any
// internal failure substitutes the neutral fallback and continues.
func (e *Executor) analyzeTrends(task *taskDB.ScheduledTask, report research.Report) (res trend.Result) {
	keywords := task.KeywordList()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%v for task %s: %v", errs.ErrScoringDegraded, task.ID, r)
			res = trend.Fallback(keywords)
		}
	}()

	history, err := e.Store.SuccessfulRuns(task.ID, HistoryWindow)
	if err != nil {
		log.Printf("%v for task %s: %v", errs.ErrScoringDegraded, task.ID, err)
		return trend.Fallback(keywords)
	}

	samples := make([]trend.Sample, 0, len(history))
	for _, h := range history {
		samples = append(samples, trend.Sample{Text: h.RawResult, SourcesCount: h.SourcesCount})
	}
	return e.Analyzer.Score(
		trend.Input{Text: report.Text, SourcesCount: report.SourcesCount},
		samples,
		keywords,
	)
}

// composeSummary never fails the run; on internal error it falls back to a
// truncated report excerpt.
func (e *Executor) composeSummary(task *taskDB.ScheduledTask, report research.Report, trendRes trend.Result) (out summary.Output) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%v for task %s: %v", errs.ErrSummaryDegraded, task.ID, r)
			out = summary.Output{
				Summary:     truncate(report.Text, 500),
				KeyFindings: []string{"detailed findings unavailable for this run"},
				KeyChanges:  []string{"change analysis unavailable for this run"},
			}
		}
	}()
	return e.Composer.Compose(task.Topic, report.Text, trendRes)
}

// persist writes the run record and trend snapshot, then records the
// outcome on the task. Errors here never change the run's status.
func (e *Executor) persist(task *taskDB.ScheduledTask, report research.Report,
	trendRes trend.Result, composed summary.Output, result Result, cfgSnapshot string) error {

	findings, _ := json.Marshal(composed.KeyFindings)
	changes, _ := json.Marshal(composed.KeyChanges)

	rec := &taskDB.ResearchHistory{
		TaskID:            task.ID,
		ExecutionDuration: result.ExecutionTime.Seconds(),
		Status:            taskDB.RunStatusSuccess,
		RawResult:         report.Text,
		Summary:           composed.Summary,
		KeyFindings:       string(findings),
		KeyChanges:        string(changes),
		SourcesCount:      report.SourcesCount,
		TrendScore:        trendRes.TrendScore,
		SentimentScore:    sentimentScore(trendRes),
		ResearchConfig:    cfgSnapshot,
	}
	if err := e.Store.CreateRunRecord(rec); err != nil {
		return err
	}

	if err := e.Store.CreateTrendSnapshot(buildSnapshot(task, trendRes)); err != nil {
		return err
	}

	return e.Store.RecordRunOutcome(task.ID, true, result.ExecutionTime)
}

// recordFailure handles a Researching-phase failure: a failed run record,
// a failure counter bump and a terminal log. No partial report survives.
func (e *Executor) recordFailure(task *taskDB.ScheduledTask, result Result, cfgSnapshot string, runLog *taskDB.TaskExecutionLog) {
	log.Printf("Research phase failed for task %s: %v", task.ID, result.Err)

	rec := &taskDB.ResearchHistory{
		TaskID:            task.ID,
		ExecutionDuration: result.ExecutionTime.Seconds(),
		Status:            taskDB.RunStatusFailed,
		ErrorMessage:      result.Err.Error(),
		ResearchConfig:    cfgSnapshot,
	}
	if err := e.Store.CreateRunRecord(rec); err != nil {
		log.Printf("PersistenceFailure recording failed run for task %s: %v", task.ID, err)
	}
	if err := e.Store.RecordRunOutcome(task.ID, false, result.ExecutionTime); err != nil {
		log.Printf("PersistenceFailure recording outcome for task %s: %v", task.ID, err)
	}

	e.finishLog(runLog, taskDB.LogStatusFailed, PhaseFailed, fmt.Sprintf("task execution failed: %v", result.Err))
	if e.Notifier != nil {
		e.Notifier.Publish(context.Background(), events.ResearchEvent{
			Type:      events.TypeRunFailed,
			TaskID:    task.ID,
			Topic:     task.Topic,
			Timestamp: time.Now(),
			Error:     result.Err.Error(),
		})
	}
}

func (e *Executor) notify(ctx context.Context, task *taskDB.ScheduledTask, result Result) {
	if e.Notifier == nil || !task.EnableNotifications {
		return
	}
	e.Notifier.Publish(ctx, events.ResearchEvent{
		Type:          events.TypeRunCompleted,
		TaskID:        task.ID,
		Topic:         task.Topic,
		Timestamp:     time.Now(),
		Summary:       truncate(result.Summary, 500),
		KeyChanges:    result.KeyChanges,
		TrendScore:    result.TrendScore,
		SourcesCount:  result.SourcesCount,
		ExecutionTime: result.ExecutionTime.Seconds(),
	})
	if result.Anomaly {
		e.Notifier.Publish(ctx, events.ResearchEvent{
			Type:       events.TypeAnomalyDetected,
			TaskID:     task.ID,
			Topic:      task.Topic,
			Timestamp:  time.Now(),
			TrendScore: result.TrendScore,
		})
	}
}

func (e *Executor) progress(runLog *taskDB.TaskExecutionLog, phase string, pct float64, msg string) {
	runLog.ExecutionStep = phase
	runLog.ProgressPercentage = pct
	runLog.AppendMessage(msg)
	if err := e.Store.UpdateExecutionLog(runLog); err != nil {
		log.Printf("Error updating execution log %s: %v", runLog.ID, err)
	}
}

func (e *Executor) finishLog(runLog *taskDB.TaskExecutionLog, status, phase, msg string) {
	now := time.Now()
	runLog.Status = status
	runLog.ExecutionStep = phase
	if status == taskDB.LogStatusCompleted {
		runLog.ProgressPercentage = 100
	}
	runLog.CompletedAt = &now
	runLog.AppendMessage(msg)
	if err := e.Store.UpdateExecutionLog(runLog); err != nil {
		log.Printf("Error finalizing execution log %s: %v", runLog.ID, err)
	}
}

func buildSnapshot(task *taskDB.ScheduledTask, res trend.Result) *taskDB.TrendSnapshot {
	keywordTrends, _ := json.Marshal(res.KeywordTrends)
	sentimentChanges, _ := json.Marshal(res.SentimentChanges)
	evolution, _ := json.Marshal(res.Evolution)
	newTopics, _ := json.Marshal(res.NewTopics)
	emerging, _ := json.Marshal(res.EmergingKeywords)

	now := time.Now()
	return &taskDB.TrendSnapshot{
		TaskID:             task.ID,
		PeriodStart:        now.Add(-task.Interval()),
		PeriodEnd:          now,
		KeywordTrends:      string(keywordTrends),
		SentimentChanges:   string(sentimentChanges),
		TopicEvolution:     string(evolution),
		NewTopics:          string(newTopics),
		EmergingKeywords:   string(emerging),
		ActivityLevel:      res.ActivityLevel,
		ChangeMagnitude:    res.ChangeMagnitude,
		ConfidenceScore:    res.ConfidenceScore,
		AnomalyDetected:    res.AnomalyDetected,
		AnomalyDescription: res.AnomalyDescription,
	}
}

// sentimentScore collapses the sentiment proportions into a [-1,1] score.
func sentimentScore(res trend.Result) float64 {
	pos := res.SentimentChanges[trend.SentimentPositive].Current
	neg := res.SentimentChanges[trend.SentimentNegative].Current
	return pos - neg
}

func sourceConfig(task *taskDB.ScheduledTask) research.SourceConfig {
	var cfg research.SourceConfig
	if task.SourceConfig != "" {
		_ = json.Unmarshal([]byte(task.SourceConfig), &cfg)
	}
	if cfg.MaxSources == 0 {
		cfg.MaxSources = task.MaxSources
	}
	if cfg.Language == "" {
		cfg.Language = task.Language
	}
	return cfg
}

func quickTimeout(depth string) time.Duration {
	switch depth {
	case taskDB.DepthDetailed:
		return 90 * time.Second
	case taskDB.DepthDeep:
		return 120 * time.Second
	default:
		return 60 * time.Second
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
