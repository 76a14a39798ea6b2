package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	taskDB "scheduled-research-service/internal/research-manager/db"
)

// SourceConfig narrows where and how hard the provider searches.
type SourceConfig struct {
	SourceTypes  []string      `json:"source_types,omitempty"`
	QueryDomains []string      `json:"query_domains,omitempty"`
	MaxSources   int           `json:"max_sources,omitempty"`
	Language     string        `json:"language,omitempty"`
	ReportBudget time.Duration `json:"-"` // rendering deadline, separate from research
}

// Report is the provider's research output for one query.
type Report struct {
	Text         string
	SourcesCount int
}

// Provider is the external research collaborator. The research deadline is
// carried on ctx; implementations must respect it.
type Provider interface {
	Research(ctx context.Context, query string, cfg SourceConfig) (Report, error)
}

// Sanitizer rewrites a query before it reaches the provider. Content
// safety is an external concern; the default passes queries through.
type Sanitizer interface {
	Sanitize(query string) string
}

// PassthroughSanitizer performs no rewriting.
type PassthroughSanitizer struct{}

func (PassthroughSanitizer) Sanitize(query string) string { return query }

// Timeout returns the research deadline for an analysis depth.
func Timeout(depth string) time.Duration {
	switch depth {
	case taskDB.DepthBasic:
		return 120 * time.Second
	case taskDB.DepthDetailed:
		return 300 * time.Second
	case taskDB.DepthDeep:
		return 600 * time.Second
	default:
		return 180 * time.Second
	}
}

// ReportBudget returns the separate, shorter rendering deadline.
func ReportBudget(quick bool) time.Duration {
	if quick {
		return 30 * time.Second
	}
	return 60 * time.Second
}

// BuildQuery turns a task's topic and keyword set into a provider query
// focused on recent developments.
func BuildQuery(task *taskDB.ScheduledTask) string {
	query := fmt.Sprintf("latest developments and trends in %s", task.Topic)
	if kws := task.KeywordList(); len(kws) > 0 {
		query += ", focusing on " + strings.Join(kws, ", ")
	}
	return query
}
