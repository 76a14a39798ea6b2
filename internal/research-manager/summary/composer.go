package summary

import (
	"fmt"
	"sort"
	"strings"

	"scheduled-research-service/internal/research-manager/trend"
)

// Template keys, checked in priority order.
const (
	templateAnomaly      = "anomaly"
	templateTrendingUp   = "trending_up"
	templateTrendingDown = "trending_down"
	templateEmerging     = "emerging"
	templateStable       = "stable"
)

var headlines = map[string]string{
	templateTrendingUp:   "%s is trending upward with a clear rise in activity",
	templateTrendingDown: "%s activity is declining and warrants a closer look",
	templateStable:       "%s is developing steadily with no notable swings",
	templateEmerging:     "%s shows new directions worth following up",
	templateAnomaly:      "%s shows anomalous changes, deeper analysis advised",
}

var importanceKeywords = []string{
	"breakthrough", "innovation", "growth", "decline", "change", "trend",
	"impact", "significant", "key", "major", "emerging", "development",
	"critical", "milestone", "shift", "adoption",
}

const (
	minFindingLen = 30
	maxFindingLen = 200
	maxFindings   = 3
	maxChanges    = 3
)

// Output is a composed narrative summary plus its structured companions.
// Every field is non-empty: each selection rule has an explicit fallback.
type Output struct {
	Summary         string   `json:"summary"`
	KeyFindings     []string `json:"key_findings"`
	KeyChanges      []string `json:"key_changes"`
	Recommendations []string `json:"recommendations"`
}

// Composer builds deterministic narrative summaries from research text and
// a trend result. Pure: no I/O.
type Composer struct{}

func NewComposer() *Composer { return &Composer{} }

// Compose selects a template from the trend result, then assembles the
// headline, a detail paragraph, extracted findings, change statements and
// recommendations.
func (c *Composer) Compose(topic, researchText string, res trend.Result) Output {
	key := selectTemplate(res)
	headline := fmt.Sprintf(headlines[key], topic)

	parts := []string{headline}
	if details := detailSentences(res); len(details) > 0 {
		parts = append(parts, "Details: "+strings.Join(details, "; ")+".")
	}

	return Output{
		Summary:         strings.Join(parts, " "),
		KeyFindings:     keyFindings(researchText, res),
		KeyChanges:      keyChanges(res),
		Recommendations: recommendations(res),
	}
}

// selectTemplate applies the fixed priority: anomaly, trending up,
// trending down, emerging, stable.
func selectTemplate(res trend.Result) string {
	switch {
	case res.AnomalyDetected:
		return templateAnomaly
	case res.TrendScore > 7.5:
		return templateTrendingUp
	case res.TrendScore < 3.5:
		return templateTrendingDown
	case len(res.NewTopics) > 3:
		return templateEmerging
	default:
		return templateStable
	}
}

// detailSentences assembles the non-empty signal fragments for the detail
// paragraph.
func detailSentences(res trend.Result) []string {
	var details []string

	if res.ActivityLevel > 7.0 {
		details = append(details, fmt.Sprintf("activity is high (%.1f/10)", res.ActivityLevel))
	} else if res.ActivityLevel < 4.0 {
		details = append(details, fmt.Sprintf("activity is low (%.1f/10)", res.ActivityLevel))
	}

	if n := len(res.NewTopics); n > 0 {
		details = append(details, fmt.Sprintf("%d new related topics found", n))
	}

	if hot := trendingKeywords(res.KeywordTrends, 7.0, 3); len(hot) > 0 {
		details = append(details, "trending keywords: "+strings.Join(hot, ", "))
	}

	if c, ok := res.SentimentChanges[trend.SentimentPositive]; ok && c.Trend == trend.TrendUp {
		details = append(details, "positive sentiment is rising")
	}
	if c, ok := res.SentimentChanges[trend.SentimentNegative]; ok && c.Trend == trend.TrendUp {
		details = append(details, "negative sentiment is increasing")
	}

	return details
}

// trendingKeywords returns up to n keywords scoring above the threshold,
// sorted by score then name for stable output.
func trendingKeywords(trends map[string]float64, threshold float64, n int) []string {
	type kv struct {
		k string
		v float64
	}
	var hot []kv
	for k, v := range trends {
		if v > threshold {
			hot = append(hot, kv{k, v})
		}
	}
	sort.Slice(hot, func(i, j int) bool {
		if hot[i].v != hot[j].v {
			return hot[i].v > hot[j].v
		}
		return hot[i].k < hot[j].k
	})
	if len(hot) > n {
		hot = hot[:n]
	}
	out := make([]string, len(hot))
	for i, h := range hot {
		out[i] = h.k
	}
	return out
}

// keyFindings extracts up to three text spans containing importance
// keywords within the length bounds, falling back to trend-derived
// statements and finally to a fixed line.
func keyFindings(researchText string, res trend.Result) []string {
	var findings []string

	for _, para := range paragraphs(researchText) {
		if len(para) < minFindingLen || len(para) > maxFindingLen {
			continue
		}
		lower := strings.ToLower(para)
		for _, kw := range importanceKeywords {
			if strings.Contains(lower, kw) {
				findings = append(findings, para)
				break
			}
		}
		if len(findings) >= maxFindings {
			break
		}
	}

	if len(findings) < maxFindings {
		if res.TrendScore > 7.5 {
			findings = append(findings, fmt.Sprintf(
				"the topic shows a strong upward trend (%.1f/10) and may be at an inflection point", res.TrendScore))
		} else if res.TrendScore < 3.5 {
			findings = append(findings, fmt.Sprintf(
				"the topic shows a downward trend (%.1f/10); its outlook may need reassessment", res.TrendScore))
		}
	}
	if len(findings) < maxFindings && len(res.NewTopics) > 0 {
		findings = append(findings, "newly surfaced content: "+strings.Join(capList(res.NewTopics, 3), ", "))
	}

	if len(findings) == 0 {
		findings = []string{"no standout findings in this run; monitoring continues"}
	}
	return capList(findings, maxFindings)
}

// keyChanges derives up to three change statements directly from the
// sentiment, topic and keyword-trend structures.
func keyChanges(res trend.Result) []string {
	var changes []string

	for _, cat := range []string{trend.SentimentPositive, trend.SentimentNegative, trend.SentimentNeutral} {
		c, ok := res.SentimentChanges[cat]
		if !ok || abs(c.Change) <= 0.1 {
			continue
		}
		direction := "rose"
		if c.Change < 0 {
			direction = "fell"
		}
		changes = append(changes, fmt.Sprintf("%s sentiment %s by %.0f%% (from %.0f%% to %.0f%%)",
			cat, direction, abs(c.Change)*100, c.HistoricalAvg*100, c.Current*100))
	}

	if len(res.Evolution.NewTopics) > 0 || len(res.Evolution.DisappearedTopics) > 0 {
		changes = append(changes, fmt.Sprintf("topic turnover at %.0f%%: %d new, %d faded",
			res.Evolution.EvolutionRate*100, len(res.Evolution.NewTopics), len(res.Evolution.DisappearedTopics)))
	}

	if hot := trendingKeywords(res.KeywordTrends, 7.5, 3); len(hot) > 0 {
		changes = append(changes, "keywords gaining traction: "+strings.Join(hot, ", "))
	}

	if len(changes) == 0 {
		changes = []string{"no significant changes against the historical baseline"}
	}
	return capList(changes, maxChanges)
}

// recommendations applies the fixed score-threshold rules.
func recommendations(res trend.Result) []string {
	var recs []string

	switch {
	case res.TrendScore > 8.0:
		recs = append(recs, "trend is very strong: act now and raise monitoring priority")
	case res.TrendScore < 3.0:
		recs = append(recs, "trend is weak: reassess keywords or reposition the topic")
	}

	if res.ActivityLevel < 3.0 {
		recs = append(recs, "activity is low: broaden sources or adjust the keyword set")
	} else if res.ActivityLevel > 8.0 {
		recs = append(recs, "activity is very high: consider a shorter research interval")
	}

	if res.AnomalyDetected {
		recs = append(recs, "anomaly flagged: run a deep analysis to understand the shift")
	}

	if len(recs) == 0 {
		recs = []string{"keep the current monitoring cadence and watch for change signals"}
	}
	return capList(recs, 3)
}

// paragraphs splits the report into candidate spans, preferring blank-line
// paragraphs and falling back to long lines.
func paragraphs(text string) []string {
	var paras []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	if len(paras) <= 1 {
		paras = paras[:0]
		for _, line := range strings.Split(text, "\n") {
			if line = strings.TrimSpace(line); len(line) > minFindingLen {
				paras = append(paras, line)
			}
		}
	}
	if len(paras) > 15 {
		paras = paras[:15]
	}
	return paras
}

func capList(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
