package trend

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Sentiment categories used throughout the trend model.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// Trend direction labels on a sentiment change.
const (
	TrendUp     = "up"
	TrendDown   = "down"
	TrendStable = "stable"
)

// Input is the current run's research output.
type Input struct {
	Text         string
	SourcesCount int
}

// Sample is one prior successful run, as the scoring engine sees it.
type Sample struct {
	Text         string
	SourcesCount int
}

// SentimentChange compares one sentiment category against its historical
// mean proportion.
type SentimentChange struct {
	Current       float64 `json:"current"`
	HistoricalAvg float64 `json:"historical_avg"`
	Change        float64 `json:"change"`
	Trend         string  `json:"trend"`
}

// TopicEvolution is the set difference of current topics against the union
// of historical topics.
type TopicEvolution struct {
	NewTopics         []string `json:"new_topics"`
	DisappearedTopics []string `json:"disappeared_topics"`
	PersistentTopics  []string `json:"persistent_topics"`
	EvolutionRate     float64  `json:"evolution_rate"`
}

// Result is the full trend analysis for one run. All scores are bounded:
// TrendScore and keyword scores in [1,10], ActivityLevel in [1,10],
// ChangeMagnitude in [0,10], ConfidenceScore in [0,1].
type Result struct {
	TrendScore      float64 `json:"trend_score"`
	ActivityLevel   float64 `json:"activity_level"`
	ChangeMagnitude float64 `json:"change_magnitude"`
	ConfidenceScore float64 `json:"confidence_score"`

	KeywordTrends    map[string]float64         `json:"keyword_trends"`
	SentimentChanges map[string]SentimentChange `json:"sentiment_changes"`
	Evolution        TopicEvolution             `json:"topic_evolution"`
	NewTopics        []string                   `json:"new_topics"`
	EmergingKeywords []string                   `json:"emerging_keywords"`

	AnomalyDetected    bool   `json:"anomaly_detected"`
	AnomalyDescription string `json:"anomaly_description"`

	Baseline bool `json:"baseline"`
}

const (
	topKeywords      = 20
	maxTopics        = 10
	maxNewContent    = 10
	minTokenLen      = 2
	anomalyHighScore = 8.5
	anomalyLowScore  = 2.0
	anomalyNewTopics = 5
	anomalySentiment = 0.3
)

var sentimentLexicon = map[string][]string{
	SentimentPositive: {"growth", "rise", "improve", "breakthrough", "success",
		"innovation", "progress", "advance", "optimize", "gain"},
	SentimentNegative: {"decline", "decrease", "recession", "problem", "challenge",
		"difficulty", "risk", "crisis", "failure", "drop"},
	SentimentNeutral: {"maintain", "stable", "steady", "continue", "unchanged",
		"consistent", "similar", "same", "routine", "ordinary"},
}

var stopwords = map[string]bool{
	"the": true, "is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"if": true, "because": true, "so": true, "then": true, "than": true,
	"of": true, "in": true, "on": true, "at": true, "to": true, "for": true,
	"with": true, "by": true, "from": true, "as": true, "that": true,
	"this": true, "these": true, "those": true, "it": true, "its": true,
	"will": true, "can": true, "may": true, "more": true, "also": true,
	"has": true, "have": true, "had": true, "not": true, "there": true,
	"their": true, "which": true, "into": true, "about": true, "over": true,
	"first": true, "other": true, "some": true, "such": true, "most": true,
}

var (
	tokenRe    = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9'-]*`)
	sentenceRe = regexp.MustCompile(`[.!?\n]+`)
	topicRe    = regexp.MustCompile(`[A-Z][A-Za-z0-9-]*(?: [A-Z][A-Za-z0-9-]*){0,2}`)
)

// extraction is the lexical profile of one report text.
type extraction struct {
	keywords     []string // top-K by frequency, most frequent first
	tokenCounts  map[string]int
	sentiment    map[string]float64 // proportions summing to 1
	topics       []string
	wordCount    int
	sourcesCount int
}

// Analyzer turns current vs. historical research text into bounded trend
// scores and anomaly flags. Pure: no I/O, no randomness, no wall clock.
type Analyzer struct{}

func NewAnalyzer() *Analyzer { return &Analyzer{} }

// Score computes the trend result for the current run against a bounded
// window of prior successful runs. Deterministic for identical inputs.
func (a *Analyzer) Score(current Input, history []Sample, taskKeywords []string) Result {
	cur := extract(current.Text, current.SourcesCount)

	if len(history) == 0 {
		return baselineResult(cur, taskKeywords)
	}

	hist := make([]extraction, len(history))
	for i, sample := range history {
		hist[i] = extract(sample.Text, sample.SourcesCount)
	}

	res := Result{
		KeywordTrends:    a.keywordTrends(cur, hist, taskKeywords),
		SentimentChanges: sentimentChanges(cur, hist),
		Evolution:        topicEvolution(cur, hist),
	}
	res.NewTopics, res.EmergingKeywords = newContent(cur, hist)
	res.TrendScore = compositeScore(res)
	res.ActivityLevel = activityLevel(cur, hist)
	res.ChangeMagnitude = changeMagnitude(res)
	res.ConfidenceScore = confidenceScore(len(history), cur)
	res.AnomalyDetected, res.AnomalyDescription = detectAnomalies(res)
	return res
}

// Fallback is the neutral result substituted when scoring cannot proceed.
// It degrades quality without failing the run.
func Fallback(taskKeywords []string) Result {
	trends := make(map[string]float64, len(taskKeywords))
	for _, kw := range taskKeywords {
		trends[kw] = 5.0
	}
	return Result{
		TrendScore:      5.0,
		ActivityLevel:   5.0,
		ChangeMagnitude: 0.0,
		ConfidenceScore: 0.1,
		KeywordTrends:   trends,
		SentimentChanges: map[string]SentimentChange{
			SentimentPositive: {Current: 0.3, Trend: TrendStable},
			SentimentNegative: {Current: 0.2, Trend: TrendStable},
			SentimentNeutral:  {Current: 0.5, Trend: TrendStable},
		},
		AnomalyDescription: "analysis degraded, default values in effect",
	}
}

func baselineResult(cur extraction, taskKeywords []string) Result {
	trends := make(map[string]float64, len(taskKeywords))
	for _, kw := range taskKeywords {
		trends[kw] = 5.0
	}
	changes := make(map[string]SentimentChange, 3)
	for _, cat := range []string{SentimentPositive, SentimentNegative, SentimentNeutral} {
		changes[cat] = SentimentChange{Current: cur.sentiment[cat], Trend: TrendStable}
	}
	return Result{
		TrendScore:       5.0,
		ActivityLevel:    5.0,
		ChangeMagnitude:  5.0,
		ConfidenceScore:  0.3,
		KeywordTrends:    trends,
		SentimentChanges: changes,
		Evolution: TopicEvolution{
			NewTopics:         append([]string(nil), cur.topics...),
			DisappearedTopics: []string{},
			PersistentTopics:  []string{},
			EvolutionRate:     1.0,
		},
		NewTopics:          capStrings(cur.topics, 5),
		EmergingKeywords:   capStrings(cur.keywords, maxNewContent),
		AnomalyDetected:    false,
		AnomalyDescription: "first analysis, no historical baseline",
		Baseline:           true,
	}
}

// extract builds the lexical profile of one report text.
func extract(text string, sources int) extraction {
	tokens := tokenRe.FindAllString(text, -1)
	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[strings.ToLower(tok)]++
	}
	return extraction{
		keywords:     topKeywordsFrom(counts),
		tokenCounts:  counts,
		sentiment:    sentimentProportions(counts),
		topics:       extractTopics(text),
		wordCount:    len(tokens),
		sourcesCount: sources,
	}
}

// topKeywordsFrom returns the top-K tokens by frequency, excluding
// stopwords and tokens shorter than the minimum length. Ties break
// alphabetically so extraction stays deterministic.
func topKeywordsFrom(counts map[string]int) []string {
	type kc struct {
		word  string
		count int
	}
	candidates := make([]kc, 0, len(counts))
	for word, count := range counts {
		if len(word) < minTokenLen || stopwords[word] {
			continue
		}
		candidates = append(candidates, kc{word, count})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		return candidates[i].word < candidates[j].word
	})
	if len(candidates) > topKeywords {
		candidates = candidates[:topKeywords]
	}
	words := make([]string, len(candidates))
	for i, c := range candidates {
		words[i] = c.word
	}
	return words
}

// sentimentProportions tallies the three fixed keyword categories and
// normalizes to proportions summing to 1. With no hits it falls back to
// the neutral prior {0.3, 0.2, 0.5}.
func sentimentProportions(counts map[string]int) map[string]float64 {
	tally := map[string]int{}
	total := 0
	for cat, words := range sentimentLexicon {
		for _, w := range words {
			tally[cat] += counts[w]
			total += counts[w]
		}
	}
	if total == 0 {
		return map[string]float64{
			SentimentPositive: 0.3,
			SentimentNegative: 0.2,
			SentimentNeutral:  0.5,
		}
	}
	props := make(map[string]float64, 3)
	for _, cat := range []string{SentimentPositive, SentimentNegative, SentimentNeutral} {
		props[cat] = float64(tally[cat]) / float64(total)
	}
	return props
}

// extractTopics pulls short noun-like spans (capitalized token runs) from
// the first 50 sentences, deduplicated in order of first appearance.
func extractTopics(text string) []string {
	sentences := sentenceRe.Split(text, -1)
	if len(sentences) > 50 {
		sentences = sentences[:50]
	}
	seen := make(map[string]bool)
	var topics []string
	for _, sentence := range sentences {
		for _, span := range topicRe.FindAllString(sentence, -1) {
			lower := strings.ToLower(span)
			if len(span) < 3 && !strings.Contains(span, " ") {
				continue
			}
			if stopwords[lower] || seen[lower] {
				continue
			}
			seen[lower] = true
			topics = append(topics, span)
			if len(topics) >= maxTopics {
				return topics
			}
		}
	}
	return topics
}

// keywordTrends scores the task's configured keywords plus up to ten newly
// extracted ones.
func (a *Analyzer) keywordTrends(cur extraction, hist []extraction, taskKeywords []string) map[string]float64 {
	trends := make(map[string]float64)
	taskSet := make(map[string]bool, len(taskKeywords))
	for _, kw := range taskKeywords {
		taskSet[strings.ToLower(kw)] = true
		trends[kw] = keywordTrendScore(kw, cur, hist)
	}
	extra := 0
	for _, kw := range cur.keywords {
		if taskSet[kw] {
			continue
		}
		trends[kw] = keywordTrendScore(kw, cur, hist)
		extra++
		if extra >= 10 {
			break
		}
	}
	return trends
}

// keywordTrendScore maps a keyword's growth against its historical mean
// occurrence count onto [1,10].
func keywordTrendScore(keyword string, cur extraction, hist []extraction) float64 {
	key := strings.ToLower(keyword)
	current := float64(cur.tokenCounts[key])

	var sum float64
	for _, h := range hist {
		sum += float64(h.tokenCounts[key])
	}
	mean := sum / float64(len(hist))

	if mean == 0 {
		if current > 0 {
			return 8.0
		}
		return 5.0
	}

	growth := (current - mean) / mean
	switch {
	case growth > 0.5:
		return clamp(8.0+growth*2, 1, 10)
	case growth < -0.5:
		return clamp(3.0+growth*2, 1, 10)
	default:
		return clamp(5.0+growth*2, 1, 10)
	}
}

func sentimentChanges(cur extraction, hist []extraction) map[string]SentimentChange {
	changes := make(map[string]SentimentChange, 3)
	for _, cat := range []string{SentimentPositive, SentimentNegative, SentimentNeutral} {
		var sum float64
		for _, h := range hist {
			sum += h.sentiment[cat]
		}
		avg := sum / float64(len(hist))
		change := cur.sentiment[cat] - avg
		label := TrendStable
		if change > 0.05 {
			label = TrendUp
		} else if change < -0.05 {
			label = TrendDown
		}
		changes[cat] = SentimentChange{
			Current:       cur.sentiment[cat],
			HistoricalAvg: avg,
			Change:        change,
			Trend:         label,
		}
	}
	return changes
}

func topicEvolution(cur extraction, hist []extraction) TopicEvolution {
	historical := make(map[string]bool)
	for _, h := range hist {
		for _, t := range h.topics {
			historical[strings.ToLower(t)] = true
		}
	}
	currentSet := make(map[string]bool, len(cur.topics))

	evo := TopicEvolution{
		NewTopics:         []string{},
		DisappearedTopics: []string{},
		PersistentTopics:  []string{},
	}
	for _, t := range cur.topics {
		lower := strings.ToLower(t)
		currentSet[lower] = true
		if historical[lower] {
			evo.PersistentTopics = append(evo.PersistentTopics, t)
		} else {
			evo.NewTopics = append(evo.NewTopics, t)
		}
	}
	for _, h := range hist {
		for _, t := range h.topics {
			if !currentSet[strings.ToLower(t)] {
				currentSet[strings.ToLower(t)] = true // dedupe disappeared
				evo.DisappearedTopics = append(evo.DisappearedTopics, t)
			}
		}
	}
	sort.Strings(evo.DisappearedTopics)

	denom := len(cur.topics)
	if denom < 1 {
		denom = 1
	}
	evo.EvolutionRate = float64(len(evo.NewTopics)) / float64(denom)
	return evo
}

// newContent detects topics and keywords absent from the entire history
// window, capped at ten each.
func newContent(cur extraction, hist []extraction) (topics, keywords []string) {
	histTopics := make(map[string]bool)
	histKeywords := make(map[string]bool)
	for _, h := range hist {
		for _, t := range h.topics {
			histTopics[strings.ToLower(t)] = true
		}
		for _, k := range h.keywords {
			histKeywords[k] = true
		}
	}
	topics = []string{}
	for _, t := range cur.topics {
		if !histTopics[strings.ToLower(t)] {
			topics = append(topics, t)
		}
	}
	keywords = []string{}
	for _, k := range cur.keywords {
		if !histKeywords[k] {
			keywords = append(keywords, k)
		}
	}
	return capStrings(topics, maxNewContent), capStrings(keywords, maxNewContent)
}

// compositeScore averages the keyword, new-content and evolution components.
func compositeScore(res Result) float64 {
	var scores []float64

	if len(res.KeywordTrends) > 0 {
		var sum float64
		for _, v := range res.KeywordTrends {
			sum += v
		}
		scores = append(scores, sum/float64(len(res.KeywordTrends)))
	}

	newCount := len(res.NewTopics) + len(res.EmergingKeywords)
	scores = append(scores, clampHigh(5.0+float64(newCount)*0.5, 10))
	scores = append(scores, clampHigh(5.0+res.Evolution.EvolutionRate*10, 10))

	if len(scores) == 0 {
		return 5.0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func activityLevel(cur extraction, hist []extraction) float64 {
	if len(hist) == 0 {
		return 5.0
	}
	var words, sources float64
	for _, h := range hist {
		words += float64(h.wordCount)
		sources += float64(h.sourcesCount)
	}
	avgWords := words / float64(len(hist))
	avgSources := sources / float64(len(hist))
	if avgWords < 1 {
		avgWords = 1
	}
	if avgSources < 1 {
		avgSources = 1
	}
	wordRatio := float64(cur.wordCount) / avgWords
	sourceRatio := float64(cur.sourcesCount) / avgSources
	return clamp((wordRatio+sourceRatio)/2*5, 1, 10)
}

func changeMagnitude(res Result) float64 {
	contentChange := float64(len(res.NewTopics)+len(res.EmergingKeywords)) / 10.0

	var maxSentiment float64
	for _, c := range res.SentimentChanges {
		if abs(c.Change) > maxSentiment {
			maxSentiment = abs(c.Change)
		}
	}

	avg := (contentChange + maxSentiment*10 + res.Evolution.EvolutionRate*10) / 3
	return clamp(avg, 0, 10)
}

func confidenceScore(historyCount int, cur extraction) float64 {
	historyScore := float64(historyCount) / 10.0
	if historyScore > 1 {
		historyScore = 1
	}
	quality := (float64(cur.wordCount)/1000.0 + float64(cur.sourcesCount)/10.0) / 2
	if quality > 1 {
		quality = 1
	}
	return historyScore*0.6 + quality*0.4
}

// detectAnomalies checks the four fixed threshold rules and concatenates
// the triggered reasons.
func detectAnomalies(res Result) (bool, string) {
	var reasons []string

	if res.TrendScore > anomalyHighScore {
		reasons = append(reasons, "unusually high trend activity detected")
	} else if res.TrendScore < anomalyLowScore {
		reasons = append(reasons, "unusually low trend activity detected")
	}

	if len(res.NewTopics) > anomalyNewTopics {
		reasons = append(reasons, fmt.Sprintf("unusually many new topics (%d)", len(res.NewTopics)))
	}

	for _, cat := range []string{SentimentPositive, SentimentNegative, SentimentNeutral} {
		if c, ok := res.SentimentChanges[cat]; ok && abs(c.Change) > anomalySentiment {
			reasons = append(reasons, fmt.Sprintf("large shift in %s sentiment", cat))
		}
	}

	return len(reasons) > 0, strings.Join(reasons, "; ")
}

func capStrings(in []string, n int) []string {
	out := append([]string(nil), in...)
	if out == nil {
		out = []string{}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampHigh(v, hi float64) float64 {
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
