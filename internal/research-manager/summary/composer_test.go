package summary

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"scheduled-research-service/internal/research-manager/trend"
)

func neutralResult() trend.Result {
	return trend.Result{
		TrendScore:      5.0,
		ActivityLevel:   5.0,
		ConfidenceScore: 0.5,
		SentimentChanges: map[string]trend.SentimentChange{
			trend.SentimentPositive: {},
			trend.SentimentNegative: {},
			trend.SentimentNeutral:  {},
		},
	}
}

func TestSelectTemplate_Priority(t *testing.T) {
	res := neutralResult()
	assert.Equal(t, templateStable, selectTemplate(res))

	res.NewTopics = []string{"a", "b", "c", "d"}
	assert.Equal(t, templateEmerging, selectTemplate(res))

	res.TrendScore = 3.0
	assert.Equal(t, templateTrendingDown, selectTemplate(res))

	res.TrendScore = 8.0
	assert.Equal(t, templateTrendingUp, selectTemplate(res))

	// Anomaly wins over everything else.
	res.AnomalyDetected = true
	assert.Equal(t, templateAnomaly, selectTemplate(res))
}

func TestCompose_HeadlineMatchesTemplate(t *testing.T) {
	composer := NewComposer()

	res := neutralResult()
	res.TrendScore = 8.0
	out := composer.Compose("Quantum Computing", "Research shows steady progress.", res)
	assert.Contains(t, out.Summary, "Quantum Computing is trending upward")

	res = neutralResult()
	res.AnomalyDetected = true
	res.AnomalyDescription = "unusually high trend activity detected"
	out = composer.Compose("Quantum Computing", "Research shows steady progress.", res)
	assert.Contains(t, out.Summary, "anomalous changes")
}

func TestCompose_NeverEmpty(t *testing.T) {
	composer := NewComposer()

	// Empty research text and a bare result still produce usable output.
	out := composer.Compose("AI", "", neutralResult())
	assert.NotEmpty(t, out.Summary)
	assert.NotEmpty(t, out.KeyFindings)
	assert.NotEmpty(t, out.KeyChanges)
	assert.NotEmpty(t, out.Recommendations)
}

func TestCompose_CapsRespected(t *testing.T) {
	composer := NewComposer()

	long := strings.Repeat("A significant breakthrough in the field was reported by researchers this quarter, and it is considered a critical development by experts.\n\n", 10)
	res := neutralResult()
	res.SentimentChanges[trend.SentimentPositive] = trend.SentimentChange{Change: 0.2, Trend: trend.TrendUp}
	res.SentimentChanges[trend.SentimentNegative] = trend.SentimentChange{Change: -0.15, Trend: trend.TrendDown}
	res.NewTopics = []string{"Alpha", "Beta"}
	res.Evolution.DisappearedTopics = []string{"Gamma"}
	res.KeywordTrends = map[string]float64{"ai": 9.0, "ml": 8.2, "nlp": 7.9, "cv": 7.7}

	out := composer.Compose("AI", long, res)
	assert.LessOrEqual(t, len(out.KeyFindings), maxFindings)
	assert.LessOrEqual(t, len(out.KeyChanges), maxChanges)
	for _, finding := range out.KeyFindings {
		assert.LessOrEqual(t, len(finding), maxFindingLen, "overlong paragraphs are skipped, not included")
	}
}

func TestRecommendations_Rules(t *testing.T) {
	res := neutralResult()
	res.TrendScore = 8.5
	res.ActivityLevel = 8.5
	recs := recommendations(res)
	joined := strings.Join(recs, " ")
	assert.Contains(t, joined, "act now")
	assert.Contains(t, joined, "shorter research interval")

	res = neutralResult()
	recs = recommendations(res)
	assert.NotEmpty(t, recs, "neutral result still yields the fallback recommendation")
}
