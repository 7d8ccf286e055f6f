package budget

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookmesh/bookmesh/pkg/models"
	"github.com/bookmesh/bookmesh/pkg/observability"
	"github.com/bookmesh/bookmesh/pkg/rag"
)

func newManager(cfg Config) *Manager {
	return NewManager(cfg, nil, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestAnalyzeComplexitySimple(t *testing.T) {
	c := AnalyzeComplexity("define hubris")
	assert.Equal(t, CategorySimple, c.Category)
	assert.Less(t, c.Score, 0.33)
	assert.Zero(t, c.Factors.Questions)
}

func TestAnalyzeComplexityCountsFactors(t *testing.T) {
	query := "Compare and evaluate how Ahab and Ishmael interpret fate? " +
		"Explain why, because the narrative shifts; however the theme persists? " +
		strings.Repeat("padding words here ", 20)
	c := AnalyzeComplexity(query)
	assert.GreaterOrEqual(t, c.Factors.Keywords, 3, "compare, evaluate, interpret, explain")
	assert.GreaterOrEqual(t, c.Factors.Entities, 2, "Ahab and Ishmael")
	assert.Equal(t, 2, c.Factors.Questions)
	assert.GreaterOrEqual(t, c.Factors.Analytical, 2, "because, however")
	assert.NotEqual(t, CategorySimple, c.Category)
}

func TestAnalyzeComplexityScoreClamped(t *testing.T) {
	huge := strings.Repeat("Analyze Because Therefore? ", 200)
	c := AnalyzeComplexity(huge)
	assert.Equal(t, 1.0, c.Score)
	assert.Equal(t, CategoryComplex, c.Category)
}

func TestPlanAdaptivePicksAggressiveForSimple(t *testing.T) {
	m := newManager(DefaultConfig())
	d := m.Plan(context.Background(), "define hubris", false, 0)
	assert.Equal(t, StrategyAggressive, d.Budget.Strategy)
}

func TestPlanFixedStrategyWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultStrategy = StrategyConservative
	m := newManager(cfg)
	d := m.Plan(context.Background(), "define hubris", false, 0)
	assert.Equal(t, StrategyConservative, d.Budget.Strategy)
}

func TestPlanBudgetFloors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxContextTokens = 600
	cfg.MaxResponseTokens = 160
	m := newManager(cfg)

	// Aggressive reduction on a small base would undercut the floors
	d := m.Plan(context.Background(), "define hubris", true, 1.0)
	assert.GreaterOrEqual(t, d.Budget.ContextTokens, 500)
	assert.GreaterOrEqual(t, d.Budget.ResponseTokens, 150)
}

func TestPlanCachePotential(t *testing.T) {
	m := newManager(DefaultConfig())

	hit := m.Plan(context.Background(), "anything at all", true, 0)
	assert.Equal(t, 1.0, hit.HitProbability)

	common := m.Plan(context.Background(), "what is the green light", false, 0.3)
	assert.InDelta(t, 0.5, common.HitProbability, 1e-9, "hit rate plus common-pattern bonus")

	rare := m.Plan(context.Background(), "obscure question nobody asks", false, 0.3)
	assert.InDelta(t, 0.3, rare.HitProbability, 1e-9)
}

func TestPlanAppliesForCommonSimpleQuery(t *testing.T) {
	m := newManager(DefaultConfig())
	d := m.Plan(context.Background(), "define hubris", false, 0)
	assert.Equal(t, StrategyAggressive, d.Budget.Strategy)
	assert.Equal(t, RecommendApply, d.Recommendation)
	assert.GreaterOrEqual(t, d.EstimatedSavings, 15.0)
}

func TestPlanMonitorsOnModerateCacheBias(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultStrategy = StrategyAggressive
	m := newManager(cfg)

	// Certain hit: cacheCut 0.2, impact around 0.16, between the apply
	// ceiling and the skip floor.
	d := m.Plan(context.Background(), "an unusual question", true, 0)
	assert.Equal(t, RecommendMonitor, d.Recommendation)
}

func TestPlanSkipsWhenImpactExceedsFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultStrategy = StrategyConservative
	cfg.CacheBias = 10
	m := newManager(cfg)

	// Oversized cache bias saturates the extra reduction; the impact
	// exceeds the 0.15 conservative allowance.
	d := m.Plan(context.Background(), "an unusual question", true, 0)
	assert.Equal(t, RecommendSkip, d.Recommendation)
}

func TestPlanConfidenceComplementsImpact(t *testing.T) {
	m := newManager(DefaultConfig())
	d := m.Plan(context.Background(), "define hubris", false, 0)
	assert.InDelta(t, 1-d.QualityImpact, d.Budget.Confidence, 1e-9)
}

func chunk(chapter, start int, text string, sim float64) rag.Chunk {
	return rag.Chunk{
		Ref:        models.ChunkRef{BookID: "b1", ChapterIdx: chapter, Start: start, End: start + len(text)},
		Text:       text,
		Similarity: sim,
	}
}

func TestReduceThresholdFilter(t *testing.T) {
	m := newManager(DefaultConfig())
	chunks := []rag.Chunk{
		chunk(0, 0, "kept above the aggressive cutoff", 0.85),
		chunk(1, 0, "dropped below the aggressive cutoff", 0.78),
	}
	res := m.Reduce("question", chunks, Budget{ContextTokens: 1000, Strategy: StrategyAggressive})
	require.Len(t, res.Chunks, 1)
	assert.Contains(t, res.Applied, "threshold_filter(0.8)")
}

func TestReduceConservativeSkipsThreshold(t *testing.T) {
	m := newManager(DefaultConfig())
	chunks := []rag.Chunk{
		chunk(0, 0, "weak but retained by conservative strategy", 0.60),
	}
	res := m.Reduce("question", chunks, Budget{ContextTokens: 1000, Strategy: StrategyConservative})
	assert.Len(t, res.Chunks, 1)
	for _, a := range res.Applied {
		assert.NotContains(t, a, "threshold_filter")
	}
}

func TestReduceRunsMMROnLargeSets(t *testing.T) {
	m := newManager(DefaultConfig())
	texts := []string{
		"the whale breaches off the starboard bow",
		"crew members whisper about the omen",
		"a storm gathers along the darkening horizon",
		"the captain studies his worn charts",
		"harpoons are sharpened on the foredeck",
		"the first mate questions the pursuit",
	}
	chunks := make([]rag.Chunk, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, chunk(i, 0, text, 0.9-float64(i)*0.01))
	}
	res := m.Reduce("whale pursuit", chunks, Budget{ContextTokens: 1000, Strategy: StrategyConservative})
	assert.Contains(t, res.Applied, "mmr_rerank")
	assert.LessOrEqual(t, len(res.Chunks), 3, "MMR narrows to its final top-k")
}

func TestReduceSmartTruncationPartialTail(t *testing.T) {
	m := newManager(DefaultConfig())
	// 400 tokens total; allowance 150 admits the first chunk (100
	// tokens) fully and 50 tokens (200 chars) of the second.
	first := strings.Repeat("a", 400)
	second := strings.Repeat("b", 1200)
	chunks := []rag.Chunk{
		chunk(0, 0, first, 0.95),
		chunk(1, 0, second, 0.90),
	}
	res := m.Reduce("question", chunks, Budget{ContextTokens: 150, Strategy: StrategyConservative})
	require.Len(t, res.Chunks, 2)
	assert.Contains(t, res.Applied, "smart_truncation")
	assert.Len(t, res.Chunks[1].Text, 200)
	assert.LessOrEqual(t, res.TokensAfter, 150)
}

func TestReduceSmartTruncationDropsTinyTail(t *testing.T) {
	m := newManager(DefaultConfig())
	first := strings.Repeat("a", 400)
	second := strings.Repeat("b", 1200)
	chunks := []rag.Chunk{
		chunk(0, 0, first, 0.95),
		chunk(1, 0, second, 0.90),
	}
	// Allowance 110: 10 tokens = 40 chars of the second chunk remain,
	// under the 100-char minimum, so it is dropped entirely.
	res := m.Reduce("question", chunks, Budget{ContextTokens: 110, Strategy: StrategyConservative})
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, first, res.Chunks[0].Text)
}

func TestQualityMonitorRollback(t *testing.T) {
	purged := make(chan float64, 1)
	q := NewQualityMonitor(func(below float64) { purged <- below })

	for i := 0; i < 4; i++ {
		q.Record(0.5)
	}
	assert.True(t, q.PredictiveEnabled(), "window not yet full")

	q.Record(0.5)
	assert.False(t, q.PredictiveEnabled())
	select {
	case below := <-purged:
		assert.Equal(t, 0.70, below)
	default:
		t.Fatal("purge hook not invoked")
	}

	state := q.State()
	assert.False(t, state.PredictiveEnabled)
	assert.False(t, state.PredictiveDisabledUntil.IsZero())
	assert.InDelta(t, 0.5, state.Average, 1e-9)
}

func TestQualityMonitorHealthyWindow(t *testing.T) {
	q := NewQualityMonitor(func(float64) { t.Fatal("purge must not run") })
	for i := 0; i < 10; i++ {
		q.Record(0.9)
	}
	assert.True(t, q.PredictiveEnabled())
	assert.InDelta(t, 0.9, q.Average(), 1e-9)
}

func TestQualityMetricsOverall(t *testing.T) {
	m := models.QualityMetrics{Relevance: 1, Diversity: 0.5, Completeness: 0.8, Coherence: 0.6}
	assert.InDelta(t, 0.3+0.1+0.24+0.12, m.Overall(), 1e-9)
}
