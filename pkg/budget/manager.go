// Package budget decides, per request, how many tokens the context and
// response may consume and which reduction strategies to run, balancing
// cost savings against an estimated quality impact.
package budget

import (
	"context"
	"strings"

	"github.com/bookmesh/bookmesh/pkg/observability"
)

// Strategy names a reduction profile
type Strategy string

const (
	StrategyAggressive   Strategy = "aggressive"
	StrategyBalanced     Strategy = "balanced"
	StrategyConservative Strategy = "conservative"
	StrategyAdaptive     Strategy = "adaptive"
)

// strategyProfile holds the reduction fractions and quality floor of a
// concrete (non-adaptive) strategy.
type strategyProfile struct {
	contextReduction  float64
	responseReduction float64
	qualityFloor      float64
	// similarityCutoff is the threshold-filter level; zero disables it
	similarityCutoff float64
}

var strategyProfiles = map[Strategy]strategyProfile{
	StrategyAggressive:   {contextReduction: 0.40, responseReduction: 0.35, qualityFloor: 0.75, similarityCutoff: 0.80},
	StrategyBalanced:     {contextReduction: 0.25, responseReduction: 0.20, qualityFloor: 0.80, similarityCutoff: 0.75},
	StrategyConservative: {contextReduction: 0.15, responseReduction: 0.10, qualityFloor: 0.85},
}

// Budget is the per-request token allowance. ContextTokens and
// ResponseTokens never go below 500 and 150 respectively.
type Budget struct {
	ContextTokens  int      `json:"context_tokens"`
	ResponseTokens int      `json:"response_tokens"`
	Strategy       Strategy `json:"strategy"`
	Confidence     float64  `json:"confidence"`
}

// Recommendation is the manager's verdict on running reductions
type Recommendation string

const (
	RecommendApply   Recommendation = "apply"
	RecommendMonitor Recommendation = "monitor"
	RecommendSkip    Recommendation = "skip"
)

// Decision is the full planning output for one request
type Decision struct {
	Budget           Budget          `json:"budget"`
	Complexity       QueryComplexity `json:"complexity"`
	HitProbability   float64         `json:"hit_probability"`
	EstimatedSavings float64         `json:"estimated_savings"`
	QualityImpact    float64         `json:"quality_impact"`
	Recommendation   Recommendation  `json:"recommendation"`
}

// Config holds budget manager settings
type Config struct {
	// DefaultStrategy is used for every request; adaptive picks a
	// concrete strategy from query complexity.
	DefaultStrategy Strategy
	// AggressiveMode shifts adaptive selection one step toward
	// aggressive.
	AggressiveMode bool
	// MaxContextTokens is the pre-reduction context allowance
	MaxContextTokens int
	// MaxResponseTokens is the pre-reduction response allowance
	MaxResponseTokens int
	// CacheBias scales the extra reduction applied when a cache hit
	// looks likely.
	CacheBias float64
	// MinSavingsPercent is the savings floor for an apply verdict
	MinSavingsPercent float64
}

// DefaultConfig returns the default budget manager settings
func DefaultConfig() Config {
	return Config{
		DefaultStrategy:   StrategyAdaptive,
		MaxContextTokens:  1500,
		MaxResponseTokens: 400,
		CacheBias:         1.0,
		MinSavingsPercent: 15,
	}
}

const (
	minContextTokens  = 500
	minResponseTokens = 150
)

// commonPatternPrefixes mark queries likely to repeat across users,
// raising the estimated cache-hit probability.
var commonPatternPrefixes = []string{
	"what is", "what are", "who is", "define", "summarize",
	"explain", "tell me about",
}

// Manager plans token budgets and coordinates reductions
type Manager struct {
	config  Config
	monitor *QualityMonitor
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewManager creates a budget manager
func NewManager(config Config, monitor *QualityMonitor, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if config.MaxContextTokens <= 0 {
		config.MaxContextTokens = 1500
	}
	if config.MaxResponseTokens <= 0 {
		config.MaxResponseTokens = 400
	}
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = StrategyAdaptive
	}
	if config.CacheBias <= 0 {
		config.CacheBias = 1.0
	}
	if config.MinSavingsPercent <= 0 {
		config.MinSavingsPercent = 15
	}
	if monitor == nil {
		monitor = NewQualityMonitor(nil)
	}
	if logger == nil {
		logger = observability.NewLogger("budget")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Manager{config: config, monitor: monitor, logger: logger, metrics: metrics}
}

// Monitor exposes the quality monitor for recording and state checks
func (m *Manager) Monitor() *QualityMonitor { return m.monitor }

// Plan analyzes the query and produces a budget decision. cacheHit
// reports whether a direct cache entry already exists; recentHitRate is
// the cache's observed hit rate in [0, 1].
func (m *Manager) Plan(ctx context.Context, query string, cacheHit bool, recentHitRate float64) Decision {
	_, span := observability.StartSpan(ctx, "budget.plan")
	defer span.End()

	complexity := AnalyzeComplexity(query)
	strategy := m.selectStrategy(complexity)
	profile := strategyProfiles[strategy]

	hitProb := m.cachePotential(query, cacheHit, recentHitRate)

	baseContext := float64(m.config.MaxContextTokens)
	baseResponse := float64(m.config.MaxResponseTokens)

	cacheCut := clamp(m.config.CacheBias*hitProb*0.2, 0, 0.9)
	strategyContext := baseContext * (1 - profile.contextReduction)
	strategyResponse := baseResponse * (1 - profile.responseReduction)
	contextTokens := strategyContext * (1 - cacheCut)
	responseTokens := strategyResponse * (1 - cacheCut/2)

	if contextTokens < minContextTokens {
		contextTokens = minContextTokens
	}
	if responseTokens < minResponseTokens {
		responseTokens = minResponseTokens
	}

	// The strategy's own reduction is vetted by its quality floor at
	// selection time; the impact estimate covers the extra squeeze this
	// particular request takes from the cache bias.
	contextRatio := (strategyContext - contextTokens) / strategyContext
	responseRatio := (strategyResponse - responseTokens) / strategyResponse
	complexityFactor := 1 + 0.5*complexity.Score
	impact := clamp(0.6*contextRatio*complexityFactor+0.4*responseRatio*complexityFactor, 0, 1)

	savings := 100 * (baseContext + baseResponse - contextTokens - responseTokens) / (baseContext + baseResponse)

	recommendation := RecommendMonitor
	switch {
	case impact > 1-profile.qualityFloor:
		recommendation = RecommendSkip
	case savings >= m.config.MinSavingsPercent && impact < 0.05:
		recommendation = RecommendApply
	}

	decision := Decision{
		Budget: Budget{
			ContextTokens:  int(contextTokens),
			ResponseTokens: int(responseTokens),
			Strategy:       strategy,
			Confidence:     clamp(1-impact, 0, 1),
		},
		Complexity:       complexity,
		HitProbability:   hitProb,
		EstimatedSavings: savings,
		QualityImpact:    impact,
		Recommendation:   recommendation,
	}

	span.SetAttribute("strategy", string(strategy))
	span.SetAttribute("recommendation", string(recommendation))
	m.metrics.IncrementCounterWithLabels("budget.decisions", 1, map[string]string{
		"strategy":       string(strategy),
		"recommendation": string(recommendation),
	})
	m.logger.Debug("Budget planned", map[string]interface{}{
		"strategy":        string(strategy),
		"context_tokens":  decision.Budget.ContextTokens,
		"response_tokens": decision.Budget.ResponseTokens,
		"savings_pct":     savings,
		"quality_impact":  impact,
		"recommendation":  string(recommendation),
	})
	return decision
}

// selectStrategy resolves adaptive mode to a concrete strategy
func (m *Manager) selectStrategy(complexity QueryComplexity) Strategy {
	strategy := m.config.DefaultStrategy
	if strategy != StrategyAdaptive {
		return strategy
	}
	switch complexity.Category {
	case CategorySimple:
		return StrategyAggressive
	case CategoryModerate:
		if m.config.AggressiveMode {
			return StrategyAggressive
		}
		return StrategyBalanced
	default:
		if m.config.AggressiveMode {
			return StrategyBalanced
		}
		return StrategyConservative
	}
}

// cachePotential estimates the probability this request is served from
// cache. A known hit is certain; otherwise the recent hit rate gets a
// bonus for common question shapes.
func (m *Manager) cachePotential(query string, cacheHit bool, recentHitRate float64) float64 {
	if cacheHit {
		return 1.0
	}
	prob := clamp(recentHitRate, 0, 1)
	lower := strings.ToLower(strings.TrimSpace(query))
	for _, prefix := range commonPatternPrefixes {
		if strings.HasPrefix(lower, prefix) {
			prob += 0.2
			break
		}
	}
	return clamp(prob, 0, 1)
}
