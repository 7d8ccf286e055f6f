package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bookmesh/bookmesh/internal/config"
	"github.com/bookmesh/bookmesh/pkg/budget"
)

func TestCoreConfigMapsLoadedSettings(t *testing.T) {
	cfg := &config.Config{
		Retriever: config.RetrieverConfig{
			TopKInitial:         12,
			TopKFinal:           4,
			SimilarityThreshold: 0.8,
			MMRLambda:           0.6,
		},
		Budget: config.BudgetConfig{
			DefaultStrategy:   "aggressive",
			MaxContextTokens:  2000,
			MaxResponseTokens: 500,
			CacheBias:         1.5,
		},
		Chunker: config.ChunkerConfig{Target: 800, Overlap: 200},
		OpenAI: config.OpenAIConfig{
			CompletionModel: "gpt-4o",
			Temperature:     0.4,
		},
		Completion: config.CompletionConfig{
			EarlyStopEnabled:    true,
			EarlyStopConfidence: 0.95,
		},
	}

	c := coreConfig(cfg)

	assert.Equal(t, 12, c.Retriever.TopKInitial)
	assert.Equal(t, 0.8, c.Retriever.SimilarityThreshold)
	assert.Equal(t, 4, c.MMR.TopKFinal)
	assert.Equal(t, 0.6, c.MMR.Lambda)
	assert.Equal(t, budget.Strategy("aggressive"), c.Budget.DefaultStrategy)
	assert.Equal(t, 2000, c.Budget.MaxContextTokens)
	assert.Equal(t, 500, c.Budget.MaxResponseTokens)
	assert.Equal(t, 800, c.Chunker.TargetSize)
	assert.Equal(t, "gpt-4o", c.Completion.Model)
	assert.Equal(t, float32(0.4), c.Completion.Temperature)
	assert.True(t, c.Completion.EarlyStopEnabled)
	assert.Equal(t, 0.95, c.Completion.EarlyStopConfidence)
	assert.Equal(t, "gpt-4o", c.Enhance.Model)
}
