package enhance

import (
	"context"
	"io"
	"strings"

	"github.com/bookmesh/bookmesh/pkg/observability"
	"github.com/bookmesh/bookmesh/pkg/providers"
	"github.com/bookmesh/bookmesh/pkg/rag"
)

// ContextSource supplies retrieved chunks for a selection. The core
// wires the RAG retriever behind this.
type ContextSource interface {
	ContextFor(ctx context.Context, selection, bookID string, chapterIdx *int) ([]rag.Chunk, error)
}

// Config holds enhancer parameters
type Config struct {
	Model       string
	MaxTokens   int
	Temperature float32
	// MaxContextChunks bounds how many retrieved chunks enter the prompt
	MaxContextChunks int
}

// DefaultConfig returns the default enhancer parameters
func DefaultConfig() Config {
	return Config{
		Model:            "gpt-4o-mini",
		MaxTokens:        800,
		Temperature:      0.3,
		MaxContextChunks: 4,
	}
}

// Result is a validated artifact with its quality score
type Result struct {
	Artifact     *Artifact                 `json:"artifact"`
	Kind         Kind                      `json:"kind"`
	Quality      Quality                   `json:"quality"`
	UsedFallback bool                      `json:"used_fallback"`
	Usage        providers.CompletionUsage `json:"-"`
}

// Enhancer generates structured knowledge artifacts for selections
type Enhancer struct {
	completions providers.CompletionProvider
	source      ContextSource
	config      Config
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// NewEnhancer creates an enhancer
func NewEnhancer(completions providers.CompletionProvider, source ContextSource, config Config, logger observability.Logger, metrics observability.MetricsClient) *Enhancer {
	if config.Model == "" {
		config.Model = DefaultConfig().Model
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 800
	}
	if config.MaxContextChunks <= 0 {
		config.MaxContextChunks = 4
	}
	if logger == nil {
		logger = observability.NewLogger("enhance")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Enhancer{
		completions: completions,
		source:      source,
		config:      config,
		logger:      logger,
		metrics:     metrics,
	}
}

// Enhance produces a validated artifact for the selection. When the
// first attempt scores below the quality floor it regenerates once via
// the simpler fallback prompt and keeps the better-scoring result.
func (e *Enhancer) Enhance(ctx context.Context, selection, bookID string, chapterIdx *int) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "enhance.enhance")
	defer span.End()

	kind := Classify(selection)
	span.SetAttribute("kind", string(kind))

	var chunks []rag.Chunk
	if e.source != nil {
		retrieved, err := e.source.ContextFor(ctx, selection, bookID, chapterIdx)
		if err != nil {
			// Context is an enrichment; generation proceeds without it.
			e.logger.Warn("Context retrieval failed for enhancement", map[string]interface{}{
				"book_id": bookID,
				"error":   err.Error(),
			})
		} else {
			chunks = retrieved
		}
	}
	if len(chunks) > e.config.MaxContextChunks {
		chunks = chunks[:e.config.MaxContextChunks]
	}

	artifact, usage, err := e.generate(ctx, systemPrompt(kind), selection, chunks)
	if err != nil {
		return nil, err
	}
	quality := ScoreArtifact(artifact, selection)

	result := &Result{Artifact: artifact, Kind: kind, Quality: quality, Usage: usage}
	if quality.Overall() >= qualityFloor {
		e.metrics.RecordHistogram("enhance.quality", quality.Overall(), map[string]string{"path": "primary"})
		return result, nil
	}

	e.logger.Info("Enhancement below quality floor, regenerating", map[string]interface{}{
		"overall": quality.Overall(),
		"kind":    string(kind),
	})
	e.metrics.RecordCounter("enhance.fallback", 1, nil)

	fallback, fbUsage, err := e.generate(ctx, fallbackSystemPrompt, selection, nil)
	if err != nil {
		// The low-quality primary artifact still beats an error.
		return result, nil
	}
	fbQuality := ScoreArtifact(fallback, selection)
	if fbQuality.Overall() > quality.Overall() {
		result = &Result{
			Artifact:     fallback,
			Kind:         kind,
			Quality:      fbQuality,
			UsedFallback: true,
			Usage: providers.CompletionUsage{
				PromptTokens:     usage.PromptTokens + fbUsage.PromptTokens,
				CompletionTokens: usage.CompletionTokens + fbUsage.CompletionTokens,
			},
		}
	}
	e.metrics.RecordHistogram("enhance.quality", result.Quality.Overall(), map[string]string{"path": "fallback"})
	return result, nil
}

// generate runs one completion call and parses the artifact
func (e *Enhancer) generate(ctx context.Context, system, selection string, chunks []rag.Chunk) (*Artifact, providers.CompletionUsage, error) {
	stream, err := e.completions.StreamCompletion(ctx, providers.CompletionRequest{
		Model:        e.config.Model,
		SystemPrompt: system,
		UserPrompt:   userPrompt(selection, chunks),
		MaxTokens:    e.config.MaxTokens,
		Temperature:  e.config.Temperature,
	})
	if err != nil {
		return nil, providers.CompletionUsage{}, err
	}
	defer stream.Close()

	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, providers.CompletionUsage{}, err
		}
		b.WriteString(chunk.Token)
		if chunk.Done {
			break
		}
	}

	artifact, err := ParseArtifact(b.String())
	if err != nil {
		return nil, providers.CompletionUsage{}, err
	}
	return artifact, stream.Usage(), nil
}
