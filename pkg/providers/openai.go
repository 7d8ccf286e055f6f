package providers

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
	"github.com/bookmesh/bookmesh/pkg/observability"
)

// OpenAIConfig configures the OpenAI-backed providers
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	EmbeddingModel  string
	CompletionModel string
	Dimension       int
	MaxRetries      uint64
	RequestTimeout  time.Duration
}

// DefaultOpenAIConfig returns sensible defaults
func DefaultOpenAIConfig() *OpenAIConfig {
	return &OpenAIConfig{
		EmbeddingModel:  string(openai.SmallEmbedding3),
		CompletionModel: openai.GPT4oMini,
		Dimension:       1536,
		MaxRetries:      3,
		RequestTimeout:  60 * time.Second,
	}
}

// OpenAIProvider implements EmbeddingProvider and CompletionProvider
// over the OpenAI API, with circuit-breaker protection and bounded
// exponential retry for transient failures.
type OpenAIProvider struct {
	client  *openai.Client
	config  *OpenAIConfig
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
}

// NewOpenAIProvider creates a provider from config
func NewOpenAIProvider(config *OpenAIConfig, logger observability.Logger) (*OpenAIProvider, error) {
	if config == nil {
		config = DefaultOpenAIConfig()
	}
	if config.APIKey == "" {
		return nil, apperrors.New("PROVIDER_CONFIG", "OpenAI API key is required", apperrors.ClassValidation)
	}
	if logger == nil {
		logger = observability.NewLogger("providers.openai")
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openai",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientConfig),
		config:  config,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Dimension returns the configured embedding dimension
func (p *OpenAIProvider) Dimension() int { return p.config.Dimension }

// Embed generates an embedding for a single text
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32

	operation := func() error {
		result, err := p.breaker.Execute(func() (interface{}, error) {
			resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input:      []string{text},
				Model:      openai.EmbeddingModel(p.config.EmbeddingModel),
				Dimensions: p.config.Dimension,
			})
			if err != nil {
				return nil, err
			}
			if len(resp.Data) == 0 {
				return nil, errors.New("empty embedding response")
			}
			return resp.Data[0].Embedding, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		vector = result.([]float32)
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.config.MaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		p.logger.Error("Embedding request failed", map[string]interface{}{
			"error": err.Error(),
			"model": p.config.EmbeddingModel,
		})
		return nil, apperrors.Dependency(err, "embedding provider unavailable").Transient()
	}

	return vector, nil
}

// StreamCompletion starts a streamed chat completion
func (p *OpenAIProvider) StreamCompletion(ctx context.Context, req CompletionRequest) (CompletionStream, error) {
	model := req.Model
	if model == "" {
		model = p.config.CompletionModel
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:       model,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
			},
			StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		})
	})
	if err != nil {
		p.logger.Error("Completion request failed", map[string]interface{}{
			"error": err.Error(),
			"model": model,
		})
		return nil, apperrors.Dependency(err, "completion provider unavailable").Transient()
	}

	return &openaiStream{stream: result.(*openai.ChatCompletionStream)}, nil
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
	usage  CompletionUsage
}

func (s *openaiStream) Recv() (CompletionChunk, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return CompletionChunk{Done: true}, io.EOF
			}
			return CompletionChunk{}, err
		}
		if resp.Usage != nil {
			s.usage = CompletionUsage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			}
		}
		if len(resp.Choices) == 0 {
			// Usage-only frame at end of stream
			continue
		}
		return CompletionChunk{Token: resp.Choices[0].Delta.Content}, nil
	}
}

func (s *openaiStream) Usage() CompletionUsage { return s.usage }

func (s *openaiStream) Close() error { return s.stream.Close() }
