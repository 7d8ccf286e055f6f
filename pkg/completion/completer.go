package completion

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/bookmesh/bookmesh/pkg/models"
	"github.com/bookmesh/bookmesh/pkg/observability"
	"github.com/bookmesh/bookmesh/pkg/providers"
	"github.com/bookmesh/bookmesh/pkg/textutil"
)

// Config holds completer parameters
type Config struct {
	Model       string
	Temperature float32
	// EarlyStopEnabled allows cutting the stream short once the answer
	// reads complete.
	EarlyStopEnabled bool
	// EarlyStopConfidence is the completeness score required to stop
	EarlyStopConfidence float64
	// MinTokensBeforeStop guards against stopping on a short preamble
	MinTokensBeforeStop int
}

// DefaultConfig returns the default completer parameters
func DefaultConfig() Config {
	return Config{
		Model:               "gpt-4o-mini",
		Temperature:         0.7,
		EarlyStopEnabled:    true,
		EarlyStopConfidence: 0.9,
		MinTokensBeforeStop: 100,
	}
}

// pricing is USD per 1K tokens, prompt then completion
var pricing = map[string][2]float64{
	"gpt-4o-mini":   {0.00015, 0.0006},
	"gpt-4o":        {0.0025, 0.01},
	"gpt-3.5-turbo": {0.0005, 0.0015},
}

// Result is the outcome of one streamed completion
type Result struct {
	Text         string
	Usage        models.Usage
	EarlyStopped bool
}

// Completer streams completions with usage accounting and early stop
type Completer struct {
	provider providers.CompletionProvider
	config   Config
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewCompleter creates a completer over the provider
func NewCompleter(provider providers.CompletionProvider, config Config, logger observability.Logger, metrics observability.MetricsClient) *Completer {
	if config.Model == "" {
		config.Model = DefaultConfig().Model
	}
	if config.EarlyStopConfidence <= 0 {
		config.EarlyStopConfidence = 0.9
	}
	if config.MinTokensBeforeStop <= 0 {
		config.MinTokensBeforeStop = 100
	}
	if logger == nil {
		logger = observability.NewLogger("completion")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Completer{provider: provider, config: config, logger: logger, metrics: metrics}
}

// Complete streams the completion for the prompt, forwarding each token
// to sink. A sink error or context cancellation aborts the stream and
// returns the error; the partial text is not returned.
func (c *Completer) Complete(ctx context.Context, prompt Prompt, maxTokens int, sink func(token string) error) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "completion.complete")
	defer span.End()

	timer := c.metrics.StartTimer("completion.duration", map[string]string{"model": c.config.Model})
	defer timer()

	stream, err := c.provider.StreamCompletion(ctx, providers.CompletionRequest{
		Model:        c.config.Model,
		SystemPrompt: prompt.System,
		UserPrompt:   prompt.User,
		MaxTokens:    maxTokens,
		Temperature:  c.config.Temperature,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var b strings.Builder
	tokenCount := 0
	earlyStopped := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if chunk.Token != "" {
			b.WriteString(chunk.Token)
			tokenCount++
			if sink != nil {
				if err := sink(chunk.Token); err != nil {
					return nil, err
				}
			}
		}
		if chunk.Done {
			break
		}
		if c.config.EarlyStopEnabled && tokenCount >= c.config.MinTokensBeforeStop {
			if Completeness(b.String()) >= c.config.EarlyStopConfidence {
				earlyStopped = true
				c.metrics.RecordCounter("completion.early_stop", 1, nil)
				break
			}
		}
	}

	usage := c.accountUsage(stream.Usage(), prompt, tokenCount)
	span.SetAttribute("completion_tokens", usage.CompletionTokens)
	span.SetAttribute("early_stopped", earlyStopped)

	return &Result{Text: b.String(), Usage: usage, EarlyStopped: earlyStopped}, nil
}

// accountUsage prefers provider-reported counts and falls back to the
// chars/4 estimate for prompts and the streamed count for completions.
func (c *Completer) accountUsage(reported providers.CompletionUsage, prompt Prompt, streamedTokens int) models.Usage {
	promptTokens := reported.PromptTokens
	if promptTokens == 0 {
		promptTokens = textutil.EstimateTokens(prompt.System + prompt.User)
	}
	completionTokens := reported.CompletionTokens
	if completionTokens == 0 {
		completionTokens = streamedTokens
	}

	usage := models.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		ModelUsed:        c.config.Model,
	}
	if rates, ok := pricing[c.config.Model]; ok {
		usage.CostUSD = float64(promptTokens)/1000*rates[0] + float64(completionTokens)/1000*rates[1]
	}
	return usage
}

// Completeness scores how finished a partial answer reads, from the
// presence of a complete sentence, terminal punctuation, and sentence
// length.
func Completeness(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}

	sentences := splitSentences(trimmed)
	score := 0.0
	if len(sentences) > 0 {
		score += 0.4
	}
	if strings.ContainsRune(".!?", rune(trimmed[len(trimmed)-1])) {
		score += 0.3
	}
	if len(sentences) > 0 {
		words := 0
		for _, s := range sentences {
			words += len(strings.Fields(s))
		}
		avg := float64(words) / float64(len(sentences))
		if avg >= 8 && avg <= 25 {
			score += 0.3
		}
	}
	return score
}

// splitSentences returns complete sentences of at least three words
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			s := strings.TrimSpace(text[start : i+1])
			if len(strings.Fields(s)) >= 3 {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	return out
}

// ReplayCached paces a cached answer back to the sink as a pseudo
// stream of at least two parts. Cancellation stops the replay.
func ReplayCached(ctx context.Context, text string, delay time.Duration, sink func(token string) error) error {
	parts := splitForReplay(text)
	for i, part := range parts {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := sink(part); err != nil {
			return err
		}
	}
	return nil
}

// splitForReplay cuts text into word groups, always at least two parts
// for non-trivial text so cached replay still looks streamed.
func splitForReplay(text string) []string {
	words := strings.SplitAfter(text, " ")
	if len(words) <= 1 {
		return []string{text}
	}
	const groupSize = 4
	var parts []string
	for i := 0; i < len(words); i += groupSize {
		end := i + groupSize
		if end > len(words) {
			end = len(words)
		}
		parts = append(parts, strings.Join(words[i:end], ""))
	}
	if len(parts) == 1 {
		mid := len(words) / 2
		parts = []string{strings.Join(words[:mid], ""), strings.Join(words[mid:], "")}
	}
	return parts
}
