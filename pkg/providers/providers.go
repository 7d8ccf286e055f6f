// Package providers defines the interfaces the request core depends on
// for chapter text, embeddings, completions, and identity resolution,
// together with an OpenAI-backed implementation. The core only ever
// talks to these interfaces; tests substitute in-memory fakes.
package providers

import (
	"context"

	"github.com/bookmesh/bookmesh/pkg/models"
)

// ChapterStore returns ordered chapter text for a book.
type ChapterStore interface {
	// GetChapters returns all chapters of a book ordered by index.
	GetChapters(ctx context.Context, bookID string) ([]models.Chapter, error)
	// GetChapter returns a single chapter by index.
	GetChapter(ctx context.Context, bookID string, idx int) (*models.Chapter, error)
}

// EmbeddingProvider maps text to a fixed-dimensional vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the vector dimension produced by this provider.
	Dimension() int
}

// CompletionChunk is one streamed fragment of a completion.
type CompletionChunk struct {
	Token string
	Done  bool
}

// CompletionUsage carries provider-reported token accounting. Zero
// values mean the provider did not report and the caller estimates.
type CompletionUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// CompletionStream is a consumable stream of completion chunks.
type CompletionStream interface {
	// Recv returns the next chunk. After the final chunk it returns
	// io.EOF. Cancelling the request context terminates the stream.
	Recv() (CompletionChunk, error)
	// Usage returns provider-reported usage, valid after the stream ends.
	Usage() CompletionUsage
	Close() error
}

// CompletionRequest describes one completion call.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float32
}

// CompletionProvider produces a streamed textual response from a prompt.
type CompletionProvider interface {
	StreamCompletion(ctx context.Context, req CompletionRequest) (CompletionStream, error)
}

// Identity is the stable identity resolved from an opaque credential.
type Identity struct {
	UserID string
	Email  string
}

// IdentityProvider resolves an opaque credential to a stable identity.
type IdentityProvider interface {
	Resolve(ctx context.Context, credential string) (*Identity, error)
}
