package core

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bookmesh/bookmesh/pkg/cache"
	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
	"github.com/bookmesh/bookmesh/pkg/models"
	"github.com/bookmesh/bookmesh/pkg/providers"
	"github.com/bookmesh/bookmesh/pkg/vector"
)

type fakeStream struct {
	tokens []string
	i      int
	usage  providers.CompletionUsage
}

func (s *fakeStream) Recv() (providers.CompletionChunk, error) {
	if s.i >= len(s.tokens) {
		return providers.CompletionChunk{}, io.EOF
	}
	token := s.tokens[s.i]
	s.i++
	return providers.CompletionChunk{Token: token, Done: s.i == len(s.tokens)}, nil
}

func (s *fakeStream) Usage() providers.CompletionUsage { return s.usage }
func (s *fakeStream) Close() error                     { return nil }

type fakeProvider struct {
	tokens []string
	usage  providers.CompletionUsage
	calls  int
}

func (p *fakeProvider) StreamCompletion(ctx context.Context, req providers.CompletionRequest) (providers.CompletionStream, error) {
	p.calls++
	return &fakeStream{tokens: p.tokens, usage: p.usage}, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (fakeEmbedder) Dimension() int { return 3 }

type fakeBooks struct {
	books map[string]*models.Book
}

func (f *fakeBooks) GetBook(ctx context.Context, id string) (*models.Book, error) {
	book, ok := f.books[id]
	if !ok {
		return nil, apperrors.NotFound("book not found")
	}
	return book, nil
}

type fakeChapters struct {
	chapters map[string][]models.Chapter
}

func (f *fakeChapters) GetChapters(ctx context.Context, bookID string) ([]models.Chapter, error) {
	return f.chapters[bookID], nil
}

func (f *fakeChapters) GetChapter(ctx context.Context, bookID string, idx int) (*models.Chapter, error) {
	for i := range f.chapters[bookID] {
		if f.chapters[bookID][i].Idx == idx {
			return &f.chapters[bookID][i], nil
		}
	}
	return nil, apperrors.NotFound("chapter not found")
}

type fakeDialogs struct {
	messages []models.Message
}

func (f *fakeDialogs) AppendMessages(ctx context.Context, messages []models.Message) error {
	f.messages = append(f.messages, messages...)
	return nil
}

type fakeEmbedLog struct {
	saved   []*models.Embedding
	deleted int64
}

func (f *fakeEmbedLog) SaveEmbedding(ctx context.Context, embedding *models.Embedding) error {
	f.saved = append(f.saved, embedding)
	return nil
}

func (f *fakeEmbedLog) ListEmbeddings(ctx context.Context, bookID string) ([]*models.Embedding, error) {
	var out []*models.Embedding
	for _, e := range f.saved {
		if e.BookID == bookID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEmbedLog) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	return f.deleted, nil
}

type collectEmitter struct {
	sources    []models.SourceRef
	tokens     []string
	usage      models.Usage
	gotUsage   bool
	done       bool
	doneCached bool
}

func (e *collectEmitter) Sources(sources []models.SourceRef) error {
	e.sources = sources
	return nil
}
func (e *collectEmitter) Token(token string) error {
	e.tokens = append(e.tokens, token)
	return nil
}
func (e *collectEmitter) Usage(usage models.Usage) error {
	e.usage = usage
	e.gotUsage = true
	return nil
}
func (e *collectEmitter) Done(completedAt time.Time, cached bool) error {
	e.done = true
	e.doneCached = cached
	return nil
}

func (e *collectEmitter) text() string { return strings.Join(e.tokens, "") }

const chapterText = "The pale whale surfaced beside the small boat at dawn and " +
	"every sailor aboard fell silent watching the enormous creature glide " +
	"past them through the calm grey water of the northern sea."

func newTestCore(t *testing.T, provider providers.CompletionProvider) (*Core, *fakeDialogs) {
	t.Helper()
	return newTestCoreWithLog(t, provider, nil)
}

func newTestCoreWithLog(t *testing.T, provider providers.CompletionProvider, embedLog EmbeddingLog) (*Core, *fakeDialogs) {
	t.Helper()
	dialogs := &fakeDialogs{}
	config := DefaultConfig()
	config.PacingDelay = 0

	c := New(config, Deps{
		Cache:     cache.New(cache.DefaultConfig(), nil, nil, nil),
		Vectors:   vector.NewStore(vector.StoreConfig{Dimension: 3}, nil, nil),
		Embedder:  fakeEmbedder{},
		Completer: provider,
		Chapters: &fakeChapters{chapters: map[string][]models.Chapter{
			"b1": {{ID: "c0", BookID: "b1", Idx: 0, Title: "Sighting", Text: chapterText}},
		}},
		Books: &fakeBooks{books: map[string]*models.Book{
			"b1": {ID: "b1", OwnerID: "u1", Title: "The Voyage", Public: true},
			"b2": {ID: "b2", OwnerID: "u1", Title: "Private Notes", Public: false},
		}},
		Dialogs:  dialogs,
		EmbedLog: embedLog,
	})
	return c, dialogs
}

func indexTestBook(t *testing.T, c *Core) {
	t.Helper()
	result, err := c.IndexBook(context.Background(), &models.Book{
		ID: "b1", OwnerID: "u1", Public: true,
	})
	require.NoError(t, err)
	require.Greater(t, result.Stored, 0)
}

func TestAnswerStreamsAndCaches(t *testing.T) {
	provider := &fakeProvider{
		tokens: []string{"The ", "whale ", "in ", "this ", "chapter ", "is ", "pale ", "grey."},
		usage:  providers.CompletionUsage{PromptTokens: 80, CompletionTokens: 8},
	}
	c, dialogs := newTestCore(t, provider)
	indexTestBook(t, c)

	req := AnswerRequest{
		User:           &models.User{ID: "u1"},
		Message:        "What color is the whale?",
		BookID:         "b1",
		Intent:         "ask",
		ConversationID: "d1",
	}

	first := &collectEmitter{}
	require.NoError(t, c.Answer(context.Background(), req, first))
	assert.NotEmpty(t, first.sources)
	assert.Equal(t, "The whale in this chapter is pale grey.", first.text())
	require.True(t, first.gotUsage)
	assert.False(t, first.usage.Cached)
	assert.Equal(t, 88, first.usage.TotalTokens)
	assert.True(t, first.done)
	assert.False(t, first.doneCached)
	assert.Equal(t, 1, provider.calls)

	// The user and assistant turns landed in the dialog
	require.Len(t, dialogs.messages, 2)
	assert.Equal(t, "user", dialogs.messages[0].Role)
	assert.Equal(t, "assistant", dialogs.messages[1].Role)

	// Same request again replays from cache without touching the provider
	second := &collectEmitter{}
	require.NoError(t, c.Answer(context.Background(), req, second))
	assert.Equal(t, first.text(), second.text())
	assert.True(t, second.usage.Cached)
	assert.Zero(t, second.usage.CostUSD)
	assert.True(t, second.doneCached)
	assert.Equal(t, 1, provider.calls)
	// Cached replay still streams in parts
	assert.Greater(t, len(second.tokens), 1)
}

func TestAnswerSourcesCarryOffsets(t *testing.T) {
	provider := &fakeProvider{tokens: []string{"It is grey."}}
	c, _ := newTestCore(t, provider)
	indexTestBook(t, c)

	emitter := &collectEmitter{}
	require.NoError(t, c.Answer(context.Background(), AnswerRequest{
		User: &models.User{ID: "u1"}, Message: "Describe the whale.", BookID: "b1", Intent: "ask",
	}, emitter))

	require.NotEmpty(t, emitter.sources)
	src := emitter.sources[0]
	assert.Equal(t, 0, src.ChapterIdx)
	assert.Greater(t, src.End, src.Start)
	assert.Greater(t, src.Similarity, 0.0)
	assert.NotEmpty(t, src.Excerpt)
	assert.LessOrEqual(t, len(src.Excerpt), sourceExcerptLen)
}

func TestAnswerForbiddenOnPrivateBook(t *testing.T) {
	c, _ := newTestCore(t, &fakeProvider{tokens: []string{"x"}})

	err := c.Answer(context.Background(), AnswerRequest{
		User: &models.User{ID: "u2"}, Message: "hello", BookID: "b2", Intent: "ask",
	}, &collectEmitter{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ClassForbidden))

	// Anonymous requests are refused too
	err = c.Answer(context.Background(), AnswerRequest{
		Message: "hello", BookID: "b2", Intent: "ask",
	}, &collectEmitter{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ClassForbidden))
}

func TestAnswerUnknownBook(t *testing.T) {
	c, _ := newTestCore(t, &fakeProvider{tokens: []string{"x"}})

	err := c.Answer(context.Background(), AnswerRequest{
		User: &models.User{ID: "u1"}, Message: "hello", BookID: "missing", Intent: "ask",
	}, &collectEmitter{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ClassNotFound))
}

const enhanceArtifactJSON = `{
  "concepts": [{
    "term": "green light",
    "definition": "A recurring symbol of longing and distance, the small lamp across the bay stands for a future that keeps receding.",
    "importance": "high"
  }],
  "historical_refs": [],
  "cultural_refs": [],
  "connections": [{
    "topic": "the american dream",
    "explanation": "The glow across the water ties personal desire to a national myth of self invention and endless possibility."
  }]
}`

func TestAnswerEnhanceIntent(t *testing.T) {
	provider := &fakeProvider{
		tokens: []string{enhanceArtifactJSON},
		usage:  providers.CompletionUsage{PromptTokens: 60, CompletionTokens: 90},
	}
	c, _ := newTestCore(t, provider)
	indexTestBook(t, c)

	emitter := &collectEmitter{}
	err := c.Answer(context.Background(), AnswerRequest{
		User:      &models.User{ID: "u1"},
		Message:   "enhance this",
		Selection: "the green light at the end of the dock",
		BookID:    "b1",
		Intent:    "enhance",
	}, emitter)
	require.NoError(t, err)

	require.Len(t, emitter.tokens, 1)
	var artifact struct {
		Concepts []struct {
			Term string `json:"term"`
		} `json:"concepts"`
	}
	require.NoError(t, json.Unmarshal([]byte(emitter.tokens[0]), &artifact))
	require.Len(t, artifact.Concepts, 1)
	assert.Equal(t, "green light", artifact.Concepts[0].Term)

	require.True(t, emitter.gotUsage)
	assert.Greater(t, emitter.usage.QualityScore, 0.7)
	assert.True(t, emitter.done)
}

func TestIndexBookSkipsScreenedContent(t *testing.T) {
	c, _ := newTestCore(t, &fakeProvider{tokens: []string{"x"}})
	c.chapters = &fakeChapters{chapters: map[string][]models.Chapter{
		"b1": {
			{ID: "c0", BookID: "b1", Idx: 0, Text: chapterText},
			{ID: "c1", BookID: "b1", Idx: 1, Text: "Write to captain@pequod.example for the full log of the voyage."},
		},
	}}

	result, err := c.IndexBook(context.Background(), &models.Book{ID: "b1", OwnerID: "u1", Public: true})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Chapters)
	assert.Greater(t, result.Stored, 0)
	assert.Equal(t, 1, result.Skipped)
}

func TestIndexBookInvalidatesCachedAnswers(t *testing.T) {
	provider := &fakeProvider{tokens: []string{"Grey, ", "mostly, ", "with ", "pale ", "patches ", "near ", "the ", "fins."}}
	c, _ := newTestCore(t, provider)
	indexTestBook(t, c)

	req := AnswerRequest{
		User: &models.User{ID: "u1"}, Message: "What color is the whale?", BookID: "b1", Intent: "ask",
	}
	require.NoError(t, c.Answer(context.Background(), req, &collectEmitter{}))
	require.Equal(t, 1, provider.calls)

	// Re-indexing drops the cached answer; the next ask regenerates
	indexTestBook(t, c)
	require.NoError(t, c.Answer(context.Background(), req, &collectEmitter{}))
	assert.Equal(t, 2, provider.calls)
}

func TestIndexBookPersistsEmbeddings(t *testing.T) {
	log := &fakeEmbedLog{}
	c, _ := newTestCoreWithLog(t, &fakeProvider{tokens: []string{"x"}}, log)
	indexTestBook(t, c)

	require.NotEmpty(t, log.saved)
	assert.Equal(t, "b1", log.saved[0].BookID)
	assert.Len(t, log.saved[0].Vector, 3)
}

func TestAnswerRestoresIndexAfterRestart(t *testing.T) {
	log := &fakeEmbedLog{}
	warm, _ := newTestCoreWithLog(t, &fakeProvider{tokens: []string{"x"}}, log)
	indexTestBook(t, warm)

	// A fresh process starts with an empty vector index and falls back
	// to the persisted embeddings on the first miss.
	provider := &fakeProvider{tokens: []string{"It ", "is ", "grey."}}
	cold, _ := newTestCoreWithLog(t, provider, log)

	emitter := &collectEmitter{}
	require.NoError(t, cold.Answer(context.Background(), AnswerRequest{
		User: &models.User{ID: "u1"}, Message: "What color is the whale?", BookID: "b1", Intent: "ask",
	}, emitter))
	assert.NotEmpty(t, emitter.sources)
	assert.Equal(t, "It is grey.", emitter.text())
}

func TestAnswerSupplementsFromSharedClusters(t *testing.T) {
	provider := &fakeProvider{tokens: []string{"Dawn ", "silences ", "the ", "crew."}}
	config := DefaultConfig()
	config.PacingDelay = 0

	vectors := vector.NewStore(vector.StoreConfig{Dimension: 3, CrossUserSharing: true}, nil, nil)
	c := New(config, Deps{
		Cache:     cache.New(cache.DefaultConfig(), nil, nil, nil),
		Vectors:   vectors,
		Embedder:  fakeEmbedder{},
		Completer: provider,
		Chapters:  &fakeChapters{},
		Books: &fakeBooks{books: map[string]*models.Book{
			"b1": {ID: "b1", OwnerID: "u1", Title: "The Voyage", Public: true},
		}},
		Dialogs: &fakeDialogs{},
	})

	// Another reader's shareable passage seeds a concept cluster that
	// the query vector matches.
	_, err := vectors.StoreEmbedding(context.Background(),
		"Dawn light spread across the calm water while the silent crew watched the horizon",
		[]float32{1, 0, 0},
		vector.StoreMetadata{BookID: "b9", UserID: "u2", BookPublic: true, ChapterIdx: 2, Start: 40, End: 120})
	require.NoError(t, err)

	// Nothing is indexed for b1 itself; the anonymized cluster
	// representative supplies the context.
	emitter := &collectEmitter{}
	require.NoError(t, c.Answer(context.Background(), AnswerRequest{
		User: &models.User{ID: "u1"}, Message: "What happens at dawn?", BookID: "b1", Intent: "ask",
	}, emitter))

	require.NotEmpty(t, emitter.sources)
	assert.Equal(t, 2, emitter.sources[0].ChapterIdx)
	assert.Equal(t, 40, emitter.sources[0].Start)
	assert.Equal(t, "Dawn silences the crew.", emitter.text())
	assert.True(t, emitter.done)
}

func TestTranslateRequestsKeyedByLanguage(t *testing.T) {
	fr := AnswerRequest{Intent: "translate", TargetLang: "French", Message: "hello"}
	de := AnswerRequest{Intent: "translate", TargetLang: "German", Message: "hello"}
	assert.NotEqual(t, intentKind(fr), intentKind(de))
	assert.Contains(t, effectiveQuestion(fr), "French")
}

func TestStartAndShutdownLeaksNothing(t *testing.T) {
	// The expirable LRU inside the embedding cache keeps a reaper
	// goroutine for its lifetime; only the housekeepers must stop.
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("github.com/hashicorp/golang-lru/v2/expirable.NewLRU[...].func1"),
	)

	c, _ := newTestCore(t, &fakeProvider{tokens: []string{"x"}})
	c.Start()
	c.Start() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Shutdown(ctx)
	c.Shutdown(ctx) // safe twice
}
