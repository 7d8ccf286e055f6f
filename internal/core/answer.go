package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bookmesh/bookmesh/pkg/auth"
	"github.com/bookmesh/bookmesh/pkg/budget"
	"github.com/bookmesh/bookmesh/pkg/cache"
	"github.com/bookmesh/bookmesh/pkg/completion"
	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
	"github.com/bookmesh/bookmesh/pkg/models"
	"github.com/bookmesh/bookmesh/pkg/observability"
	"github.com/bookmesh/bookmesh/pkg/rag"
	"github.com/bookmesh/bookmesh/pkg/vector"
)

// Emitter receives the ordered events of one streamed answer: sources
// first, then tokens, then usage, then done. A non-nil return aborts
// the stream.
type Emitter interface {
	Sources(sources []models.SourceRef) error
	Token(token string) error
	Usage(usage models.Usage) error
	Done(completedAt time.Time, cached bool) error
}

// AnswerRequest is one chat turn through the pipeline
type AnswerRequest struct {
	User       *models.User
	Message    string
	BookID     string
	ChapterIdx *int
	Selection  string
	Intent     string
	TargetLang string
	// ConversationID, when set, appends the turn to that dialog
	ConversationID string
	// AllowStale accepts grace-window cache entries
	AllowStale bool

	IP        string
	UserAgent string
	RequestID string
}

// sourceExcerptLen bounds the excerpt attached to each source ref
const sourceExcerptLen = 120

// Answer runs the full pipeline for one request: access check, cache
// lookup with paced replay on a hit, budget planning, retrieval with
// MMR rerank, coordinated reduction, streamed completion, quality
// scoring, and a cache write keyed by the request's content hash.
func (c *Core) Answer(ctx context.Context, req AnswerRequest, emit Emitter) error {
	ctx, span := observability.StartSpan(ctx, "core.answer")
	defer span.End()
	span.SetAttribute("book_id", req.BookID)
	span.SetAttribute("intent", req.Intent)

	stop := c.metrics.StartTimer("core.answer.duration", map[string]string{"intent": req.Intent})
	defer stop()

	book, err := c.books.GetBook(ctx, req.BookID)
	if err != nil {
		return err
	}
	userID := ""
	if req.User != nil {
		userID = req.User.ID
	}
	if !book.ReadableBy(userID) {
		c.recordAudit("book_access_denied", req, false, "book "+req.BookID)
		return apperrors.Forbidden("book is not readable by this user")
	}

	if req.Intent == "enhance" {
		return c.answerEnhance(ctx, req, emit)
	}

	keys := c.cache.Keys().Generate(cache.KeyRequest{
		Message:     req.Message,
		Selection:   req.Selection,
		ChapterIdx:  req.ChapterIdx,
		Kind:        intentKind(req),
		BookID:      req.BookID,
		UserID:      userID,
		Public:      book.Public,
		ContentType: contentTypeFor(req.Intent),
	})
	access := cache.AccessContext{
		UserID:     userID,
		AllowStale: req.AllowStale,
		Semantic:   true,
	}

	if hit, ok := c.lookupAnswer(ctx, keys, access); ok {
		return c.replay(ctx, hit, emit)
	}

	decision := c.budget.Plan(ctx, req.Message, false, c.cache.HitRate())

	chunks, err := c.retrieveChunks(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Degraded mode: a stale cached answer beats a timeout.
			access.AllowStale = true
			if hit, ok := c.lookupAnswer(ctx, keys, access); ok {
				c.metrics.RecordCounter("core.answer.stale_fallback", 1, nil)
				return c.replay(ctx, hit, emit)
			}
			return apperrors.Timeout("retrieval timed out")
		}
		return err
	}

	optimized := false
	if decision.Recommendation != budget.RecommendSkip {
		reduced := c.budget.Reduce(req.Message, chunks, decision.Budget)
		chunks = reduced.Chunks
		optimized = len(reduced.Applied) > 0
	}

	sources := sourceRefs(chunks)
	if err := emit.Sources(sources); err != nil {
		return err
	}

	prompt := completion.Assemble(completion.AssembleInput{
		Question:  effectiveQuestion(req),
		Selection: req.Selection,
		Chunks:    chunks,
		Style:     c.config.PromptStyle,
	})
	result, err := c.completer.Complete(ctx, prompt, decision.Budget.ResponseTokens, emit.Token)
	if err != nil {
		return err
	}

	quality := c.scoreAnswer(result.Text, chunks)
	c.budget.Monitor().Record(quality.Overall())

	usage := result.Usage
	usage.BudgetStrategy = string(decision.Budget.Strategy)
	usage.EstimatedSavings = decision.EstimatedSavings
	usage.QualityScore = quality.Overall()
	usage.OptimizationApplied = optimized

	answer := models.Answer{
		Text:       result.Text,
		Usage:      usage,
		Sources:    sources,
		Confidence: quality.Overall(),
		Kind:       req.Intent,
	}
	c.storeAnswer(ctx, keys, answer, book, userID, quality.Overall())
	c.appendDialog(ctx, req, result.Text)
	c.recordAudit("answer_served", req, true, "")

	if err := emit.Usage(usage); err != nil {
		return err
	}
	return emit.Done(time.Now(), false)
}

// answerEnhance handles the enhance intent: the artifact JSON is
// streamed as a single token and the result is not cached through the
// response path.
func (c *Core) answerEnhance(ctx context.Context, req AnswerRequest, emit Emitter) error {
	selection := req.Selection
	if selection == "" {
		selection = req.Message
	}
	result, err := c.enhancer.Enhance(ctx, selection, req.BookID, req.ChapterIdx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(result.Artifact)
	if err != nil {
		return apperrors.Internal(err)
	}
	if err := emit.Sources(nil); err != nil {
		return err
	}
	if err := emit.Token(string(payload)); err != nil {
		return err
	}

	usage := models.Usage{
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.PromptTokens + result.Usage.CompletionTokens,
		ModelUsed:        c.config.Enhance.Model,
		QualityScore:     result.Quality.Overall(),
	}
	c.recordAudit("enhancement_served", req, true, string(result.Kind))
	if err := emit.Usage(usage); err != nil {
		return err
	}
	return emit.Done(time.Now(), false)
}

// retrieveChunks embeds the query and runs retrieval plus the final
// MMR rerank. A thin result is topped up from shared and predictive
// matches before reranking.
func (c *Core) retrieveChunks(ctx context.Context, req AnswerRequest) ([]rag.Chunk, error) {
	queryVec, err := c.embedQuery(ctx, req.Message)
	if err != nil {
		return nil, err
	}
	chunks, err := c.retriever.Retrieve(ctx, req.Message, queryVec, req.BookID, req.ChapterIdx)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 && c.restoreBook(ctx, req.BookID) > 0 {
		chunks, err = c.retriever.Retrieve(ctx, req.Message, queryVec, req.BookID, req.ChapterIdx)
		if err != nil {
			return nil, err
		}
	}
	if len(chunks) < c.config.MMR.TopKFinal {
		seen := make(map[models.ChunkRef]struct{}, len(chunks))
		for _, chunk := range chunks {
			seen[chunk.Ref] = struct{}{}
		}
		for _, chunk := range c.supplementalChunks(ctx, req, queryVec) {
			if _, dup := seen[chunk.Ref]; dup {
				continue
			}
			seen[chunk.Ref] = struct{}{}
			chunks = append(chunks, chunk)
		}
	}
	return rag.Rerank(req.Message, chunks, c.config.MMR), nil
}

// supplementalChunks consults the vector store's cross-user sharing
// and, while the quality monitor allows it, predictive matching.
// Failures degrade to the own-book result.
func (c *Core) supplementalChunks(ctx context.Context, req AnswerRequest, queryVec []float32) []rag.Chunk {
	userID := ""
	if req.User != nil {
		userID = req.User.ID
	}
	matches, err := c.vectors.FindSimilar(ctx, userID, queryVec, vector.FindOptions{
		BookID:          req.BookID,
		Threshold:       c.config.Retriever.SimilarityThreshold,
		Limit:           c.config.Retriever.TopKInitial,
		IncludeShared:   true,
		IncludePredicts: c.budget.Monitor().PredictiveEnabled(),
	})
	if err != nil {
		c.logger.Warn("Supplemental retrieval failed", map[string]interface{}{
			"book_id": req.BookID,
			"error":   err.Error(),
		})
		return nil
	}

	chunks := make([]rag.Chunk, 0, len(matches))
	for _, m := range matches {
		chunks = append(chunks, rag.Chunk{
			Ref: models.ChunkRef{
				BookID:     m.Embedding.BookID,
				ChapterIdx: m.Embedding.ChapterIdx,
				Start:      m.Embedding.Start,
				End:        m.Embedding.End,
			},
			Text:       m.Embedding.Content,
			Similarity: m.Similarity,
		})
	}
	return chunks
}

// lookupAnswer resolves the keys to a decoded cached answer
func (c *Core) lookupAnswer(ctx context.Context, keys cache.KeyResult, access cache.AccessContext) (*models.Answer, bool) {
	result, err := c.cache.Get(ctx, keys, access)
	if err != nil || result.Entry == nil {
		return nil, false
	}
	var answer models.Answer
	if err := json.Unmarshal(result.Entry.Value, &answer); err != nil {
		c.logger.Warn("Cached answer failed to decode", map[string]interface{}{
			"key":   result.Entry.Key,
			"error": err.Error(),
		})
		return nil, false
	}
	return &answer, true
}

// replay emits a cached answer as a paced pseudo stream
func (c *Core) replay(ctx context.Context, answer *models.Answer, emit Emitter) error {
	if err := emit.Sources(answer.Sources); err != nil {
		return err
	}
	if err := completion.ReplayCached(ctx, answer.Text, c.config.PacingDelay, emit.Token); err != nil {
		return err
	}
	usage := answer.Usage
	usage.Cached = true
	usage.CostUSD = 0
	if err := emit.Usage(usage); err != nil {
		return err
	}
	c.metrics.RecordCounter("core.answer.cache_replay", 1, nil)
	return emit.Done(time.Now(), true)
}

// storeAnswer writes the finished answer back through the cache façade
func (c *Core) storeAnswer(ctx context.Context, keys cache.KeyResult, answer models.Answer, book *models.Book, userID string, quality float64) {
	payload, err := json.Marshal(answer)
	if err != nil {
		return
	}
	security := cache.SecurityPrivate
	if book.Public {
		security = cache.SecurityPublic
	}
	err = c.cache.Set(ctx, keys, payload, cache.SetOptions{
		ContentType:  contentTypeFor(answer.Kind),
		Security:     security,
		UserID:       userID,
		Dependencies: []string{"book:" + book.ID},
		CanStale:     true,
		QualityScore: quality,
		HotPath:      keys.Metadata.HotPath,
		SemanticKey:  keys.SemanticKey,
	})
	if err != nil {
		c.logger.Warn("Answer cache write failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// appendDialog records the user and assistant turns when a
// conversation id is present.
func (c *Core) appendDialog(ctx context.Context, req AnswerRequest, answerText string) {
	if req.ConversationID == "" || c.dialogs == nil {
		return
	}
	now := time.Now()
	err := c.dialogs.AppendMessages(ctx, []models.Message{
		{ID: uuid.NewString(), DialogID: req.ConversationID, Role: "user", Content: req.Message, CreatedAt: now},
		{ID: uuid.NewString(), DialogID: req.ConversationID, Role: "assistant", Content: answerText, CreatedAt: now},
	})
	if err != nil {
		// The answer already streamed; transcript loss is logged, not fatal.
		c.logger.Warn("Dialog append failed", map[string]interface{}{
			"dialog_id": req.ConversationID,
			"error":     err.Error(),
		})
	}
}

func (c *Core) recordAudit(eventType string, req AnswerRequest, success bool, detail string) {
	if c.audit == nil {
		return
	}
	userID := ""
	if req.User != nil {
		userID = req.User.ID
	}
	c.audit.Record(auth.AuditEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
		Success:   success,
		Detail:    detail,
	})
}

// scoreAnswer derives the answer quality metrics from the generated
// text and the chunks it drew from.
func (c *Core) scoreAnswer(text string, chunks []rag.Chunk) models.QualityMetrics {
	var relevance, diversity float64
	if len(chunks) > 0 {
		for _, chunk := range chunks {
			relevance += chunk.Relevance
			diversity += chunk.Diversity
		}
		relevance /= float64(len(chunks))
		diversity /= float64(len(chunks))
	}
	return models.QualityMetrics{
		Relevance:    relevance,
		Diversity:    diversity,
		Completeness: completion.Completeness(text),
		Coherence:    coherence(text),
	}
}

// coherence approximates flow from sentence count: a one-sentence
// answer reads abrupt, two to eight read coherent, beyond that the
// score tapers.
func coherence(text string) float64 {
	n := sentenceCount(text)
	switch {
	case n == 0:
		return 0
	case n == 1:
		return 0.6
	case n <= 8:
		return 1.0
	case n <= 15:
		return 0.8
	default:
		return 0.6
	}
}

func sentenceCount(text string) int {
	n := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			n++
		}
	}
	return n
}

// sourceRefs converts retrieved chunks to client-facing source refs
func sourceRefs(chunks []rag.Chunk) []models.SourceRef {
	refs := make([]models.SourceRef, 0, len(chunks))
	for _, chunk := range chunks {
		excerpt := chunk.Text
		if len(excerpt) > sourceExcerptLen {
			excerpt = excerpt[:sourceExcerptLen]
		}
		refs = append(refs, models.SourceRef{
			ChapterIdx: chunk.Ref.ChapterIdx,
			Start:      chunk.Ref.Start,
			End:        chunk.Ref.End,
			Similarity: chunk.Similarity,
			Relevance:  chunk.Relevance,
			Diversity:  chunk.Diversity,
			Excerpt:    excerpt,
		})
	}
	return refs
}

// intentKind keys the cache by intent; translations also carry the
// target language so different languages never collide.
func intentKind(req AnswerRequest) string {
	if req.Intent == "translate" && req.TargetLang != "" {
		return req.Intent + ":" + req.TargetLang
	}
	return req.Intent
}

// effectiveQuestion rewrites the question for intents that need
// instruction framing before prompt assembly.
func effectiveQuestion(req AnswerRequest) string {
	switch req.Intent {
	case "translate":
		lang := req.TargetLang
		if lang == "" {
			lang = "English"
		}
		return "Translate the highlighted passage into " + lang + ", then briefly note anything untranslatable: " + req.Message
	case "summarize":
		return "Summarize: " + req.Message
	default:
		return req.Message
	}
}

// contentTypeFor maps an intent to its cache content type
func contentTypeFor(intent string) cache.ContentType {
	switch intent {
	case "summarize":
		return cache.ContentTypeSummary
	case "explain", "disambiguate":
		return cache.ContentTypeAnalysis
	default:
		return cache.ContentTypeResponse
	}
}
