// Package core assembles the reading companion pipeline: budgeted
// retrieval, multi-layer caching, streamed completion, enhancement,
// and the background housekeepers that keep the caches and the vector
// store healthy.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/bookmesh/bookmesh/pkg/auth"
	"github.com/bookmesh/bookmesh/pkg/budget"
	"github.com/bookmesh/bookmesh/pkg/cache"
	"github.com/bookmesh/bookmesh/pkg/chunking"
	"github.com/bookmesh/bookmesh/pkg/completion"
	"github.com/bookmesh/bookmesh/pkg/enhance"
	"github.com/bookmesh/bookmesh/pkg/models"
	"github.com/bookmesh/bookmesh/pkg/observability"
	"github.com/bookmesh/bookmesh/pkg/providers"
	"github.com/bookmesh/bookmesh/pkg/rag"
	"github.com/bookmesh/bookmesh/pkg/vector"
)

// BookStore is the slice of persistence the core reads books through
type BookStore interface {
	GetBook(ctx context.Context, id string) (*models.Book, error)
}

// DialogStore appends transcript rows after successful answers
type DialogStore interface {
	AppendMessages(ctx context.Context, messages []models.Message) error
}

// EmbeddingLog persists indexed embeddings so the in-memory vector
// index can be rebuilt after a restart. Optional; a nil log keeps the
// index purely process-local.
type EmbeddingLog interface {
	SaveEmbedding(ctx context.Context, embedding *models.Embedding) error
	ListEmbeddings(ctx context.Context, bookID string) ([]*models.Embedding, error)
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds the pipeline parameters
type Config struct {
	Retriever  rag.Config
	MMR        rag.MMRConfig
	Budget     budget.Config
	Completion completion.Config
	Enhance    enhance.Config
	Chunker    chunking.Config

	// PromptStyle selects the concise or verbose prompt variant
	PromptStyle completion.PromptStyle
	// PacingDelay spaces the pseudo-stream parts of a cached replay
	PacingDelay time.Duration
	// VectorMaxAge is the stale-embedding eviction horizon
	VectorMaxAge time.Duration
}

// DefaultConfig returns the default pipeline parameters
func DefaultConfig() Config {
	return Config{
		Retriever:    rag.DefaultConfig(),
		MMR:          rag.DefaultMMRConfig(),
		Budget:       budget.DefaultConfig(),
		Completion:   completion.DefaultConfig(),
		Enhance:      enhance.DefaultConfig(),
		Chunker:      chunking.DefaultConfig(),
		PromptStyle:  completion.StyleVerbose,
		PacingDelay:  30 * time.Millisecond,
		VectorMaxAge: 7 * 24 * time.Hour,
	}
}

// Deps are the constructed collaborators the core is assembled from
type Deps struct {
	Cache     *cache.MultiLayerCache
	Vectors   *vector.Store
	Embedder  providers.EmbeddingProvider
	Completer providers.CompletionProvider
	Chapters  providers.ChapterStore
	Books     BookStore
	Dialogs   DialogStore
	EmbedLog  EmbeddingLog
	Audit     *auth.AuditSink
	Logger    observability.Logger
	Metrics   observability.MetricsClient
}

// Core is the request pipeline plus its background housekeepers
type Core struct {
	config Config

	cache     *cache.MultiLayerCache
	embCache  *cache.EmbeddingCache
	vectors   *vector.Store
	retriever *rag.Retriever
	budget    *budget.Manager
	completer *completion.Completer
	enhancer  *enhance.Enhancer
	chunker   *chunking.Chunker
	embedder  providers.EmbeddingProvider
	chapters  providers.ChapterStore
	books     BookStore
	dialogs   DialogStore
	embedLog  EmbeddingLog
	audit     *auth.AuditSink
	logger    observability.Logger
	metrics   observability.MetricsClient

	restoreMu sync.Mutex
	restored  map[string]struct{}

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
}

// New assembles the core. The quality monitor's rollback purge is wired
// to the cache here.
func New(config Config, deps Deps) *Core {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger("core")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	monitor := budget.NewQualityMonitor(func(belowScore float64) {
		deps.Cache.PurgeLowQuality(belowScore)
	})
	manager := budget.NewManager(config.Budget, monitor, logger.WithPrefix("budget"), metrics)

	c := &Core{
		config:    config,
		cache:     deps.Cache,
		embCache:  cache.NewEmbeddingCache(0),
		vectors:   deps.Vectors,
		budget:    manager,
		completer: completion.NewCompleter(deps.Completer, config.Completion, logger.WithPrefix("completion"), metrics),
		chunker:   chunking.New(config.Chunker),
		embedder:  deps.Embedder,
		chapters:  deps.Chapters,
		books:     deps.Books,
		dialogs:   deps.Dialogs,
		embedLog:  deps.EmbedLog,
		audit:     deps.Audit,
		logger:    logger,
		metrics:   metrics,
		restored:  make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
	c.retriever = rag.NewRetriever(deps.Vectors.Index(), embedderFunc(c.embedQuery), config.Retriever, logger.WithPrefix("rag"), metrics)
	c.enhancer = enhance.NewEnhancer(deps.Completer, contextSourceFunc(c.enhancementContext), config.Enhance, logger.WithPrefix("enhance"), metrics)
	return c
}

// Budget exposes the budget manager for stats endpoints
func (c *Core) Budget() *budget.Manager { return c.budget }

// Cache exposes the multi-layer cache for stats endpoints
func (c *Core) Cache() *cache.MultiLayerCache { return c.cache }

// embedderFunc adapts a method to the retriever's Embedder interface
type embedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// contextSourceFunc adapts a method to the enhancer's ContextSource
type contextSourceFunc func(ctx context.Context, selection, bookID string, chapterIdx *int) ([]rag.Chunk, error)

func (f contextSourceFunc) ContextFor(ctx context.Context, selection, bookID string, chapterIdx *int) ([]rag.Chunk, error) {
	return f(ctx, selection, bookID, chapterIdx)
}

// embedQuery resolves a text to its vector through the embedding cache
func (c *Core) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.embCache.Get(text); ok {
		return vec, nil
	}
	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.embCache.Put(text, vec)
	return vec, nil
}

// enhancementContext retrieves supporting chunks for an enhancement
func (c *Core) enhancementContext(ctx context.Context, selection, bookID string, chapterIdx *int) ([]rag.Chunk, error) {
	vec, err := c.embedQuery(ctx, selection)
	if err != nil {
		return nil, err
	}
	return c.retriever.Retrieve(ctx, selection, vec, bookID, chapterIdx)
}

// Start launches the three periodic housekeepers: minute-level cache
// maintenance, five-minute hotness recomputation, and five-minute
// vector-store maintenance. None of them block foreground requests.
func (c *Core) Start() {
	if c.started {
		return
	}
	c.started = true

	c.runPeriodic(time.Minute, func(ctx context.Context) {
		c.cache.Housekeep(ctx)
	})
	c.runPeriodic(5*time.Minute, func(ctx context.Context) {
		c.cache.RecomputeHotness(ctx)
	})
	c.runPeriodic(5*time.Minute, func(ctx context.Context) {
		evicted, pruned := c.vectors.Maintain(c.config.VectorMaxAge)
		if evicted+pruned > 0 {
			c.logger.Info("Vector maintenance completed", map[string]interface{}{
				"evicted": evicted,
				"pruned":  pruned,
			})
		}
		if c.embedLog != nil {
			cutoff := time.Now().Add(-c.config.VectorMaxAge)
			if _, err := c.embedLog.DeleteStale(ctx, cutoff); err != nil {
				c.logger.Warn("Stale embedding cleanup failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
		if c.audit != nil {
			if err := c.audit.Flush(ctx); err != nil {
				c.logger.Warn("Audit flush failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	})
}

func (c *Core) runPeriodic(interval time.Duration, fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				fn(ctx)
				cancel()
			}
		}
	}()
}

// Shutdown stops the housekeepers and flushes pending audit events.
// Safe to call more than once.
func (c *Core) Shutdown(ctx context.Context) {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if c.audit != nil {
		if err := c.audit.Flush(ctx); err != nil {
			c.logger.Warn("Final audit flush failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}
