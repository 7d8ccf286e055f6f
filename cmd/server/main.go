// Command server runs the bookmesh API: the streamed reading-companion
// pipeline over Postgres, an optional Redis response cache, and the
// OpenAI providers.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bookmesh/bookmesh/internal/api"
	"github.com/bookmesh/bookmesh/internal/config"
	"github.com/bookmesh/bookmesh/internal/core"
	"github.com/bookmesh/bookmesh/pkg/auth"
	"github.com/bookmesh/bookmesh/pkg/budget"
	"github.com/bookmesh/bookmesh/pkg/cache"
	"github.com/bookmesh/bookmesh/pkg/observability"
	"github.com/bookmesh/bookmesh/pkg/providers"
	"github.com/bookmesh/bookmesh/pkg/repository"
	"github.com/bookmesh/bookmesh/pkg/vector"
)

func main() {
	cfg, err := config.Load(os.Getenv("BOOKMESH_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger("server")
	metrics := observability.NewMetricsClient()

	store, err := repository.Connect(repository.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger.WithPrefix("db"))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = store.Close() }()

	var l2 cache.L2
	if cfg.Redis.Enabled && cfg.Cache.L2Enabled {
		redisConfig := cache.DefaultRedisConfig()
		redisConfig.Address = cfg.Redis.Addr
		redisConfig.Password = cfg.Redis.Password
		redisConfig.Database = cfg.Redis.DB
		redisConfig.KeyPrefix = "bookmesh:"

		redisL2, err := cache.NewRedisL2(redisConfig, logger.WithPrefix("cache.l2"))
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer func() { _ = redisL2.Close() }()
		l2 = redisL2
	}

	providerConfig := providers.DefaultOpenAIConfig()
	providerConfig.APIKey = cfg.OpenAI.APIKey
	if cfg.OpenAI.EmbeddingModel != "" {
		providerConfig.EmbeddingModel = cfg.OpenAI.EmbeddingModel
	}
	if cfg.OpenAI.CompletionModel != "" {
		providerConfig.CompletionModel = cfg.OpenAI.CompletionModel
	}
	provider, err := providers.NewOpenAIProvider(providerConfig, logger.WithPrefix("openai"))
	if err != nil {
		log.Fatalf("Failed to create OpenAI provider: %v", err)
	}

	auditSink := auth.NewAuditSink(store.Audit, logger.WithPrefix("audit"), metrics)
	authenticator := auth.NewAuthenticator(auth.Config{
		JWTSecret:         cfg.Security.JWTSecret,
		JWTExpiration:     cfg.Security.JWTExpiration,
		MaxFailedAttempts: cfg.Security.MaxFailedAttempts,
		BlockDuration:     cfg.Security.BlockDuration,
	}, nil, store.Users, auditSink, logger.WithPrefix("auth"), metrics)
	limits := cfg.RateLimits()
	limiter := auth.NewRateLimiter(limits, store.Windows, logger.WithPrefix("ratelimit"), metrics)

	multiCache := cache.New(cache.Config{
		L1: cache.L1Config{
			MaxBytes: cfg.Cache.L1MaxSizeMB << 20,
			Policy:   cache.EvictionPolicy(cfg.Cache.L1Strategy),
		},
		Policy: cache.PolicyConfig{
			HotMultiplier: cfg.Cache.HotTTLMultiplier,
			EnforceRLS:    cfg.Security.EnforceRLS,
			UserIsolation: !cfg.Security.AllowCrossUserCaching,
		},
		SemanticThreshold: cfg.Cache.SemanticThreshold,
		SemanticEnabled:   cfg.Cache.SemanticEnabled,
	}, l2, logger.WithPrefix("cache"), metrics)

	vectors := vector.NewStore(vector.StoreConfig{
		Dimension:        provider.Dimension(),
		CrossUserSharing: cfg.Security.AllowCrossUserCaching,
	}, logger.WithPrefix("vector"), metrics)

	pipeline := core.New(coreConfig(cfg), core.Deps{
		Cache:     multiCache,
		Vectors:   vectors,
		Embedder:  provider,
		Completer: provider,
		Chapters:  store.Chapters,
		Books:     store.Books,
		Dialogs:   store.Dialogs,
		EmbedLog:  store.Embeddings,
		Audit:     auditSink,
		Logger:    logger.WithPrefix("core"),
		Metrics:   metrics,
	})
	pipeline.Start()

	health := map[string]api.HealthCheck{
		"database": store.Ping,
	}
	if l2 != nil {
		health["redis"] = l2.Ping
	}

	server := api.NewServer(api.Config{
		ListenAddress:  cfg.API.ListenAddress,
		ReadTimeout:    cfg.API.ReadTimeout,
		WriteTimeout:   cfg.API.WriteTimeout,
		IdleTimeout:    cfg.API.IdleTimeout,
		RequestTimeout: cfg.API.RequestTimeout,
	}, api.Deps{
		Pipeline: pipeline,
		Auth:     authenticator,
		Limiter:  limiter,
		Limits:   limits,
		Books:    store.Books,
		Stats:    multiCache,
		Quality:  pipeline.Budget().Monitor(),
		Health:   health,
		Logger:   logger.WithPrefix("api"),
		Metrics:  metrics,
	})

	go func() {
		if err := server.Run(); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	pipeline.Shutdown(shutdownCtx)
	logger.Info("Server stopped gracefully", nil)
}

// coreConfig maps the loaded configuration onto the pipeline defaults
func coreConfig(cfg *config.Config) core.Config {
	c := core.DefaultConfig()

	c.Retriever.TopKInitial = cfg.Retriever.TopKInitial
	c.Retriever.SimilarityThreshold = cfg.Retriever.SimilarityThreshold
	c.MMR.Lambda = cfg.Retriever.MMRLambda
	c.MMR.TopKFinal = cfg.Retriever.TopKFinal

	c.Budget.DefaultStrategy = budget.Strategy(cfg.Budget.DefaultStrategy)
	c.Budget.MaxContextTokens = int(cfg.Budget.MaxContextTokens)
	c.Budget.MaxResponseTokens = int(cfg.Budget.MaxResponseTokens)
	c.Budget.CacheBias = cfg.Budget.CacheBias

	c.Chunker.TargetSize = cfg.Chunker.Target
	c.Chunker.Overlap = cfg.Chunker.Overlap

	c.Completion.Model = cfg.OpenAI.CompletionModel
	c.Completion.Temperature = cfg.OpenAI.Temperature
	c.Completion.EarlyStopEnabled = cfg.Completion.EarlyStopEnabled
	c.Completion.EarlyStopConfidence = cfg.Completion.EarlyStopConfidence

	c.Enhance.Model = cfg.OpenAI.CompletionModel

	return c
}
