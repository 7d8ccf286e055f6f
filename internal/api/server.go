// Package api exposes the reading companion over HTTP: a streamed
// chat endpoint, book indexing, stats, and health checks, with request
// ids, structured logging, authentication, and sliding-window rate
// limits applied as gin middleware.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bookmesh/bookmesh/internal/core"
	"github.com/bookmesh/bookmesh/pkg/auth"
	"github.com/bookmesh/bookmesh/pkg/budget"
	"github.com/bookmesh/bookmesh/pkg/cache"
	"github.com/bookmesh/bookmesh/pkg/models"
	"github.com/bookmesh/bookmesh/pkg/observability"
)

// Pipeline is the slice of the core the handlers drive
type Pipeline interface {
	Answer(ctx context.Context, req core.AnswerRequest, emit core.Emitter) error
	IndexBook(ctx context.Context, book *models.Book) (*core.IndexResult, error)
}

// Authenticator resolves bearer credentials to users
type Authenticator interface {
	Authenticate(ctx context.Context, req auth.Request) (*models.User, error)
}

// Limiter applies per-category sliding-window limits
type Limiter interface {
	Allow(ctx context.Context, category auth.Category, req auth.Request) (auth.Decision, error)
}

// StatsSource exposes cache counters for the stats endpoint
type StatsSource interface {
	Stats() cache.Stats
	HitRate() float64
}

// QualitySource exposes the answer-quality monitor state
type QualitySource interface {
	State() budget.QualityState
}

// HealthCheck probes one dependency; a non-nil error marks it down
type HealthCheck func(ctx context.Context) error

// Config holds the HTTP server settings
type Config struct {
	ListenAddress  string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	// MaxBodyBytes caps request bodies; zero uses 1 MiB
	MaxBodyBytes int64
}

// DefaultConfig returns the default server settings
func DefaultConfig() Config {
	return Config{
		ListenAddress:  ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    90 * time.Second,
		RequestTimeout: 30 * time.Second,
		MaxBodyBytes:   1 << 20,
	}
}

// Deps are the collaborators the server routes requests to. Auth,
// limiter, stats, and health checks may each be nil; the matching
// surface degrades rather than failing at startup.
type Deps struct {
	Pipeline Pipeline
	Auth     Authenticator
	Limiter  Limiter
	Limits   map[auth.Category]auth.Limit
	Books    core.BookStore
	Stats    StatsSource
	Quality  QualitySource
	Health   map[string]HealthCheck
	Logger   observability.Logger
	Metrics  observability.MetricsClient
}

// Server is the HTTP front of the reading companion
type Server struct {
	config   Config
	router   *gin.Engine
	server   *http.Server
	pipeline Pipeline
	auth     Authenticator
	limiter  Limiter
	limits   map[auth.Category]auth.Limit
	books    core.BookStore
	stats    StatsSource
	quality  QualitySource
	health   map[string]HealthCheck
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewServer builds the router and binds all routes
func NewServer(config Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger("api")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	limits := deps.Limits
	if limits == nil {
		limits = auth.DefaultLimits()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		config:   config,
		router:   router,
		pipeline: deps.Pipeline,
		auth:     deps.Auth,
		limiter:  deps.Limiter,
		limits:   limits,
		books:    deps.Books,
		stats:    deps.Stats,
		quality:  deps.Quality,
		health:   deps.Health,
		logger:   logger,
		metrics:  metrics,
		server: &http.Server{
			Addr:         config.ListenAddress,
			Handler:      router,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}

	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(RequestLogger(logger))
	router.Use(Metrics(metrics))

	router.GET("/healthz", s.handleHealth)

	v1 := router.Group("/api/v1")
	v1.POST("/chat", s.Authenticate(false), s.RateLimit(auth.CategoryChat), s.handleChat)
	v1.POST("/books/:id/index", s.Authenticate(true), s.RateLimit(auth.CategoryUpload), s.handleIndexBook)
	v1.POST("/feedback", s.Authenticate(false), s.RateLimit(auth.CategoryGeneral), s.handleFeedback)
	v1.GET("/stats", s.Authenticate(true), s.RateLimit(auth.CategoryGeneral), s.handleStats)

	return s
}

// Router exposes the gin engine for tests
func (s *Server) Router() http.Handler { return s.router }

// Run serves until the listener fails or Shutdown is called
func (s *Server) Run() error {
	s.logger.Info("API server listening", map[string]interface{}{
		"addr": s.config.ListenAddress,
	})
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until the context expires
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
