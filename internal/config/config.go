// Package config loads the server configuration from an optional YAML
// file plus environment variables, with defaults for every tunable.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/bookmesh/bookmesh/pkg/auth"
)

// APIConfig holds the HTTP server settings
type APIConfig struct {
	ListenAddress  string        `mapstructure:"listen_address"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DatabaseConfig holds the Postgres pool settings
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds the L2 cache backend settings
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ChunkerConfig holds the chapter chunking parameters
type ChunkerConfig struct {
	Target  int `mapstructure:"target"`
	Overlap int `mapstructure:"overlap"`
}

// RetrieverConfig holds the RAG retrieval parameters
type RetrieverConfig struct {
	TopKInitial         int     `mapstructure:"top_k_initial"`
	TopKFinal           int     `mapstructure:"top_k_final"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	MMRLambda           float64 `mapstructure:"mmr_lambda"`
}

// BudgetConfig holds the context budget parameters
type BudgetConfig struct {
	DefaultStrategy   string  `mapstructure:"default_strategy"`
	MaxContextTokens  float64 `mapstructure:"max_context_tokens"`
	MaxResponseTokens float64 `mapstructure:"max_response_tokens"`
	CacheBias         float64 `mapstructure:"cache_bias"`
}

// CacheConfig holds the multi-layer cache parameters
type CacheConfig struct {
	L1MaxSizeMB           int     `mapstructure:"l1_max_size_mb"`
	L1Strategy            string  `mapstructure:"l1_strategy"`
	L2Enabled             bool    `mapstructure:"l2_enabled"`
	SemanticEnabled       bool    `mapstructure:"semantic_enabled"`
	SemanticThreshold     float64 `mapstructure:"semantic_threshold"`
	HotPromotionThreshold float64 `mapstructure:"hot_promotion_threshold"`
	HotTTLMultiplier      float64 `mapstructure:"hot_ttl_multiplier"`
}

// SecurityConfig holds auth and cache security settings
type SecurityConfig struct {
	JWTSecret             string        `mapstructure:"jwt_secret"`
	JWTExpiration         time.Duration `mapstructure:"jwt_expiration"`
	MaxFailedAttempts     int           `mapstructure:"max_failed_attempts"`
	BlockDuration         time.Duration `mapstructure:"block_duration"`
	EnforceRLS            bool          `mapstructure:"enforce_rls"`
	AllowCrossUserCaching bool          `mapstructure:"allow_cross_user_caching"`
	MaxCacheableBytes     int           `mapstructure:"max_cacheable_bytes"`
}

// RateLimitRule is one category's window configuration
type RateLimitRule struct {
	Max      int `mapstructure:"max"`
	WindowMs int `mapstructure:"window_ms"`
}

// OpenAIConfig holds provider settings
type OpenAIConfig struct {
	APIKey          string  `mapstructure:"api_key"`
	EmbeddingModel  string  `mapstructure:"embedding_model"`
	CompletionModel string  `mapstructure:"completion_model"`
	Temperature     float32 `mapstructure:"temperature"`
}

// CompletionConfig holds streamed completion settings
type CompletionConfig struct {
	EarlyStopEnabled    bool    `mapstructure:"early_stop_enabled"`
	EarlyStopConfidence float64 `mapstructure:"early_stop_confidence"`
}

// Config is the complete server configuration
type Config struct {
	Environment string                   `mapstructure:"environment"`
	API         APIConfig                `mapstructure:"api"`
	Database    DatabaseConfig           `mapstructure:"database"`
	Redis       RedisConfig              `mapstructure:"redis"`
	Chunker     ChunkerConfig            `mapstructure:"chunker"`
	Retriever   RetrieverConfig          `mapstructure:"retriever"`
	Budget      BudgetConfig             `mapstructure:"budget"`
	Cache       CacheConfig              `mapstructure:"cache"`
	Security    SecurityConfig           `mapstructure:"security"`
	RateLimit   map[string]RateLimitRule `mapstructure:"rate_limit"`
	OpenAI      OpenAIConfig             `mapstructure:"openai"`
	Completion  CompletionConfig         `mapstructure:"completion"`
}

// Load reads configuration from the optional file path, a .env file if
// present, and environment variables. Every key has a default.
func Load(path string) (*Config, error) {
	// A missing .env is the normal case outside local development
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	// Environment overrides arrive as strings; decode them weakly
	weak := func(dc *mapstructure.DecoderConfig) { dc.WeaklyTypedInput = true }
	if err := v.Unmarshal(&config, weak); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	if c.Environment != "dev" && c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required outside dev")
	}
	if c.Budget.MaxContextTokens < 500 {
		return fmt.Errorf("budget.max_context_tokens must be at least 500")
	}
	if c.Budget.MaxResponseTokens < 150 {
		return fmt.Errorf("budget.max_response_tokens must be at least 150")
	}
	switch c.Budget.DefaultStrategy {
	case "aggressive", "balanced", "conservative", "adaptive":
	default:
		return fmt.Errorf("budget.default_strategy %q is not a known strategy", c.Budget.DefaultStrategy)
	}
	return nil
}

// RateLimits converts the configured rules to limiter categories,
// falling back to the limiter defaults for absent categories.
func (c *Config) RateLimits() map[auth.Category]auth.Limit {
	limits := auth.DefaultLimits()
	for name, rule := range c.RateLimit {
		if rule.Max <= 0 || rule.WindowMs <= 0 {
			continue
		}
		limits[auth.Category(name)] = auth.Limit{
			MaxRequests: rule.Max,
			Window:      time.Duration(rule.WindowMs) * time.Millisecond,
		}
	}
	return limits
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 60*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)
	v.SetDefault("api.request_timeout", 30*time.Second)

	v.SetDefault("database.dsn", "postgres://localhost:5432/bookmesh?sslmode=disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("chunker.target", 600)
	v.SetDefault("chunker.overlap", 150)

	v.SetDefault("retriever.top_k_initial", 8)
	v.SetDefault("retriever.top_k_final", 3)
	v.SetDefault("retriever.similarity_threshold", 0.75)
	v.SetDefault("retriever.mmr_lambda", 0.7)

	v.SetDefault("budget.default_strategy", "adaptive")
	v.SetDefault("budget.max_context_tokens", 1500)
	v.SetDefault("budget.max_response_tokens", 400)
	v.SetDefault("budget.cache_bias", 1.0)

	v.SetDefault("cache.l1_max_size_mb", 50)
	v.SetDefault("cache.l1_strategy", "lru")
	v.SetDefault("cache.l2_enabled", true)
	v.SetDefault("cache.semantic_enabled", true)
	v.SetDefault("cache.semantic_threshold", 0.8)
	v.SetDefault("cache.hot_promotion_threshold", 0.7)
	v.SetDefault("cache.hot_ttl_multiplier", 2.0)

	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.jwt_expiration", 24*time.Hour)
	v.SetDefault("security.max_failed_attempts", 5)
	v.SetDefault("security.block_duration", 15*time.Minute)
	v.SetDefault("security.enforce_rls", true)
	v.SetDefault("security.allow_cross_user_caching", false)
	v.SetDefault("security.max_cacheable_bytes", 1<<20)

	v.SetDefault("rate_limit.auth.max", 10)
	v.SetDefault("rate_limit.auth.window_ms", 60_000)
	v.SetDefault("rate_limit.general.max", 120)
	v.SetDefault("rate_limit.general.window_ms", 60_000)
	v.SetDefault("rate_limit.upload.max", 10)
	v.SetDefault("rate_limit.upload.window_ms", 600_000)
	v.SetDefault("rate_limit.chat.max", 30)
	v.SetDefault("rate_limit.chat.window_ms", 60_000)
	v.SetDefault("rate_limit.auto-notes.max", 20)
	v.SetDefault("rate_limit.auto-notes.window_ms", 60_000)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("openai.completion_model", "gpt-4o-mini")
	v.SetDefault("openai.temperature", 0.7)

	v.SetDefault("completion.early_stop_enabled", true)
	v.SetDefault("completion.early_stop_confidence", 0.9)
}
