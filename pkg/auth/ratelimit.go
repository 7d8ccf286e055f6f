package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
	"github.com/bookmesh/bookmesh/pkg/observability"
)

// Category buckets requests for rate limiting
type Category string

const (
	CategoryAuth      Category = "auth"
	CategoryGeneral   Category = "general"
	CategoryUpload    Category = "upload"
	CategoryChat      Category = "chat"
	CategoryAutoNotes Category = "auto-notes"
)

// Limit is the per-category window configuration
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultLimits returns the per-category defaults
func DefaultLimits() map[Category]Limit {
	return map[Category]Limit{
		CategoryAuth:      {MaxRequests: 10, Window: time.Minute},
		CategoryGeneral:   {MaxRequests: 120, Window: time.Minute},
		CategoryUpload:    {MaxRequests: 10, Window: 10 * time.Minute},
		CategoryChat:      {MaxRequests: 30, Window: time.Minute},
		CategoryAutoNotes: {MaxRequests: 20, Window: time.Minute},
	}
}

// WindowRow is one recorded request in the sliding window
type WindowRow struct {
	ID        string    `db:"id"`
	Key       string    `db:"window_key"`
	Timestamp time.Time `db:"ts"`
	IP        string    `db:"ip"`
	UserAgent string    `db:"user_agent"`
	Endpoint  string    `db:"endpoint"`
}

// WindowStore persists sliding-window rows. Counting relies on the
// store's transactional guarantees; concurrent inserts are tolerated.
type WindowStore interface {
	// PurgeBefore removes rows for the key older than the cutoff
	PurgeBefore(ctx context.Context, key string, cutoff time.Time) error
	// Count returns the remaining rows for the key
	Count(ctx context.Context, key string) (int, error)
	// Insert records a new request row
	Insert(ctx context.Context, row WindowRow) error
}

// Decision is the limiter verdict for one request
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// burstFactor sizes the in-process token bucket relative to the
// configured window limit.
const burstFactor = 2

// RateLimiter applies sliding-window limits per category with IP-based
// keys. An in-process token bucket per key absorbs floods before they
// reach the window store; any store error denies the request.
type RateLimiter struct {
	limits  map[Category]Limit
	store   WindowStore
	logger  observability.Logger
	metrics observability.MetricsClient

	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	now func() time.Time
}

// NewRateLimiter creates a limiter; nil limits uses the defaults
func NewRateLimiter(limits map[Category]Limit, store WindowStore, logger observability.Logger, metrics observability.MetricsClient) *RateLimiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	if logger == nil {
		logger = observability.NewLogger("auth.ratelimit")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &RateLimiter{
		limits:  limits,
		store:   store,
		logger:  logger,
		metrics: metrics,
		buckets: make(map[string]*rate.Limiter),
		now:     time.Now,
	}
}

// bucket returns the in-process token bucket for a key, refilling at
// the window rate with headroom for short bursts.
func (r *RateLimiter) bucket(key string, limit Limit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[key]
	if !ok {
		perSecond := float64(limit.MaxRequests) / limit.Window.Seconds()
		b = rate.NewLimiter(rate.Limit(perSecond), limit.MaxRequests*burstFactor)
		r.buckets[key] = b
	}
	return b
}

// windowKey scopes rows by category and caller key
func windowKey(category Category, key string) string {
	return string(category) + ":" + key
}

// Allow purges expired rows, counts the remainder, and either denies
// with a retry-after or records the request. Store failures fail
// closed.
func (r *RateLimiter) Allow(ctx context.Context, category Category, req Request) (Decision, error) {
	limit, ok := r.limits[category]
	if !ok {
		limit = r.limits[CategoryGeneral]
	}
	if limit.MaxRequests <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	key := windowKey(category, req.IP)
	now := r.now()

	// Floods are cut off locally before the window store sees them
	if !r.bucket(key, limit).Allow() {
		r.metrics.IncrementCounterWithLabels("ratelimit.burst_denied", 1, map[string]string{
			"category": string(category),
		})
		return Decision{Allowed: false, RetryAfter: limit.Window},
			apperrors.RateLimited("rate limit exceeded", limit.Window).WithOperation(string(category))
	}

	if err := r.store.PurgeBefore(ctx, key, now.Add(-limit.Window)); err != nil {
		return r.failClosed(category, limit, err)
	}
	count, err := r.store.Count(ctx, key)
	if err != nil {
		return r.failClosed(category, limit, err)
	}
	if count >= limit.MaxRequests {
		r.metrics.IncrementCounterWithLabels("ratelimit.denied", 1, map[string]string{
			"category": string(category),
		})
		return Decision{Allowed: false, RetryAfter: limit.Window},
			apperrors.RateLimited("rate limit exceeded", limit.Window).WithOperation(string(category))
	}

	err = r.store.Insert(ctx, WindowRow{
		ID:        uuid.New().String(),
		Key:       key,
		Timestamp: now,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Endpoint:  req.Endpoint,
	})
	if err != nil {
		return r.failClosed(category, limit, err)
	}

	return Decision{Allowed: true, Remaining: limit.MaxRequests - count - 1}, nil
}

// failClosed denies the request when the backing store is unavailable
func (r *RateLimiter) failClosed(category Category, limit Limit, cause error) (Decision, error) {
	r.logger.Error("Rate limit store unavailable, denying request", map[string]interface{}{
		"category": string(category),
		"error":    cause.Error(),
	})
	return Decision{Allowed: false, RetryAfter: limit.Window},
		apperrors.Dependency(cause, "rate limiter unavailable").WithOperation(string(category))
}
