package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bookmesh/bookmesh/pkg/auth"
	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
	"github.com/bookmesh/bookmesh/pkg/models"
	"github.com/bookmesh/bookmesh/pkg/observability"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	userKey         = "user"
)

// RequestID assigns every request an id, echoed in the response header
// and carried through audit events and error envelopes.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// RequestLogger logs one structured line per request
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		logger.Info("Request completed", map[string]interface{}{
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"ip":         c.ClientIP(),
			"request_id": requestID(c),
		})
	}
}

// Metrics records per-route counters and latencies
func Metrics(metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		labels := map[string]string{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": strconv.Itoa(c.Writer.Status()),
		}
		metrics.IncrementCounterWithLabels("api.requests", 1, labels)
		metrics.RecordHistogram("api.request_duration", time.Since(start).Seconds(), labels)
	}
}

// authRequest builds the auth request from the gin context
func authRequest(c *gin.Context) auth.Request {
	return auth.Request{
		AuthorizationHeader: c.GetHeader("Authorization"),
		IP:                  c.ClientIP(),
		UserAgent:           c.Request.UserAgent(),
		Endpoint:            c.FullPath(),
		RequestID:           requestID(c),
	}
}

// Authenticate resolves the bearer token to a user. When required is
// false a missing header passes through as an anonymous request so
// public books stay readable without credentials; a present but
// invalid header is still a 401.
func (s *Server) Authenticate(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" && !required {
			c.Next()
			return
		}
		if s.auth == nil {
			renderError(c, apperrors.Unauthenticated("authentication is not configured"))
			return
		}
		user, err := s.auth.Authenticate(c.Request.Context(), authRequest(c))
		if err != nil {
			// A locked-out IP has no attempts left in its window
			if apperrors.Is(err, apperrors.ClassRateLimited) {
				c.Header("X-RateLimit-Remaining", "0")
			}
			renderError(c, err)
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *models.User {
	if v, ok := c.Get(userKey); ok {
		if user, ok := v.(*models.User); ok {
			return user
		}
	}
	return nil
}

// RateLimit applies the sliding-window limiter for the category and
// attaches the standard limit headers.
func (s *Server) RateLimit(category auth.Category) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		decision, err := s.limiter.Allow(c.Request.Context(), category, authRequest(c))
		limit := s.limits[category]
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit.MaxRequests))
		if decision.Remaining >= 0 {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		}
		if err != nil {
			if decision.RetryAfter > 0 {
				c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(decision.RetryAfter).Unix(), 10))
			}
			renderError(c, err)
			return
		}
		c.Next()
	}
}
