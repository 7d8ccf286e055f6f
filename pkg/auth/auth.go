// Package auth provides the request-facing security surface: bearer
// token authentication with IP lockout, sliding-window rate limiting
// over persistence-backed counters, and audit event recording. Both
// the limiter and the authenticator fail closed on backing-store
// errors.
package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
	"github.com/bookmesh/bookmesh/pkg/models"
	"github.com/bookmesh/bookmesh/pkg/observability"
	"github.com/bookmesh/bookmesh/pkg/providers"
)

// UserStore checks resolved identities against persistence
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Claims are the JWT claims bookmesh issues and accepts
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Config holds authenticator settings
type Config struct {
	// JWTSecret enables local HMAC token validation; empty falls back
	// to the identity provider alone.
	JWTSecret     string
	JWTExpiration time.Duration
	// MaxFailedAttempts blocks an IP after this many failures
	MaxFailedAttempts int
	// BlockDuration is how long a blocked IP stays blocked
	BlockDuration time.Duration
}

// DefaultConfig returns the default authenticator settings
func DefaultConfig() Config {
	return Config{
		JWTExpiration:     24 * time.Hour,
		MaxFailedAttempts: 5,
		BlockDuration:     15 * time.Minute,
	}
}

type failedAttempts struct {
	count        int
	blockedUntil time.Time
}

// Authenticator validates bearer credentials, cross-checks users
// against persistence, and locks out brute-forcing IPs.
type Authenticator struct {
	config   Config
	identity providers.IdentityProvider
	users    UserStore
	audit    *AuditSink
	logger   observability.Logger
	metrics  observability.MetricsClient

	mu       sync.Mutex
	failures map[string]*failedAttempts

	now func() time.Time
}

// NewAuthenticator creates an authenticator. identity may be nil when
// JWTSecret is set; users is required.
func NewAuthenticator(config Config, identity providers.IdentityProvider, users UserStore, audit *AuditSink, logger observability.Logger, metrics observability.MetricsClient) *Authenticator {
	if config.MaxFailedAttempts <= 0 {
		config.MaxFailedAttempts = 5
	}
	if config.BlockDuration <= 0 {
		config.BlockDuration = 15 * time.Minute
	}
	if config.JWTExpiration <= 0 {
		config.JWTExpiration = 24 * time.Hour
	}
	if logger == nil {
		logger = observability.NewLogger("auth")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Authenticator{
		config:   config,
		identity: identity,
		users:    users,
		audit:    audit,
		logger:   logger,
		metrics:  metrics,
		failures: make(map[string]*failedAttempts),
		now:      time.Now,
	}
}

// Request carries the credentials and caller metadata of one attempt
type Request struct {
	AuthorizationHeader string
	IP                  string
	UserAgent           string
	Endpoint            string
	RequestID           string
}

// Authenticate validates the bearer credential and returns the user.
// Failures are audited and counted toward the IP lockout; success
// resets the counter.
func (a *Authenticator) Authenticate(ctx context.Context, req Request) (*models.User, error) {
	ctx, span := observability.StartSpan(ctx, "auth.authenticate")
	defer span.End()

	if remaining, blocked := a.blockedFor(req.IP); blocked {
		a.recordFailure(ctx, req, "", "ip blocked")
		return nil, apperrors.RateLimited("too many failed attempts", remaining).WithOperation("auth")
	}

	token, err := extractBearer(req.AuthorizationHeader)
	if err != nil {
		a.recordFailure(ctx, req, "", err.Error())
		return nil, err
	}

	identity, err := a.resolve(ctx, token)
	if err != nil {
		a.recordFailure(ctx, req, "", "credential rejected")
		return nil, apperrors.Unauthenticated("invalid credential").WithOperation("auth")
	}

	// Cross-check the resolved identity against persistence; an error
	// here denies the request rather than trusting the token alone.
	user, err := a.users.GetUser(ctx, identity.UserID)
	if err != nil {
		if apperrors.Is(err, apperrors.ClassNotFound) {
			a.recordFailure(ctx, req, identity.UserID, "unknown user")
			return nil, apperrors.Unauthenticated("unknown user").WithOperation("auth")
		}
		a.recordFailure(ctx, req, identity.UserID, "user lookup failed")
		return nil, apperrors.Dependency(err, "user verification unavailable").WithOperation("auth")
	}

	a.resetFailures(req.IP)
	if a.audit != nil {
		a.audit.Record(AuditEvent{
			Type:      "auth_success",
			UserID:    user.ID,
			IP:        req.IP,
			UserAgent: req.UserAgent,
			Endpoint:  req.Endpoint,
			RequestID: req.RequestID,
			Success:   true,
		})
	}
	a.metrics.IncrementCounterWithLabels("auth.attempts", 1, map[string]string{"outcome": "success"})
	return user, nil
}

// resolve validates the token locally when a secret is configured and
// otherwise defers to the identity provider.
func (a *Authenticator) resolve(ctx context.Context, token string) (*providers.Identity, error) {
	if a.config.JWTSecret != "" {
		if identity, err := a.validateJWT(token); err == nil {
			return identity, nil
		} else if a.identity == nil {
			return nil, err
		}
	}
	if a.identity == nil {
		return nil, apperrors.Unauthenticated("no identity provider configured")
	}
	return a.identity.Resolve(ctx, token)
}

// validateJWT parses and verifies an HMAC-signed token
func (a *Authenticator) validateJWT(tokenString string) (*providers.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.Unauthenticated("unexpected signing method")
		}
		return []byte(a.config.JWTSecret), nil
	})
	if err != nil {
		return nil, apperrors.Unauthenticated("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, apperrors.Unauthenticated("invalid token claims")
	}
	return &providers.Identity{UserID: claims.UserID, Email: claims.Email}, nil
}

// IssueToken signs a token for the user; used by login flows and tests
func (a *Authenticator) IssueToken(user *models.User) (string, error) {
	if a.config.JWTSecret == "" {
		return "", apperrors.Consistency("jwt secret not configured")
	}
	now := a.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiration)),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID: user.ID,
		Email:  user.Email,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

func (a *Authenticator) isBlocked(ip string) bool {
	_, blocked := a.blockedFor(ip)
	return blocked
}

// blockedFor reports whether the IP is locked out and how long the
// block still has to run.
func (a *Authenticator) blockedFor(ip string) (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.failures[ip]
	if !ok {
		return 0, false
	}
	remaining := f.blockedUntil.Sub(a.now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

func (a *Authenticator) recordFailure(ctx context.Context, req Request, userID, reason string) {
	a.mu.Lock()
	f, ok := a.failures[req.IP]
	if !ok {
		f = &failedAttempts{}
		a.failures[req.IP] = f
	}
	f.count++
	blocked := false
	if f.count >= a.config.MaxFailedAttempts {
		f.blockedUntil = a.now().Add(a.config.BlockDuration)
		f.count = 0
		blocked = true
	}
	a.mu.Unlock()

	if blocked {
		a.logger.Warn("IP blocked after repeated auth failures", map[string]interface{}{
			"ip":       req.IP,
			"duration": a.config.BlockDuration.String(),
		})
	}
	if a.audit != nil {
		a.audit.Record(AuditEvent{
			Type:      "auth_failure",
			UserID:    userID,
			IP:        req.IP,
			UserAgent: req.UserAgent,
			Endpoint:  req.Endpoint,
			RequestID: req.RequestID,
			Success:   false,
			Detail:    reason,
		})
	}
	a.metrics.IncrementCounterWithLabels("auth.attempts", 1, map[string]string{"outcome": "failure"})
}

func (a *Authenticator) resetFailures(ip string) {
	a.mu.Lock()
	delete(a.failures, ip)
	a.mu.Unlock()
}

// extractBearer pulls the token out of an Authorization header
func extractBearer(header string) (string, error) {
	if header == "" {
		return "", apperrors.Unauthenticated("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", apperrors.Unauthenticated("malformed authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}
