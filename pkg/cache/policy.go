package cache

import (
	"time"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
)

// Base TTLs per content type, before clamping and multipliers.
var baseTTLs = map[ContentType]time.Duration{
	ContentTypeResponse:  15 * time.Minute,
	ContentTypeEmbedding: time.Hour,
	ContentTypeChunk:     30 * time.Minute,
	ContentTypeSummary:   20 * time.Minute,
	ContentTypeAnalysis:  20 * time.Minute,
}

const (
	minTTL = time.Minute
	maxTTL = time.Hour
)

// PolicyConfig holds TTL and access-gating settings
type PolicyConfig struct {
	// HotMultiplier scales TTLs of hot-path keys
	HotMultiplier float64
	// GracePeriod is the stale-serving window past TTL
	GracePeriod time.Duration
	// EnforceRLS turns on security-level gating
	EnforceRLS bool
	// UserIsolation additionally requires private entries to match the
	// requesting user.
	UserIsolation bool
}

// DefaultPolicyConfig returns the default policy settings
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		HotMultiplier: 2.0,
		GracePeriod:   5 * time.Minute,
		EnforceRLS:    true,
		UserIsolation: true,
	}
}

// Policy derives entry lifecycles and gates access
type Policy struct {
	config PolicyConfig
}

// NewPolicy creates a policy engine
func NewPolicy(config PolicyConfig) *Policy {
	if config.HotMultiplier <= 0 {
		config.HotMultiplier = 2.0
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 5 * time.Minute
	}
	return &Policy{config: config}
}

// GracePeriod returns the stale-serving window
func (p *Policy) GracePeriod() time.Duration { return p.config.GracePeriod }

// TTL derives the entry TTL: base by content type, scaled up for
// repeat access and hot-path keys, clamped to [1m, 1h].
func (p *Policy) TTL(contentType ContentType, accessCount int64, hot bool) time.Duration {
	base, ok := baseTTLs[contentType]
	if !ok {
		base = baseTTLs[ContentTypeResponse]
	}
	ttl := base
	if accessCount > 0 {
		boost := float64(accessCount) / 10
		if boost > 0.5 {
			boost = 0.5
		}
		ttl = time.Duration(float64(ttl) * (1 + boost))
	}
	if hot {
		ttl = time.Duration(float64(ttl) * p.config.HotMultiplier)
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	return ttl
}

// Lifecycle computes the TTL plus the derived stale and refresh marks
func (p *Policy) Lifecycle(contentType ContentType, accessCount int64, hot bool) (ttl, staleAfter, refreshAfter time.Duration) {
	ttl = p.TTL(contentType, accessCount, hot)
	staleAfter = time.Duration(float64(ttl) * 0.8)
	refreshAfter = time.Duration(float64(ttl) * 0.9)
	return ttl, staleAfter, refreshAfter
}

// Gate checks whether the caller may read the entry. Public entries
// are open; private entries need a user id, matching the owner when
// isolation is on; encrypted entries always need a user id.
func (p *Policy) Gate(entry *Entry, access AccessContext) error {
	if !p.config.EnforceRLS {
		return nil
	}
	switch entry.Security {
	case SecurityPublic:
		return nil
	case SecurityPrivate:
		if access.UserID == "" {
			return apperrors.Unauthenticated("authentication required for private entry")
		}
		if p.config.UserIsolation && access.UserID != entry.UserID {
			return apperrors.Forbidden("entry belongs to another user")
		}
		return nil
	case SecurityEncrypted:
		if access.UserID == "" {
			return apperrors.Unauthenticated("authentication required for encrypted entry")
		}
		if access.UserID != entry.UserID {
			return apperrors.Forbidden("entry belongs to another user")
		}
		return nil
	default:
		return apperrors.Forbidden("unknown security level")
	}
}
