package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
)

func TestTTLBaseByContentType(t *testing.T) {
	p := NewPolicy(DefaultPolicyConfig())
	assert.Equal(t, 15*time.Minute, p.TTL(ContentTypeResponse, 0, false))
	assert.Equal(t, time.Hour, p.TTL(ContentTypeEmbedding, 0, false))
	assert.Equal(t, 30*time.Minute, p.TTL(ContentTypeChunk, 0, false))
	assert.Equal(t, 20*time.Minute, p.TTL(ContentTypeSummary, 0, false))
}

func TestTTLAdaptiveBoostCapped(t *testing.T) {
	p := NewPolicy(DefaultPolicyConfig())
	base := p.TTL(ContentTypeResponse, 0, false)

	boosted := p.TTL(ContentTypeResponse, 3, false)
	assert.Equal(t, time.Duration(float64(base)*1.3), boosted)

	// accessCount 100 would boost 10x; the multiplier caps at 1.5
	capped := p.TTL(ContentTypeResponse, 100, false)
	assert.Equal(t, time.Duration(float64(base)*1.5), capped)
}

func TestTTLHotMultiplierAndClamp(t *testing.T) {
	p := NewPolicy(DefaultPolicyConfig())
	hot := p.TTL(ContentTypeResponse, 0, true)
	assert.Equal(t, 30*time.Minute, hot)

	// Embedding base is already the max; hot cannot exceed the clamp
	assert.Equal(t, maxTTL, p.TTL(ContentTypeEmbedding, 5, true))
}

func TestLifecycleMarks(t *testing.T) {
	p := NewPolicy(DefaultPolicyConfig())
	ttl, staleAfter, refreshAfter := p.Lifecycle(ContentTypeResponse, 0, false)
	assert.Equal(t, time.Duration(float64(ttl)*0.8), staleAfter)
	assert.Equal(t, time.Duration(float64(ttl)*0.9), refreshAfter)
	assert.Less(t, staleAfter, refreshAfter)
	assert.Less(t, refreshAfter, ttl)
}

func TestGatePublicOpenToAnyone(t *testing.T) {
	p := NewPolicy(DefaultPolicyConfig())
	entry := &Entry{Security: SecurityPublic}
	assert.NoError(t, p.Gate(entry, AccessContext{}))
	assert.NoError(t, p.Gate(entry, AccessContext{UserID: "anyone"}))
}

func TestGatePrivateRequiresOwner(t *testing.T) {
	p := NewPolicy(DefaultPolicyConfig())
	entry := &Entry{Security: SecurityPrivate, UserID: "alice"}

	err := p.Gate(entry, AccessContext{})
	assert.True(t, apperrors.Is(err, apperrors.ClassUnauthenticated))

	err = p.Gate(entry, AccessContext{UserID: "bob"})
	assert.True(t, apperrors.Is(err, apperrors.ClassForbidden))

	assert.NoError(t, p.Gate(entry, AccessContext{UserID: "alice"}))
}

func TestGatePrivateWithoutIsolation(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.UserIsolation = false
	p := NewPolicy(cfg)
	entry := &Entry{Security: SecurityPrivate, UserID: "alice"}
	assert.NoError(t, p.Gate(entry, AccessContext{UserID: "bob"}),
		"any authenticated user passes when isolation is off")
}

func TestGateEncryptedAlwaysRequiresOwner(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.UserIsolation = false
	p := NewPolicy(cfg)
	entry := &Entry{Security: SecurityEncrypted, UserID: "alice"}

	assert.Error(t, p.Gate(entry, AccessContext{}))
	assert.Error(t, p.Gate(entry, AccessContext{UserID: "bob"}))
	assert.NoError(t, p.Gate(entry, AccessContext{UserID: "alice"}))
}

func TestGateDisabledRLS(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.EnforceRLS = false
	p := NewPolicy(cfg)
	entry := &Entry{Security: SecurityEncrypted, UserID: "alice"}
	assert.NoError(t, p.Gate(entry, AccessContext{}))
}
