package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAuthNamespaceSeparatesUsers(t *testing.T) {
	g := NewKeyGenerator()
	base := KeyRequest{Message: "what happens in chapter three", BookID: "b1"}

	alice := base
	alice.UserID = "alice"
	bob := base
	bob.UserID = "bob"

	ka := g.Generate(alice)
	kb := g.Generate(bob)
	assert.NotEqual(t, ka.PrimaryKey, kb.PrimaryKey)
	assert.Equal(t, SecurityPrivate, ka.Metadata.Security)
}

func TestGeneratePublicNamespaceIgnoresUser(t *testing.T) {
	g := NewKeyGenerator()
	base := KeyRequest{Message: "what happens in chapter three", BookID: "b1", Public: true}

	alice := base
	alice.UserID = "alice"
	bob := base
	bob.UserID = "bob"

	assert.Equal(t, g.Generate(alice).PrimaryKey, g.Generate(bob).PrimaryKey)
	assert.Equal(t, "public", g.Generate(alice).Namespace)
}

func TestGenerateEncryptedSuffix(t *testing.T) {
	g := NewKeyGenerator()
	k := g.Generate(KeyRequest{Message: "private note", BookID: "b1", UserID: "alice", Encrypted: true})
	assert.True(t, strings.HasSuffix(k.Namespace, ":enc"))
	assert.Equal(t, SecurityEncrypted, k.Metadata.Security)
}

func TestGenerateHotPathPatterns(t *testing.T) {
	g := NewKeyGenerator()
	for _, msg := range []string{
		"What is the green light",
		"define hubris",
		"Summarize chapter two",
		"tell me about the narrator",
	} {
		k := g.Generate(KeyRequest{Message: msg, BookID: "b1", Public: true})
		assert.True(t, k.Metadata.HotPath, msg)
		assert.Contains(t, k.PrimaryKey, "|hot|", msg)
	}

	cold := g.Generate(KeyRequest{Message: "an unusual question nobody repeats", BookID: "b1", Public: true})
	assert.False(t, cold.Metadata.HotPath)
}

func TestGeneratePromotionAfterRepeatedAccess(t *testing.T) {
	g := NewKeyGenerator()
	req := KeyRequest{Message: "an unusual question nobody repeats", BookID: "b1", Public: true}

	k := g.Generate(req)
	require.False(t, k.Metadata.HotPath)
	for i := 0; i < 5; i++ {
		g.RecordAccess(k)
	}
	assert.True(t, g.Generate(req).Metadata.HotPath)
}

func TestGenerateKeyLengthCapped(t *testing.T) {
	g := NewKeyGenerator()
	k := g.Generate(KeyRequest{
		Message: "question",
		BookID:  strings.Repeat("x", 400),
		Public:  true,
	})
	assert.LessOrEqual(t, len(k.PrimaryKey), maxKeyLength)
	assert.Contains(t, k.PrimaryKey, "#", "truncated keys carry a hash suffix")
}

func TestGenerateDeterministic(t *testing.T) {
	g := NewKeyGenerator()
	req := KeyRequest{Message: "What is the Green Light?", BookID: "b1", Public: true}
	assert.Equal(t, g.Generate(req).PrimaryKey, g.Generate(req).PrimaryKey)
}

func TestSemanticKeySharedAcrossSelections(t *testing.T) {
	g := NewKeyGenerator()
	a := g.Generate(KeyRequest{Message: "what is the green light", Selection: "one passage", BookID: "b1", Public: true})
	b := g.Generate(KeyRequest{Message: "what is the green light", Selection: "another passage", BookID: "b1", Public: true})

	assert.NotEqual(t, a.PrimaryKey, b.PrimaryKey)
	assert.Equal(t, a.SemanticKey, b.SemanticKey)
	assert.True(t, strings.HasPrefix(a.SemanticKey, "sem:response:"))
}

func TestSelectionTruncatedBeforeHashing(t *testing.T) {
	g := NewKeyGenerator()
	long := strings.Repeat("s", 150)
	a := g.Generate(KeyRequest{Message: "q", Selection: long, BookID: "b1", Public: true})
	b := g.Generate(KeyRequest{Message: "q", Selection: long + "ignored tail", BookID: "b1", Public: true})
	assert.Equal(t, a.PrimaryKey, b.PrimaryKey, "only the first 100 selection chars are salient")
}
