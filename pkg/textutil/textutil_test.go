package textutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("  Hello,   World!  "))
	assert.Equal(t, "", Normalize(""))
	assert.Equal(t, "well-known fact", Normalize("Well-Known fact."))
}

func TestTokensDropStopWords(t *testing.T) {
	tokens := Tokens("What is the meaning of life?")
	assert.Equal(t, []string{"meaning", "life"}, tokens)
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("The themes of war and peace in Tolstoy")
	b := Fingerprint("the themes of WAR and peace in tolstoy!!")
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
}

func TestFingerprintOfStopWordsOnly(t *testing.T) {
	// A selection of only stop words hashes the empty token list;
	// the result is still a well-formed fingerprint.
	fp := Fingerprint("the of and is")
	assert.Equal(t, Hash(""), fp)
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, Jaccard("alpha beta gamma", "gamma beta alpha"), 1e-9)
	assert.InDelta(t, 0.0, Jaccard("alpha beta", "gamma delta"), 1e-9)
	assert.InDelta(t, 1.0, Jaccard("", ""), 1e-9)

	// {a,b,c} vs {b,c,d}: 2/4
	assert.InDelta(t, 0.5, Jaccard("a b c", "b c d"), 1e-9)
}

func TestAnonymize(t *testing.T) {
	out := Anonymize("Napoleon invaded Russia in 1812 with 600000 men", 300)
	assert.NotContains(t, out, "Napoleon")
	assert.NotContains(t, out, "1812")
	assert.NotContains(t, out, "600000")
	assert.Contains(t, out, "[NAME]")
	assert.Contains(t, out, "[YEAR]")
	assert.Contains(t, out, "[NUM]")
}

func TestAnonymizeCapsLength(t *testing.T) {
	long := strings.Repeat("plain words only ", 50)
	assert.LessOrEqual(t, len(Anonymize(long, 300)), 300)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}
