// Package textutil holds the text normalization primitives shared by
// cache key generation, concept fingerprinting, and retrieval
// deduplication: tokenization with stop-word removal, stable hashing,
// Jaccard overlap, and anonymization of representative passages.
package textutil

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

var (
	whitespaceRegex  = regexp.MustCompile(`\s+`)
	punctuationRegex = regexp.MustCompile(`[^\w\s-]`)
	properNounRegex  = regexp.MustCompile(`\b[A-Z][a-z]+\b`)
	yearRegex        = regexp.MustCompile(`\b(1[0-9]{3}|20[0-9]{2})\b`)
	numberRegex      = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
)

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true,
	"i": true, "me": true, "my": true, "we": true, "our": true,
	"you": true, "your": true, "yours": true, "he": true, "him": true,
	"his": true, "she": true, "her": true, "it": true, "its": true,
	"they": true, "them": true, "their": true,
	"is": true, "am": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true,
	"would": true, "should": true, "could": true, "can": true, "may": true,
	"at": true, "by": true, "for": true, "with": true, "about": true,
	"into": true, "through": true, "before": true, "after": true,
	"to": true, "from": true, "up": true, "down": true, "in": true,
	"out": true, "on": true, "off": true, "over": true, "under": true,
	"and": true, "but": true, "or": true, "nor": true, "if": true,
	"then": true, "else": true, "when": true, "where": true, "how": true,
	"why": true, "what": true, "which": true, "who": true, "this": true,
	"that": true, "these": true, "those": true, "of": true, "as": true,
	"so": true, "than": true, "too": true, "very": true, "just": true,
	"not": true, "no": true,
}

// IsStopWord reports whether the lowercase word is a stop word
func IsStopWord(word string) bool { return stopWords[word] }

// Normalize lowercases, strips punctuation, and collapses whitespace.
func Normalize(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = punctuationRegex.ReplaceAllString(normalized, " ")
	normalized = whitespaceRegex.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// Tokens returns the normalized non-stop-word tokens of the text.
func Tokens(text string) []string {
	words := strings.Fields(Normalize(text))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if stopWords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

// SalientTokens returns the first n content tokens in sorted order,
// the input to fingerprint and semantic-key hashing.
func SalientTokens(text string, n int) []string {
	tokens := Tokens(text)
	if len(tokens) > n {
		tokens = tokens[:n]
	}
	sorted := append([]string(nil), tokens...)
	sort.Strings(sorted)
	return sorted
}

// Hash returns a hex-encoded SHA-256 prefix of the input, long enough
// for key construction without bloating key length.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

// Fingerprint computes the concept fingerprint of a text: a hash over
// its first 8 salient tokens, sorted. The hash of an empty token list
// is well-defined.
func Fingerprint(text string) string {
	return Hash(strings.Join(SalientTokens(text, 8), " "))
}

// TokenSet returns the unique word set of the text for overlap checks.
func TokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(Normalize(text)) {
		set[w] = true
	}
	return set
}

// Jaccard computes word-set overlap between two texts in [0, 1].
func Jaccard(a, b string) float64 {
	return JaccardSets(TokenSet(a), TokenSet(b))
}

// JaccardSets computes the Jaccard index of two word sets.
func JaccardSets(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// Anonymize replaces proper nouns, years, and remaining numbers with
// placeholders and caps the result at maxLen characters.
func Anonymize(text string, maxLen int) string {
	out := properNounRegex.ReplaceAllString(text, "[NAME]")
	out = yearRegex.ReplaceAllString(out, "[YEAR]")
	out = numberRegex.ReplaceAllString(out, "[NUM]")
	if maxLen > 0 {
		runes := []rune(out)
		if len(runes) > maxLen {
			out = string(runes[:maxLen])
		}
	}
	return out
}

// EstimateTokens approximates LLM token count as ceil(chars/4).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
