package cache

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/bookmesh/bookmesh/pkg/textutil"
)

// keyVersion tags every primary key; bumping it invalidates the whole
// keyspace without touching stored data.
const keyVersion = "v1"

// maxKeyLength caps primary keys; longer keys are replaced by a
// hash-suffixed truncation.
const maxKeyLength = 256

// hotPromotionThreshold promotes a key to hot-path after this many
// accesses.
const hotPromotionThreshold = 5

// hotPatterns match frequent question shapes that are cached
// aggressively.
var hotPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(what|who|when|where|how)\s+(is|are|was|were)\b`),
	regexp.MustCompile(`(?i)^\s*define\b`),
	regexp.MustCompile(`(?i)^\s*summarize\b`),
	regexp.MustCompile(`(?i)^\s*tell\s+me\s+about\b`),
}

// KeyRequest holds the salient fields a cache key is derived from
type KeyRequest struct {
	Message     string
	Selection   string
	ChapterIdx  *int
	Kind        string
	BookID      string
	UserID      string
	Public      bool
	Encrypted   bool
	ContentType ContentType
	Priority    Priority
}

// KeyMetadata describes how the generated key should be treated
type KeyMetadata struct {
	Strategy string        `json:"strategy"`
	HotPath  bool          `json:"hot_path"`
	Security SecurityLevel `json:"security"`
	TTLHint  ContentType   `json:"ttl_hint"`
}

// KeyResult is the generator output for one request
type KeyResult struct {
	PrimaryKey  string      `json:"primary_key"`
	SemanticKey string      `json:"semantic_key"`
	Namespace   string      `json:"namespace"`
	Tags        []string    `json:"tags"`
	Metadata    KeyMetadata `json:"metadata"`
}

// canonicalRequest is the deterministic shape hashed into the content
// hash. Field order is fixed by the struct; volatile fields (timestamps,
// request ids) never enter it.
type canonicalRequest struct {
	Message    string `json:"message"`
	Selection  string `json:"selection,omitempty"`
	ChapterIdx *int   `json:"chapter_idx,omitempty"`
	Kind       string `json:"kind,omitempty"`
	BookID     string `json:"book_id"`
}

// KeyGenerator derives primary and semantic cache keys. It tracks
// per-key access counts to promote repeatedly asked questions to the
// hot path.
type KeyGenerator struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewKeyGenerator creates a key generator
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{counts: make(map[string]int)}
}

// Generate derives the primary and semantic keys for a request.
// Two requests differing only in user id produce different primary
// keys in the auth namespace and identical keys in the public one.
func (g *KeyGenerator) Generate(req KeyRequest) KeyResult {
	contentType := req.ContentType
	if contentType == "" {
		contentType = ContentTypeResponse
	}
	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	selection := req.Selection
	if len(selection) > 100 {
		selection = selection[:100]
	}

	namespace := "public"
	security := SecurityPublic
	if !req.Public {
		namespace = "auth:" + textutil.Hash(req.UserID)
		security = SecurityPrivate
	}
	if req.Encrypted {
		namespace += ":enc"
		security = SecurityEncrypted
	}

	canonical, _ := json.Marshal(canonicalRequest{
		Message:    textutil.Normalize(req.Message),
		Selection:  selection,
		ChapterIdx: req.ChapterIdx,
		Kind:       req.Kind,
		BookID:     req.BookID,
	})
	contentHash := textutil.Hash(string(canonical))

	hot := g.isHotPath(req.Message, contentHash)

	parts := []string{keyVersion, namespace, string(contentType)}
	if hot {
		parts = append(parts, "hot")
	}
	parts = append(parts, "book:"+req.BookID, contentHash, string(priority))
	primary := strings.Join(parts, "|")
	if len(primary) > maxKeyLength {
		primary = primary[:maxKeyLength-17] + "#" + textutil.Hash(primary)
	}

	semantic := SemanticKey(contentType, req.Message)

	return KeyResult{
		PrimaryKey:  primary,
		SemanticKey: semantic,
		Namespace:   namespace,
		Tags:        []string{"book:" + req.BookID, "content-type:" + string(contentType)},
		Metadata: KeyMetadata{
			Strategy: "content-hash",
			HotPath:  hot,
			Security: security,
			TTLHint:  contentType,
		},
	}
}

// SemanticKey hashes the first 8 salient tokens of the message, sorted,
// under a content-type prefix.
func SemanticKey(contentType ContentType, message string) string {
	tokens := textutil.SalientTokens(message, 8)
	return fmt.Sprintf("sem:%s:%s", contentType, textutil.Hash(strings.Join(tokens, " ")))
}

// RecordAccess counts a lookup against the request's content hash so
// repeated questions get promoted.
func (g *KeyGenerator) RecordAccess(result KeyResult) {
	hash := contentHashOf(result.PrimaryKey)
	if hash == "" {
		return
	}
	g.mu.Lock()
	g.counts[hash]++
	g.mu.Unlock()
}

// isHotPath combines the intent regexes with the usage counter
func (g *KeyGenerator) isHotPath(message, contentHash string) bool {
	for _, p := range hotPatterns {
		if p.MatchString(message) {
			return true
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[contentHash] >= hotPromotionThreshold
}

// contentHashOf extracts the content-hash segment of a primary key
func contentHashOf(primaryKey string) string {
	parts := strings.Split(primaryKey, "|")
	if len(parts) < 2 {
		return ""
	}
	// Content hash is the second-to-last segment, before the priority
	return parts[len(parts)-2]
}
