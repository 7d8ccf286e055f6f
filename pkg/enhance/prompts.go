package enhance

import (
	"fmt"
	"strings"

	"github.com/bookmesh/bookmesh/pkg/rag"
)

// systemPrompt instructs the model to answer with the artifact JSON
// only, tailored to the selection's classification.
func systemPrompt(kind Kind) string {
	var focus string
	switch kind {
	case KindConcept:
		focus = "Focus on defining the key concepts and ideas precisely."
	case KindHistorical:
		focus = "Focus on the historical events and periods the passage touches."
	case KindCultural:
		focus = "Focus on cultural references, traditions, and their origins."
	default:
		focus = "Cover concepts, historical background, and cultural references as relevant."
	}
	return strings.Join([]string{
		"You are a reading companion that explains book passages.",
		focus,
		"Respond with a single JSON object and nothing else. Shape:",
		`{"concepts":[{"term","definition","importance"}],` +
			`"historical":[{"event","period","relevance"}],` +
			`"cultural":[{"reference","origin","significance"}],` +
			`"connections":[{"topic","explanation"}]}`,
		"Limits: at most 5 concepts, 3 historical, 3 cultural, 4 connections.",
		`"importance" is one of "high", "medium", "low". Omit sections with nothing to say by using empty arrays.`,
	}, " ")
}

// fallbackSystemPrompt is the simpler regeneration prompt used when the
// first artifact scores below the quality floor.
const fallbackSystemPrompt = "You explain book passages. Respond with a single JSON object " +
	`of the shape {"concepts":[{"term","definition","importance"}],"historical":[],` +
	`"cultural":[],"connections":[]}. Give one to three concepts with plain one-sentence ` +
	`definitions and "importance" set to "medium". No other text.`

// userPrompt lists retrieved context ahead of the selection
func userPrompt(selection string, chunks []rag.Chunk) string {
	var b strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&b, "[Context %d] (Chapter %d): %s\n", i+1, c.Ref.ChapterIdx, c.Text)
	}
	fmt.Fprintf(&b, "\nPassage to enhance:\n%s", selection)
	return b.String()
}
