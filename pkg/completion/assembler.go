// Package completion builds prompts from selected context chunks and
// streams model output to the caller with usage accounting, early
// stopping, and paced replay of cached answers.
package completion

import (
	"fmt"
	"strings"

	"github.com/bookmesh/bookmesh/pkg/rag"
)

// PromptStyle selects between the two prompt variants
type PromptStyle string

const (
	StyleConcise PromptStyle = "concise"
	StyleVerbose PromptStyle = "verbose"
)

// conciseSystemCap bounds the concise system prompt length
const conciseSystemCap = 500

// AssembleInput carries everything the assembler composes from
type AssembleInput struct {
	Question  string
	Selection string
	Chunks    []rag.Chunk
	Style     PromptStyle
	// MaxUserChars caps the user prompt in concise style; 0 means no cap
	MaxUserChars int
}

// Prompt is an assembled system/user prompt pair
type Prompt struct {
	System string
	User   string
}

const conciseSystem = "You are a knowledgeable reading companion. Answer the reader's " +
	"question using the numbered context passages. Be accurate and concise. If the " +
	"context does not contain the answer, say so plainly."

const verboseSystem = "You are a knowledgeable reading companion helping a reader " +
	"understand the book they are currently reading. Answer the reader's question " +
	"using the numbered context passages below, quoting or paraphrasing them where " +
	"helpful. When the reader highlighted a passage, treat it as the focus of the " +
	"question. Explain literary devices, themes, and references at a level suited " +
	"to an attentive general reader. If the context does not contain the answer, " +
	"say so plainly rather than guessing. Keep the structure of your answer simple: " +
	"a direct response first, then supporting detail."

// Assemble composes the system and user prompts from the input
func Assemble(in AssembleInput) Prompt {
	system := verboseSystem
	if in.Style == StyleConcise {
		system = conciseSystem
		if len(system) > conciseSystemCap {
			system = system[:conciseSystemCap]
		}
	}

	var b strings.Builder
	for i, c := range in.Chunks {
		fmt.Fprintf(&b, "[Context %d] (Chapter %d, relevance: %.2f, diversity: %.2f): %s\n",
			i+1, c.Ref.ChapterIdx, c.Relevance, c.Diversity, c.Text)
	}
	if in.Selection != "" {
		fmt.Fprintf(&b, "\nHighlighted passage:\n%s\n", in.Selection)
	}
	fmt.Fprintf(&b, "\nQuestion: %s", in.Question)

	user := b.String()
	if in.Style == StyleConcise && in.MaxUserChars > 0 && len(user) > in.MaxUserChars {
		user = truncateKeepingQuestion(user, in.Question, in.MaxUserChars)
	}
	return Prompt{System: system, User: user}
}

// truncateKeepingQuestion trims context from the front so the question
// always survives a user-prompt cap.
func truncateKeepingQuestion(user, question string, maxChars int) string {
	tail := "\nQuestion: " + question
	if len(tail) >= maxChars {
		return tail[:maxChars]
	}
	return user[:maxChars-len(tail)] + tail
}
