// Package enhance produces structured knowledge artifacts for a text
// selection: classification, JSON-constrained generation, schema and
// cap validation, quality scoring, and a simpler fallback prompt when
// quality is poor.
package enhance

import "strings"

// Kind classifies what a selection is mostly about
type Kind string

const (
	KindConcept    Kind = "concept"
	KindHistorical Kind = "historical"
	KindCultural   Kind = "cultural"
	KindGeneral    Kind = "general"
)

// classifierTable maps keywords to classification votes
var classifierTable = map[Kind][]string{
	KindConcept: {
		"theory", "concept", "principle", "philosophy", "idea",
		"definition", "meaning", "symbol", "metaphor", "theme",
	},
	KindHistorical: {
		"war", "revolution", "century", "era", "empire", "king",
		"queen", "ancient", "medieval", "historical", "dynasty",
	},
	KindCultural: {
		"tradition", "custom", "ritual", "religion", "festival",
		"mythology", "folklore", "culture", "cuisine", "dialect",
	},
}

// Classify votes by keyword hits; ties and no hits fall back to
// general.
func Classify(selection string) Kind {
	lower := strings.ToLower(selection)
	best := KindGeneral
	bestHits := 0
	for _, kind := range []Kind{KindConcept, KindHistorical, KindCultural} {
		hits := 0
		for _, keyword := range classifierTable[kind] {
			if strings.Contains(lower, keyword) {
				hits++
			}
		}
		if hits > bestHits {
			best = kind
			bestHits = hits
		}
	}
	return best
}
