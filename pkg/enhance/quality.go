package enhance

import (
	"github.com/bookmesh/bookmesh/pkg/textutil"
)

// qualityFloor triggers the fallback regeneration path
const qualityFloor = 0.7

// Quality scores an artifact on four axes in [0, 1]
type Quality struct {
	Accuracy     float64 `json:"accuracy"`
	Relevance    float64 `json:"relevance"`
	Completeness float64 `json:"completeness"`
	Clarity      float64 `json:"clarity"`
}

// Overall is the unweighted mean of the four axes
func (q Quality) Overall() float64 {
	return (q.Accuracy + q.Relevance + q.Completeness + q.Clarity) / 4
}

// ScoreArtifact computes quality metrics for an artifact against the
// selection it was generated for.
func ScoreArtifact(artifact *Artifact, selection string) Quality {
	return Quality{
		Accuracy:     accuracyScore(artifact),
		Relevance:    relevanceScore(artifact, selection),
		Completeness: completenessScore(artifact),
		Clarity:      clarityScore(artifact),
	}
}

// accuracyScore starts from a 0.8 baseline and adjusts for definition
// length and structural soundness. There is no ground truth to compare
// against, so this is a structural proxy.
func accuracyScore(artifact *Artifact) float64 {
	if artifact.ItemCount() == 0 {
		return 0.3
	}
	score := 0.8
	defs := definitions(artifact)
	var total, short int
	for _, d := range defs {
		total += len(d)
		if len(d) < 10 {
			short++
		}
	}
	if len(defs) > 0 {
		avg := total / len(defs)
		if avg >= 20 && avg <= 300 {
			score += 0.1
		}
	}
	if short > 0 {
		score -= 0.2
	}
	return clamp(score, 0, 1)
}

// relevanceScore measures keyword overlap between the artifact's terms
// and the selection text.
func relevanceScore(artifact *Artifact, selection string) float64 {
	selectionSet := textutil.TokenSet(selection)
	if len(selectionSet) == 0 {
		return 0.5
	}
	var terms []string
	for _, c := range artifact.Concepts {
		terms = append(terms, c.Term)
	}
	for _, h := range artifact.Historical {
		terms = append(terms, h.Event)
	}
	for _, c := range artifact.Cultural {
		terms = append(terms, c.Reference)
	}
	for _, c := range artifact.Connections {
		terms = append(terms, c.Topic)
	}
	if len(terms) == 0 {
		return 0.0
	}
	overlapping := 0
	for _, term := range terms {
		for token := range textutil.TokenSet(term) {
			if selectionSet[token] {
				overlapping++
				break
			}
		}
	}
	return clamp(float64(overlapping)/float64(len(terms)), 0, 1)
}

// completenessScore rewards richer artifacts, saturating at four items
func completenessScore(artifact *Artifact) float64 {
	return clamp(float64(artifact.ItemCount())/4, 0, 1)
}

// clarityScore bands the average definition length: too short reads as
// vague, too long as rambling.
func clarityScore(artifact *Artifact) float64 {
	defs := definitions(artifact)
	if len(defs) == 0 {
		return 0.4
	}
	total := 0
	for _, d := range defs {
		total += len(d)
	}
	switch avg := total / len(defs); {
	case avg < 20:
		return 0.4
	case avg < 80:
		return 0.8
	case avg <= 200:
		return 1.0
	case avg <= 400:
		return 0.7
	default:
		return 0.5
	}
}

// definitions collects the explanatory text of every item
func definitions(artifact *Artifact) []string {
	var out []string
	for _, c := range artifact.Concepts {
		out = append(out, c.Definition)
	}
	for _, h := range artifact.Historical {
		out = append(out, h.Relevance)
	}
	for _, c := range artifact.Cultural {
		out = append(out, c.Significance)
	}
	for _, c := range artifact.Connections {
		out = append(out, c.Explanation)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
