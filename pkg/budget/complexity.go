package budget

import (
	"regexp"
	"strings"
)

// ComplexityCategory buckets a query by its complexity score
type ComplexityCategory string

const (
	CategorySimple   ComplexityCategory = "simple"
	CategoryModerate ComplexityCategory = "moderate"
	CategoryComplex  ComplexityCategory = "complex"
)

// ComplexityFactors are the raw counts behind a complexity score
type ComplexityFactors struct {
	Length     int `json:"length"`
	Keywords   int `json:"keywords"`
	Entities   int `json:"entities"`
	Questions  int `json:"questions"`
	Analytical int `json:"analytical"`
}

// QueryComplexity is the scored complexity of a single query
type QueryComplexity struct {
	Score    float64            `json:"score"`
	Category ComplexityCategory `json:"category"`
	Factors  ComplexityFactors  `json:"factors"`
}

// analyticalVerbs are verbs that signal the query wants reasoning
// rather than lookup.
var analyticalVerbs = map[string]bool{
	"analyze": true, "compare": true, "contrast": true, "evaluate": true,
	"explain": true, "interpret": true, "examine": true, "assess": true,
	"critique": true, "discuss": true, "argue": true, "justify": true,
}

// analyticalConnectives signal multi-part reasoning within the query
var analyticalConnectives = map[string]bool{
	"because": true, "therefore": true, "however": true, "although": true,
	"moreover": true, "furthermore": true, "whereas": true, "consequently": true,
	"nevertheless": true, "thus": true,
}

var capitalizedWordRegex = regexp.MustCompile(`\b[A-Z][a-z]+\b`)

// AnalyzeComplexity scores a query in [0, 1] from five equally weighted
// factors: character length, analytical verbs, capitalized entities,
// question marks, and analytical connectives.
func AnalyzeComplexity(query string) QueryComplexity {
	factors := ComplexityFactors{
		Length:    len(query),
		Questions: strings.Count(query, "?"),
		Entities:  len(capitalizedWordRegex.FindAllString(query, -1)),
	}

	lower := strings.ToLower(query)
	for _, word := range strings.Fields(lower) {
		word = strings.Trim(word, ".,;:!?\"'")
		if analyticalVerbs[word] {
			factors.Keywords++
		}
		if analyticalConnectives[word] {
			factors.Analytical++
		}
	}

	score := 0.2*float64(factors.Length)/500 +
		0.2*float64(factors.Keywords)/10 +
		0.2*float64(factors.Entities)/5 +
		0.2*float64(factors.Questions)/3 +
		0.2*float64(factors.Analytical)/5
	score = clamp(score, 0, 1)

	category := CategoryComplex
	switch {
	case score < 0.33:
		category = CategorySimple
	case score < 0.67:
		category = CategoryModerate
	}

	return QueryComplexity{Score: score, Category: category, Factors: factors}
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
