package models

// QualityMetrics scores a generated answer along four axes, each in
// [0, 1].
type QualityMetrics struct {
	Relevance    float64 `json:"relevance"`
	Diversity    float64 `json:"diversity"`
	Completeness float64 `json:"completeness"`
	Coherence    float64 `json:"coherence"`
}

// Overall is the weighted mean of the four axes
func (q QualityMetrics) Overall() float64 {
	return 0.3*q.Relevance + 0.2*q.Diversity + 0.3*q.Completeness + 0.2*q.Coherence
}
