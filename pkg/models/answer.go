package models

// Usage is the token and cost accounting attached to every answer
type Usage struct {
	PromptTokens        int     `json:"prompt_tokens"`
	CompletionTokens    int     `json:"completion_tokens"`
	TotalTokens         int     `json:"total_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	ModelUsed           string  `json:"model_used"`
	Cached              bool    `json:"cached"`
	BudgetStrategy      string  `json:"budget_strategy"`
	EstimatedSavings    float64 `json:"estimated_savings"`
	QualityScore        float64 `json:"quality_score"`
	OptimizationApplied bool    `json:"optimization_applied"`
}

// SourceRef points a caller at the passage an answer drew from
type SourceRef struct {
	ChapterIdx int     `json:"chapter_idx"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Similarity float64 `json:"similarity"`
	Relevance  float64 `json:"relevance"`
	Diversity  float64 `json:"diversity"`
	Excerpt    string  `json:"excerpt,omitempty"`
}

// Answer is the cached artifact of one completed request
type Answer struct {
	Text       string      `json:"text"`
	Usage      Usage       `json:"usage"`
	Sources    []SourceRef `json:"sources,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	Kind       string      `json:"kind,omitempty"`
}
