package fit

import "time"

// Label is the five-bucket class derived from a fit score. It is always
// computed server-side from the score: bucket boundaries are a product
// decision, not something the model is trusted to enforce.
type Label string

const (
	LabelExceptional Label = "exceptional"
	LabelStrong      Label = "strong"
	LabelGood        Label = "good"
	LabelPartial     Label = "partial"
	LabelLow         Label = "low"
)

// LabelForScore maps a clamped 0-100 score onto its label bucket.
func LabelForScore(score int) Label {
	switch {
	case score >= 90:
		return LabelExceptional
	case score >= 75:
		return LabelStrong
	case score >= 60:
		return LabelGood
	case score >= 40:
		return LabelPartial
	default:
		return LabelLow
	}
}

// Result is one computed relevance score between a resume and a job posting.
type Result struct {
	Score         int       `json:"score"`
	Label         Label     `json:"label"`
	Reasons       []string  `json:"reasons"`
	Model         string    `json:"model"`
	CostUSD       float64   `json:"costUsd"`
	InputTokens   int       `json:"inputTokens"`
	OutputTokens  int       `json:"outputTokens"`
	DurationMS    int64     `json:"durationMs"`
	Cached        bool      `json:"cached"`
	ComputedAt    time.Time `json:"computedAt"`
	DigestVersion int       `json:"digestVersion"`
}

const maxReasons = 5
