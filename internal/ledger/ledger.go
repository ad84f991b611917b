// Package ledger records AI usage as append-only entries, one per billed
// call. The monthly quota limiter counts these entries.
package ledger

import (
	"context"
	"time"
)

// KindFit marks entries produced by fit-score computations.
const KindFit = "fit"

// Entry is one append-only usage record.
type Entry struct {
	UserID       string            `json:"userId"`
	Kind         string            `json:"kind"`
	Model        string            `json:"model"`
	InputTokens  int               `json:"inputTokens"`
	OutputTokens int               `json:"outputTokens"`
	CostUSD      float64           `json:"costUsd"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Ledger is the usage sink and the quota counting source.
type Ledger interface {
	Append(ctx context.Context, entry Entry) error
	CountSince(ctx context.Context, userID, kind string, since time.Time) (int, error)
}
