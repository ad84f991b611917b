package ai

import "context"

// Usage reports the token counts consumed by a single generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Generation is the raw outcome of one provider call.
type Generation struct {
	Text  string
	Model string
	Usage Usage
}

// Generator produces a structured JSON completion for a prompt.
type Generator interface {
	GenerateJSON(ctx context.Context, prompt string) (*Generation, error)
	Model() string
}
