package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/hireloop/fitqueue/internal/ai"
)

const (
	defaultModel       = "gemini-2.5-flash"
	defaultTemperature = float32(0.2)
	retryBaseDelay     = 2 * time.Second
)

var sleep = time.Sleep

// contentCaller is the part of the genai client used by the generator.
// *genai.Models satisfies it.
type contentCaller interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Generator wraps the Google GenAI client to provide structured JSON generations.
type Generator struct {
	models      contentCaller
	modelName   string
	temperature float32
	maxRetries  int
	logger      *zap.Logger
}

// NewGenerator creates a new Generator configured for the Gemini API backend.
func NewGenerator(ctx context.Context, apiKey, model string, maxRetries int, logger *zap.Logger) (*Generator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	if model = strings.TrimSpace(model); model == "" {
		model = defaultModel
	}

	if maxRetries < 1 {
		maxRetries = 1
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Generator{
		models:      client.Models,
		modelName:   model,
		temperature: defaultTemperature,
		maxRetries:  maxRetries,
		logger:      logger,
	}, nil
}

// GenerateJSON sends the prompt to Gemini requesting a JSON response and
// returns the raw text plus token usage.
func (g *Generator) GenerateJSON(ctx context.Context, prompt string) (*ai.Generation, error) {
	if g == nil || g.models == nil {
		return nil, errors.New("gemini generator is not initialized")
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, errors.New("prompt must not be empty")
	}

	temperature := g.temperature
	cfg := &genai.GenerateContentConfig{
		Temperature:      &temperature,
		ResponseMIMEType: "application/json",
	}

	var resp *genai.GenerateContentResponse
	var err error

	for attempt := 1; ; attempt++ {
		resp, err = g.models.GenerateContent(ctx, g.modelName, genai.Text(prompt), cfg)
		if err == nil {
			break
		}
		if attempt >= g.maxRetries || !isTemporary(err) {
			return nil, fmt.Errorf("generate content: %w", err)
		}

		delay := retryBaseDelay * time.Duration(attempt)
		g.logger.Warn("temporary gemini error, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		sleep(delay)
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		return nil, errors.New("gemini api returned empty response")
	}

	generation := &ai.Generation{
		Text:  output,
		Model: g.modelName,
	}

	if resp.UsageMetadata != nil {
		generation.Usage = ai.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	return generation, nil
}

func (g *Generator) Model() string {
	if g == nil {
		return ""
	}
	return g.modelName
}

// isTemporary reports whether the provider error is worth an in-place retry.
// Rate-limit errors are not: their retry window is longer than a request is
// worth holding a worker slot for.
func isTemporary(err error) bool {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code >= http.StatusInternalServerError
}
