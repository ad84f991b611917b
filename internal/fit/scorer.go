package fit

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hireloop/fitqueue/internal/ai"
	"github.com/hireloop/fitqueue/internal/governor"
	"github.com/hireloop/fitqueue/internal/ledger"
	"github.com/hireloop/fitqueue/internal/utils"
)

//go:embed prompts/fit.md
var fitPromptTemplate string

const defaultCallTimeout = 30 * time.Second

// CircuitOpenError reports a governor denial. Transient by nature: queued
// work re-attempts via the queue's backoff instead of busy-polling.
type CircuitOpenError struct {
	Reason         governor.Reason
	DailySpentUSD  float64
	DailyBudgetUSD float64
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("ai service temporarily unavailable: %s", e.Reason)
}

// Gate is the slice of the governor the scorer uses.
type Gate interface {
	CheckAndReserve(ctx context.Context) (governor.Decision, error)
	Release(ctx context.Context)
	RecordSpend(ctx context.Context, usd float64) error
}

// Pricing converts token usage into USD at per-million-token rates.
type Pricing struct {
	InputPerMillionUSD  float64
	OutputPerMillionUSD float64
}

func (p Pricing) Cost(usage ai.Usage) float64 {
	return float64(usage.InputTokens)/1e6*p.InputPerMillionUSD +
		float64(usage.OutputTokens)/1e6*p.OutputPerMillionUSD
}

// ComputeInput is one scoring request.
type ComputeInput struct {
	OwnerID    string
	TargetID   string
	ResumeText string
	Digest     *Digest
}

// Scorer makes one governed AI call per Compute and derives the label
// server-side. Construct once per process and share by reference.
type Scorer struct {
	generator ai.Generator
	gate      Gate
	usage     ledger.Ledger
	pricing   Pricing
	timeout   time.Duration
	logger    *zap.Logger
	maxLogLen int
	now       func() time.Time
}

func NewScorer(generator ai.Generator, gate Gate, usage ledger.Ledger, pricing Pricing, timeout time.Duration, logger *zap.Logger, maxLogLength int) *Scorer {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	if maxLogLength <= 0 {
		maxLogLength = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{
		generator: generator,
		gate:      gate,
		usage:     usage,
		pricing:   pricing,
		timeout:   timeout,
		logger:    logger,
		maxLogLen: maxLogLength,
		now:       time.Now,
	}
}

// Compute scores one resume against one digest. The governor slot is
// released on every exit path, including provider and parse failures.
func (s *Scorer) Compute(ctx context.Context, in ComputeInput) (*Result, error) {
	if in.Digest == nil {
		return nil, fmt.Errorf("digest is required")
	}
	if in.ResumeText == "" {
		return nil, fmt.Errorf("resume text is required")
	}

	decision, err := s.gate.CheckAndReserve(ctx)
	if err != nil {
		return nil, fmt.Errorf("governor check: %w", err)
	}
	if !decision.Allowed {
		return nil, &CircuitOpenError{
			Reason:         decision.Reason,
			DailySpentUSD:  decision.DailySpentUSD,
			DailyBudgetUSD: decision.DailyBudgetUSD,
		}
	}
	// The release must survive caller cancellation, otherwise a cancelled
	// request leaks a concurrency slot for everyone.
	defer s.gate.Release(context.WithoutCancel(ctx))

	prompt, err := buildFitPrompt(in.Digest, in.ResumeText)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("fit scoring request",
		zap.String("owner_id", in.OwnerID),
		zap.String("target_id", in.TargetID),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, s.maxLogLen)),
	)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := s.now()
	generation, err := s.generator.GenerateJSON(callCtx, prompt)
	if err != nil {
		return nil, fmt.Errorf("fit generation: %w", err)
	}
	duration := s.now().Sub(started)

	s.logger.Debug("fit scoring response",
		zap.String("owner_id", in.OwnerID),
		zap.String("target_id", in.TargetID),
		zap.String("response_preview", utils.TruncateForLog(generation.Text, s.maxLogLen)),
	)

	score, reasons, err := parseFitResponse(generation.Text)
	if err != nil {
		return nil, err
	}

	cost := s.pricing.Cost(generation.Usage)

	result := &Result{
		Score:         score,
		Label:         LabelForScore(score),
		Reasons:       reasons,
		Model:         generation.Model,
		CostUSD:       cost,
		InputTokens:   generation.Usage.InputTokens,
		OutputTokens:  generation.Usage.OutputTokens,
		DurationMS:    duration.Milliseconds(),
		ComputedAt:    s.now().UTC(),
		DigestVersion: in.Digest.Version,
	}

	// Spend and ledger bookkeeping must not fail a call the user already
	// paid for; failures are logged and the result still returned.
	recordCtx := context.WithoutCancel(ctx)
	if err := s.gate.RecordSpend(recordCtx, cost); err != nil {
		s.logger.Error("recording spend", zap.Error(err), zap.Float64("cost_usd", cost))
	}

	entry := ledger.Entry{
		UserID:       in.OwnerID,
		Kind:         ledger.KindFit,
		Model:        generation.Model,
		InputTokens:  generation.Usage.InputTokens,
		OutputTokens: generation.Usage.OutputTokens,
		CostUSD:      cost,
		Metadata:     map[string]string{"targetId": in.TargetID},
		CreatedAt:    result.ComputedAt,
	}
	if err := s.usage.Append(recordCtx, entry); err != nil {
		s.logger.Error("appending usage ledger entry",
			zap.Error(err),
			zap.String("owner_id", in.OwnerID),
			zap.String("target_id", in.TargetID),
		)
	}

	s.logger.Info("fit computed",
		zap.String("owner_id", in.OwnerID),
		zap.String("target_id", in.TargetID),
		zap.Int("score", score),
		zap.String("label", string(result.Label)),
		zap.Float64("cost_usd", cost),
		zap.Int64("duration_ms", result.DurationMS),
	)

	return result, nil
}

func buildFitPrompt(digest *Digest, resumeText string) (string, error) {
	digestJSON, err := json.MarshalIndent(digest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal digest: %w", err)
	}

	prompt := strings.ReplaceAll(fitPromptTemplate, "{{DIGEST_JSON}}", string(digestJSON))
	prompt = strings.ReplaceAll(prompt, "{{RESUME_TEXT}}", resumeText)
	return prompt, nil
}

func parseFitResponse(raw string) (int, []string, error) {
	data, err := decodeObject(raw)
	if err != nil {
		return 0, nil, err
	}

	scoreValue, ok := data["score"]
	if !ok {
		return 0, nil, fmt.Errorf("model response is missing a score")
	}

	score := clampScore(coerceFloat(scoreValue))
	reasons := coerceStringList(data["reasons"], maxReasons)

	return score, reasons, nil
}
