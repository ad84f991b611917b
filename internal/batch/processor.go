// Package batch drives multi-target fit jobs item by item, persisting a
// checkpoint after every item so a crash or retry loses at most the one
// in-flight item and never bills a candidate twice.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hireloop/fitqueue/internal/fit"
	"github.com/hireloop/fitqueue/internal/governor"
	"github.com/hireloop/fitqueue/internal/queue"
	"github.com/hireloop/fitqueue/internal/quota"
	"github.com/hireloop/fitqueue/internal/utils"
)

const defaultItemDelay = 200 * time.Millisecond

// scorer computes one governed fit score. *fit.Scorer satisfies it.
type scorer interface {
	Compute(ctx context.Context, in fit.ComputeInput) (*fit.Result, error)
}

// gate is the read-only governor view re-checked before every item.
type gate interface {
	Check(ctx context.Context) (governor.Decision, error)
}

// limiter reports the owner's remaining monthly quota.
type limiter interface {
	Check(ctx context.Context, userID string) (quota.Status, error)
}

// checkpointStore persists batch progress and exposes the cancel flag.
// *queue.Store satisfies it.
type checkpointStore interface {
	Save(ctx context.Context, job *queue.Job) error
	SetStatus(ctx context.Context, job *queue.Job, next queue.Status) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
}

// digests builds or reuses the digest for one posting. *fit.DigestBuilder
// satisfies it.
type digests interface {
	GetOrBuild(ctx context.Context, title, description string, cached *fit.Digest) (*fit.Digest, bool)
}

// Processor consumes batch jobs from the batch lane. One Processor instance
// serves all workers; per-job state lives on the job record.
type Processor struct {
	scorer    scorer
	gate      gate
	limiter   limiter
	store     checkpointStore
	digests   digests
	resumes   fit.ResumeProvider
	postings  fit.PostingProvider
	apps      fit.ApplicationStore
	itemDelay time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

type Config struct {
	ItemDelay time.Duration
}

func NewProcessor(
	s scorer,
	g gate,
	l limiter,
	store checkpointStore,
	d digests,
	resumes fit.ResumeProvider,
	postings fit.PostingProvider,
	apps fit.ApplicationStore,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if cfg.ItemDelay <= 0 {
		cfg.ItemDelay = defaultItemDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		scorer:    s,
		gate:      g,
		limiter:   l,
		store:     store,
		digests:   d,
		resumes:   resumes,
		postings:  postings,
		apps:      apps,
		itemDelay: cfg.ItemDelay,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle is the queue.Handler for the batch lane.
func (p *Processor) Handle(ctx context.Context, job *queue.Job, attempt int) error {
	return p.Run(ctx, job)
}

// Run processes the job's remaining targets sequentially. Safe to call again
// after a crash or retry: the true processed set is re-derived from the
// union of the checkpointed ProcessedIDs and the ids already present in the
// persisted partial results, whichever of the two writes survived.
func (p *Processor) Run(ctx context.Context, job *queue.Job) error {
	logger := p.logger.With(zap.String("job_id", job.ID), zap.String("owner_id", job.OwnerID))

	if job.Result == nil {
		job.Result = &queue.JobResult{}
	}

	processed := make(map[string]struct{}, len(job.ProcessedIDs))
	for _, id := range job.ProcessedIDs {
		processed[id] = struct{}{}
	}
	for _, item := range job.Result.Results {
		if _, ok := processed[item.TargetID]; !ok {
			processed[item.TargetID] = struct{}{}
			job.ProcessedIDs = append(job.ProcessedIDs, item.TargetID)
		}
	}

	remaining := make([]string, 0, len(job.TargetIDs))
	for _, id := range job.TargetIDs {
		if _, ok := processed[id]; !ok {
			remaining = append(remaining, id)
		}
	}

	logger.Info("batch processing starting",
		zap.Int("total", job.TotalCount),
		zap.Int("already_processed", len(processed)),
		zap.Int("remaining", len(remaining)),
	)

	resume, err := p.resumes.ResumeText(ctx, job.OwnerID)
	if err != nil {
		return fmt.Errorf("load resume text: %w", err)
	}

	quotaSpent := false

	for i, targetID := range remaining {
		cancelled, err := p.store.CancelRequested(ctx, job.ID)
		if err != nil {
			logger.Warn("reading cancel flag", zap.Error(err))
		}
		if cancelled {
			logger.Info("batch cancelled, stopping before next item",
				zap.Int("processed", job.ProcessedCount),
			)
			return p.store.SetStatus(ctx, job, queue.StatusCancelled)
		}

		if quotaSpent {
			p.recordItem(ctx, job, queue.ItemResult{TargetID: targetID, Status: queue.ItemRequiresPaid})
			continue
		}

		// Budget and concurrency evolve while a long batch runs, so the
		// gate is observed again before every single item rather than
		// once at job start.
		decision, err := p.gate.Check(ctx)
		if err != nil {
			return fmt.Errorf("governor check: %w", err)
		}
		if !decision.Allowed {
			// Retryable condition for the whole remaining batch; the
			// checkpoint keeps finished items billed exactly once.
			return &fit.CircuitOpenError{
				Reason:         decision.Reason,
				DailySpentUSD:  decision.DailySpentUSD,
				DailyBudgetUSD: decision.DailyBudgetUSD,
			}
		}

		status, err := p.limiter.Check(ctx, job.OwnerID)
		if err != nil {
			return fmt.Errorf("quota check: %w", err)
		}
		if status.Remaining <= 0 {
			// Quota is global to the user, not item-specific: this item
			// and everything after it needs the paid tier.
			quotaSpent = true
			p.recordItem(ctx, job, queue.ItemResult{TargetID: targetID, Status: queue.ItemRequiresPaid})
			continue
		}

		item, err := p.processItem(ctx, logger, job, resume, targetID)
		if err != nil {
			// The circuit tripped between the pre-item check and the
			// call itself. Nothing was billed for this target, so leave
			// it unprocessed and let the queue retry the remainder.
			return err
		}
		p.recordItem(ctx, job, item)

		if i < len(remaining)-1 {
			if err := utils.WaitFor(ctx, p.itemDelay); err != nil {
				return err
			}
		}
	}

	job.Result.Summary = summarize(job.Result.Results, job.TotalCount)
	if err := p.store.SetStatus(ctx, job, queue.StatusCompleted); err != nil {
		return fmt.Errorf("complete batch job: %w", err)
	}

	logger.Info("batch processing completed",
		zap.Int("succeeded", job.Result.Summary.Succeeded),
		zap.Int("cached", job.Result.Summary.Cached),
		zap.Int("requires_paid", job.Result.Summary.RequiresPaid),
		zap.Int("errors", job.Result.Summary.Errors),
	)
	return nil
}

// processItem scores one target, converting every per-item failure into an
// item outcome so one candidate can never abort the batch. The only error
// returned is a circuit-open denial from the scorer itself, which means the
// item was not billed and must stay unprocessed.
func (p *Processor) processItem(ctx context.Context, logger *zap.Logger, job *queue.Job, resume *fit.ResumeDoc, targetID string) (queue.ItemResult, error) {
	posting, err := p.postings.Posting(ctx, targetID)
	if err != nil {
		return queue.ItemResult{TargetID: targetID, Status: queue.ItemError, Error: fmt.Sprintf("load posting: %v", err)}, nil
	}
	if posting == nil {
		return queue.ItemResult{TargetID: targetID, Status: queue.ItemError, Error: "posting not found"}, nil
	}
	if resume == nil || resume.Text == "" {
		return queue.ItemResult{TargetID: targetID, Status: queue.ItemError, Error: "no resume text available"}, nil
	}

	digest, built := p.digests.GetOrBuild(ctx, posting.Title, posting.Description, posting.Digest)
	if built {
		if err := p.postings.SaveDigest(ctx, targetID, digest); err != nil {
			logger.Warn("persisting rebuilt digest", zap.String("target_id", targetID), zap.Error(err))
		}
	}

	// The pre-scan at submit time excluded fresh targets, but an
	// interactive job may have refreshed one since; return it cached
	// instead of billing again.
	app, err := p.apps.Application(ctx, job.OwnerID, targetID)
	if err == nil && app != nil {
		in := fit.StalenessInput{
			ComputedAt:           app.FitComputedAt,
			ResumeUpdatedAt:      &resume.UpdatedAt,
			TargetUpdatedAt:      posting.UpdatedAt,
			CurrentDigestVersion: digest.Version,
			StoredDigestVersion:  app.DigestVersion,
		}
		if !fit.IsStale(in) {
			return queue.ItemResult{TargetID: targetID, Status: queue.ItemCached, Fit: app.CachedResult()}, nil
		}
	}

	result, err := p.scorer.Compute(ctx, fit.ComputeInput{
		OwnerID:    job.OwnerID,
		TargetID:   targetID,
		ResumeText: resume.Text,
		Digest:     digest,
	})
	if err != nil {
		var circuit *fit.CircuitOpenError
		if errors.As(err, &circuit) {
			return queue.ItemResult{}, circuit
		}
		return queue.ItemResult{TargetID: targetID, Status: queue.ItemError, Error: err.Error()}, nil
	}

	if err := p.apps.SaveFit(ctx, job.OwnerID, targetID, result); err != nil {
		logger.Warn("persisting fit result to application",
			zap.String("target_id", targetID),
			zap.Error(err),
		)
	}

	return queue.ItemResult{TargetID: targetID, Status: queue.ItemSuccess, Fit: result}, nil
}

// recordItem appends to the result list, advances the checkpoint and
// persists the job. One redis write per item is the price of losing at most
// one in-flight item on a crash.
func (p *Processor) recordItem(ctx context.Context, job *queue.Job, item queue.ItemResult) {
	job.Result.Results = append(job.Result.Results, item)
	job.ProcessedIDs = append(job.ProcessedIDs, item.TargetID)
	job.RecomputeProgress()

	if err := p.store.Save(ctx, job); err != nil {
		p.logger.Error("persisting batch checkpoint",
			zap.String("job_id", job.ID),
			zap.String("target_id", item.TargetID),
			zap.Error(err),
		)
	}
}

func summarize(items []queue.ItemResult, total int) *queue.BatchSummary {
	summary := &queue.BatchSummary{Total: total}
	for _, item := range items {
		switch item.Status {
		case queue.ItemSuccess:
			summary.Succeeded++
		case queue.ItemCached:
			summary.Cached++
		case queue.ItemRequiresPaid:
			summary.RequiresPaid++
		case queue.ItemError:
			summary.Errors++
		}
	}
	return summary
}
