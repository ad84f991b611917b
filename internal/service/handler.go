package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hireloop/fitqueue/internal/fit"
	"github.com/hireloop/fitqueue/internal/queue"
	"github.com/hireloop/fitqueue/internal/quota"
)

// HandleInteractive is the interactive lane's queue handler: it scores one
// owner/target pair and completes the job. Errors it returns feed the queue's
// retry policy; everything it can resolve locally it resolves locally.
func (s *Service) HandleInteractive(ctx context.Context, job *queue.Job, attempt int) error {
	logger := s.logger.With(
		zap.String("job_id", job.ID),
		zap.String("target_id", job.TargetID),
		zap.Int("attempt", attempt),
	)

	if cancelled, err := s.store.CancelRequested(ctx, job.ID); err != nil {
		logger.Warn("reading cancel flag", zap.Error(err))
	} else if cancelled {
		logger.Info("job cancelled before processing")
		return s.store.SetStatus(ctx, job, queue.StatusCancelled)
	}

	target, err := s.inspectTarget(ctx, job.OwnerID, job.TargetID)
	if err != nil {
		return err
	}

	// The score may have been refreshed between submit and pickup, for
	// example by a batch job covering the same target.
	if target.cached != nil {
		job.Result = &queue.JobResult{Fit: target.cached}
		logger.Info("serving cached score, skipping computation")
		return s.store.SetStatus(ctx, job, queue.StatusCompleted)
	}

	status, err := s.limiter.Check(ctx, job.OwnerID)
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	if status.Remaining <= 0 {
		return fmt.Errorf("owner %s: %w", job.OwnerID, quota.ErrExhausted)
	}

	digest, built := s.digests.GetOrBuild(ctx, target.posting.Title, target.posting.Description, target.posting.Digest)
	if built {
		if err := s.postings.SaveDigest(ctx, job.TargetID, digest); err != nil {
			logger.Warn("persisting rebuilt digest", zap.Error(err))
		}
	}

	result, err := s.scorer.Compute(ctx, fit.ComputeInput{
		OwnerID:    job.OwnerID,
		TargetID:   job.TargetID,
		ResumeText: target.resume.Text,
		Digest:     digest,
	})
	if err != nil {
		return err
	}

	if err := s.apps.SaveFit(ctx, job.OwnerID, job.TargetID, result); err != nil {
		logger.Warn("persisting fit result to application", zap.Error(err))
	}

	job.Result = &queue.JobResult{Fit: result}
	if err := s.store.SetStatus(ctx, job, queue.StatusCompleted); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	logger.Info("interactive fit computed",
		zap.Int("score", result.Score),
		zap.String("label", string(result.Label)),
		zap.Float64("cost_usd", result.CostUSD),
	)
	return nil
}
