// Package service is the application surface of the fit subsystem: it
// validates requests, decides between returning a cached score and queueing
// work, and owns the job lifecycle on behalf of the web tier.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hireloop/fitqueue/internal/fit"
	"github.com/hireloop/fitqueue/internal/governor"
	"github.com/hireloop/fitqueue/internal/queue"
	"github.com/hireloop/fitqueue/internal/quota"
)

const (
	maxPendingInteractive = 3
	maxPendingBatch       = 1
	maxBatchTargets       = 100
)

// jobs is the slice of the job store the service uses.
type jobs interface {
	Create(ctx context.Context, job *queue.Job) error
	Save(ctx context.Context, job *queue.Job) error
	Get(ctx context.Context, id string) (*queue.Job, error)
	SetStatus(ctx context.Context, job *queue.Job, next queue.Status) error
	MarkFailed(ctx context.Context, job *queue.Job, message string, code queue.ErrorCode) error
	FindExisting(ctx context.Context, ownerID, targetID string) (*queue.Job, error)
	ListPending(ctx context.Context, ownerID string) ([]*queue.Job, error)
	CountPending(ctx context.Context, ownerID string, lane queue.Lane) (int, error)
	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	LaneStats(ctx context.Context, lane queue.Lane) (active, completed, failed int64, err error)
}

// laneQueue is the slice of one lane's queue the service uses.
type laneQueue interface {
	Enqueue(ctx context.Context, msg queue.Message) (string, error)
	Remove(ctx context.Context, handle string) (bool, error)
	Waiting(ctx context.Context) (int64, error)
}

type scorer interface {
	Compute(ctx context.Context, in fit.ComputeInput) (*fit.Result, error)
}

type digests interface {
	GetOrBuild(ctx context.Context, title, description string, cached *fit.Digest) (*fit.Digest, bool)
}

type limiter interface {
	Check(ctx context.Context, userID string) (quota.Status, error)
}

type gate interface {
	Check(ctx context.Context) (governor.Decision, error)
}

type pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// Service is the single entry point for fit requests. Construct one per
// process and share it between the transport layer and the worker pools.
type Service struct {
	store       jobs
	interactive laneQueue
	batch       laneQueue
	scorer      scorer
	digests     digests
	limiter     limiter
	gate        gate
	resumes     fit.ResumeProvider
	postings    fit.PostingProvider
	apps        fit.ApplicationStore
	rc          pinger
	validate    *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
}

func New(
	store jobs,
	interactive, batch laneQueue,
	sc scorer,
	d digests,
	l limiter,
	g gate,
	resumes fit.ResumeProvider,
	postings fit.PostingProvider,
	apps fit.ApplicationStore,
	rc pinger,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		interactive: interactive,
		batch:       batch,
		scorer:      sc,
		digests:     d,
		limiter:     l,
		gate:        g,
		resumes:     resumes,
		postings:    postings,
		apps:        apps,
		rc:          rc,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
		now:         time.Now,
	}
}

// InteractiveRequest asks for one application's fit score.
type InteractiveRequest struct {
	OwnerID  string `json:"ownerId" validate:"required"`
	TargetID string `json:"targetId" validate:"required"`
}

// BatchRequest asks for fit scores across many applications at once.
type BatchRequest struct {
	OwnerID   string   `json:"ownerId" validate:"required"`
	TargetIDs []string `json:"targetIds" validate:"required,min=1,max=100,dive,required"`
}

// Submission is the outcome of a submit call. Exactly one of Job and Fit is
// set for interactive requests: Fit when the stored score was still fresh and
// no work was queued, Job otherwise. For batches, CachedCount reports targets
// excluded by the pre-scan; a nil Job means every target was cached.
type Submission struct {
	Job         *queue.Job  `json:"job,omitempty"`
	Fit         *fit.Result `json:"fit,omitempty"`
	CachedCount int         `json:"cachedCount,omitempty"`
	// Existing marks an idempotent resubmission that returned an
	// already-queued job.
	Existing bool `json:"existing,omitempty"`
}

// SubmitInteractive queues a single-target fit computation, or answers from
// the stored score when it is still fresh. Resubmitting the same owner and
// target while a job is unfinished returns that job instead of a new one.
func (s *Service) SubmitInteractive(ctx context.Context, req InteractiveRequest) (*Submission, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}

	if existing, err := s.store.FindExisting(ctx, req.OwnerID, req.TargetID); err != nil {
		return nil, fmt.Errorf("dedupe lookup: %w", err)
	} else if existing != nil {
		s.logger.Debug("returning existing interactive job",
			zap.String("job_id", existing.ID),
			zap.String("target_id", req.TargetID),
		)
		return &Submission{Job: existing, Existing: true}, nil
	}

	pending, err := s.store.CountPending(ctx, req.OwnerID, queue.LaneInteractive)
	if err != nil {
		return nil, fmt.Errorf("count pending jobs: %w", err)
	}
	if pending >= maxPendingInteractive {
		return nil, &TooManyPendingError{Lane: queue.LaneInteractive, Limit: maxPendingInteractive}
	}

	target, err := s.inspectTarget(ctx, req.OwnerID, req.TargetID)
	if err != nil {
		return nil, err
	}
	if target.cached != nil {
		return &Submission{Fit: target.cached, CachedCount: 1}, nil
	}

	// Quota is checked before queueing so the owner hears "exhausted" now
	// rather than from a failed job later. The worker checks again at run
	// time since queued jobs can outlive the month boundary.
	status, err := s.limiter.Check(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("quota check: %w", err)
	}
	if status.Remaining <= 0 {
		return nil, &QuotaExhaustedError{Status: status, Requested: 1}
	}

	job := queue.NewInteractiveJob(req.OwnerID, req.TargetID)
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := s.enqueue(ctx, s.interactive, job); err != nil {
		return nil, err
	}

	s.logger.Info("interactive fit job queued",
		zap.String("job_id", job.ID),
		zap.String("owner_id", req.OwnerID),
		zap.String("target_id", req.TargetID),
	)
	return &Submission{Job: job}, nil
}

// SubmitBatch queues a multi-target fit computation. Targets whose stored
// score is still fresh are excluded up front and reported via CachedCount;
// when everything is fresh no job is created at all.
func (s *Service) SubmitBatch(ctx context.Context, req BatchRequest) (*Submission, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}

	targets := dedupeIDs(req.TargetIDs)
	if len(targets) > maxBatchTargets {
		return nil, &ValidationError{Msg: fmt.Sprintf("too many targets: %d, limit %d", len(targets), maxBatchTargets)}
	}

	pending, err := s.store.CountPending(ctx, req.OwnerID, queue.LaneBatch)
	if err != nil {
		return nil, fmt.Errorf("count pending jobs: %w", err)
	}
	if pending >= maxPendingBatch {
		return nil, &TooManyPendingError{Lane: queue.LaneBatch, Limit: maxPendingBatch}
	}

	stale := make([]string, 0, len(targets))
	cachedCount := 0
	for _, id := range targets {
		target, err := s.inspectTarget(ctx, req.OwnerID, id)
		if err != nil {
			// Unreadable targets go to the job anyway; the processor
			// records them as per-item errors instead of failing the
			// whole submission.
			stale = append(stale, id)
			continue
		}
		if target.cached != nil {
			cachedCount++
			continue
		}
		stale = append(stale, id)
	}

	if len(stale) == 0 {
		s.logger.Info("batch request fully cached, no job created",
			zap.String("owner_id", req.OwnerID),
			zap.Int("targets", len(targets)),
		)
		return &Submission{CachedCount: cachedCount}, nil
	}

	status, err := s.limiter.Check(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("quota check: %w", err)
	}
	// Rejecting up front tells the owner exactly how many targets they can
	// afford; the processor still re-checks at run time since interactive
	// jobs may drain the quota while the batch waits.
	if len(stale) > status.Remaining {
		return nil, &QuotaExhaustedError{Status: status, Requested: len(stale)}
	}

	job := queue.NewBatchJob(req.OwnerID, stale)
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := s.enqueue(ctx, s.batch, job); err != nil {
		return nil, err
	}

	s.logger.Info("batch fit job queued",
		zap.String("job_id", job.ID),
		zap.String("owner_id", req.OwnerID),
		zap.Int("targets", len(stale)),
		zap.Int("cached", cachedCount),
	)
	return &Submission{Job: job, CachedCount: cachedCount}, nil
}

// JobStatus returns the job as the owner may see it.
func (s *Service) JobStatus(ctx context.Context, ownerID, jobID string) (*queue.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if errors.Is(err, queue.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return job, nil
}

// ListPending returns the owner's unfinished jobs, oldest first.
func (s *Service) ListPending(ctx context.Context, ownerID string) ([]*queue.Job, error) {
	return s.store.ListPending(ctx, ownerID)
}

// Cancel stops a pending or active job. Pending jobs are removed from the
// queue and flipped immediately; active jobs get a cancellation flag that the
// worker honors at its next safe point, so the status may lag briefly.
func (s *Service) Cancel(ctx context.Context, ownerID, jobID string) (*queue.Job, error) {
	job, err := s.JobStatus(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case queue.StatusPending:
		q := s.interactive
		if job.Lane == queue.LaneBatch {
			q = s.batch
		}
		if job.HandleID != "" {
			if removed, err := q.Remove(ctx, job.HandleID); err != nil {
				s.logger.Warn("removing queued message", zap.String("job_id", job.ID), zap.Error(err))
			} else if !removed {
				// A worker popped it between Get and Remove; leave the
				// flag so the worker drops it on pickup.
				if err := s.store.RequestCancel(ctx, job.ID); err != nil {
					return nil, fmt.Errorf("request cancel: %w", err)
				}
			}
		}
		if err := s.store.SetStatus(ctx, job, queue.StatusCancelled); err != nil {
			return nil, fmt.Errorf("cancel pending job: %w", err)
		}
		return job, nil
	case queue.StatusActive:
		if err := s.store.RequestCancel(ctx, job.ID); err != nil {
			return nil, fmt.Errorf("request cancel: %w", err)
		}
		s.logger.Info("cancellation requested for active job", zap.String("job_id", job.ID))
		return job, nil
	default:
		return nil, &ValidationError{Msg: fmt.Sprintf("job is %s and cannot be cancelled", job.Status)}
	}
}

// LaneHealth is one lane's queue depth and lifetime counters.
type LaneHealth struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Health is the operational snapshot served on the health endpoint.
type Health struct {
	Redis          string                    `json:"redis"`
	Lanes          map[queue.Lane]LaneHealth `json:"lanes"`
	DailySpentUSD  float64                   `json:"dailySpentUsd"`
	DailyBudgetUSD float64                   `json:"dailyBudgetUsd"`
}

// GetHealth reports redis reachability, per-lane queue state and the day's
// spend. It never returns an error: failures degrade the snapshot instead.
func (s *Service) GetHealth(ctx context.Context) *Health {
	h := &Health{Redis: "ok", Lanes: map[queue.Lane]LaneHealth{}}

	if err := s.rc.Ping(ctx).Err(); err != nil {
		h.Redis = err.Error()
	}

	for lane, q := range map[queue.Lane]laneQueue{
		queue.LaneInteractive: s.interactive,
		queue.LaneBatch:       s.batch,
	} {
		lh := LaneHealth{}
		if waiting, err := q.Waiting(ctx); err == nil {
			lh.Waiting = waiting
		}
		if active, completed, failed, err := s.store.LaneStats(ctx, lane); err == nil {
			lh.Active, lh.Completed, lh.Failed = active, completed, failed
		}
		h.Lanes[lane] = lh
	}

	if decision, err := s.gate.Check(ctx); err == nil {
		h.DailySpentUSD = decision.DailySpentUSD
		h.DailyBudgetUSD = decision.DailyBudgetUSD
	}
	return h
}

// targetState is the pre-flight view of one owner/target pair.
type targetState struct {
	posting *fit.Posting
	app     *fit.Application
	resume  *fit.ResumeDoc
	// cached is non-nil when the stored score is still fresh.
	cached *fit.Result
}

// inspectTarget loads the records behind one application and decides whether
// its stored score can still be served.
func (s *Service) inspectTarget(ctx context.Context, ownerID, targetID string) (*targetState, error) {
	posting, err := s.postings.Posting(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("load posting %s: %w", targetID, err)
	}
	if posting == nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("unknown target %s", targetID)}
	}

	resume, err := s.resumes.ResumeText(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load resume text: %w", err)
	}
	if resume == nil || resume.Text == "" {
		return nil, &ValidationError{Msg: "no resume text available; upload a resume first"}
	}

	app, err := s.apps.Application(ctx, ownerID, targetID)
	if err != nil {
		return nil, fmt.Errorf("load application: %w", err)
	}

	state := &targetState{posting: posting, app: app, resume: resume}
	if app != nil {
		in := fit.StalenessInput{
			ComputedAt:           app.FitComputedAt,
			ResumeUpdatedAt:      &resume.UpdatedAt,
			TargetUpdatedAt:      posting.UpdatedAt,
			CurrentDigestVersion: fit.DigestVersion,
			StoredDigestVersion:  app.DigestVersion,
			Now:                  s.now(),
		}
		if !fit.IsStale(in) {
			state.cached = app.CachedResult()
		}
	}
	return state, nil
}

// enqueue pushes the job's message and persists the returned queue handle so
// a later cancel can remove the exact message.
func (s *Service) enqueue(ctx context.Context, q laneQueue, job *queue.Job) error {
	handle, err := q.Enqueue(ctx, queue.Message{JobID: job.ID, Attempt: 1})
	if err != nil {
		if markErr := s.store.MarkFailed(ctx, job, "could not enqueue job", queue.ErrCodeEnqueueFailed); markErr != nil {
			s.logger.Error("marking unenqueued job failed", zap.String("job_id", job.ID), zap.Error(markErr))
		}
		return fmt.Errorf("enqueue job: %w", err)
	}
	job.HandleID = handle
	if err := s.store.Save(ctx, job); err != nil {
		s.logger.Warn("persisting queue handle", zap.String("job_id", job.ID), zap.Error(err))
	}
	return nil
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
