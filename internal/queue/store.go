package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "fitqueue"
	// Terminal job records stay readable for a month of status polling.
	jobTTL = 30 * 24 * time.Hour
	// A cancel flag only needs to outlive the job it targets.
	cancelTTL = 24 * time.Hour
	dedupeTTL = 24 * time.Hour
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store persists job records in redis as whole-value JSON documents. Writes
// to an active job come from the single worker that owns it, so a plain SET
// is atomic enough; the cancel flag lives under its own key to stay safe
// against concurrent checkpoint writes.
type Store struct {
	rc     *redis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

func NewStore(rc *redis.Client, prefix string, logger *zap.Logger) *Store {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rc: rc, prefix: prefix, logger: logger, now: time.Now}
}

func (s *Store) jobKey(id string) string { return s.prefix + ":job:" + id }

func (s *Store) pendingKey(ownerID string) string { return s.prefix + ":jobs:pending:" + ownerID }

func (s *Store) dedupeKey(ownerID, targetID string) string {
	return s.prefix + ":dedupe:" + ownerID + ":" + targetID
}

func (s *Store) cancelKey(id string) string { return s.prefix + ":cancel:" + id }

func (s *Store) statsKey(lane Lane, name string) string {
	return fmt.Sprintf("%s:stats:%s:%s", s.prefix, lane, name)
}

// Create persists a new pending job and registers it in the owner's pending
// index. Interactive jobs also claim the owner+target dedupe key used for
// idempotent re-submission.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if err := s.Save(ctx, job); err != nil {
		return err
	}
	if err := s.rc.SAdd(ctx, s.pendingKey(job.OwnerID), job.ID).Err(); err != nil {
		return fmt.Errorf("index pending job: %w", err)
	}
	if job.Lane == LaneInteractive {
		if err := s.rc.Set(ctx, s.dedupeKey(job.OwnerID, job.TargetID), job.ID, dedupeTTL).Err(); err != nil {
			return fmt.Errorf("set dedupe key: %w", err)
		}
	}
	return nil
}

// Save writes the whole job document. Used both for transitions and for the
// per-item batch checkpoints.
func (s *Store) Save(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := s.rc.Set(ctx, s.jobKey(job.ID), payload, jobTTL).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	payload, err := s.rc.Get(ctx, s.jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// SetStatus applies a guarded state transition, maintains timestamps, the
// owner pending index, the dedupe key and the per-lane health counters.
func (s *Store) SetStatus(ctx context.Context, job *Job, next Status) error {
	prev := job.Status
	if !prev.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}

	now := s.now().UTC()
	job.Status = next
	if next == StatusActive && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if next.Terminal() {
		job.CompletedAt = &now
	}

	if err := s.Save(ctx, job); err != nil {
		return err
	}

	// Health counters are best-effort observability, not correctness.
	switch {
	case next == StatusActive:
		s.bumpStat(ctx, job.Lane, "active", 1)
	case prev == StatusActive:
		s.bumpStat(ctx, job.Lane, "active", -1)
	}
	if next == StatusCompleted {
		s.bumpStat(ctx, job.Lane, "completed", 1)
	}
	if next == StatusFailed {
		s.bumpStat(ctx, job.Lane, "failed", 1)
	}

	if next.Terminal() {
		if err := s.rc.SRem(ctx, s.pendingKey(job.OwnerID), job.ID).Err(); err != nil {
			s.logger.Warn("removing job from pending index", zap.String("job_id", job.ID), zap.Error(err))
		}
		if job.Lane == LaneInteractive {
			if err := s.rc.Del(ctx, s.dedupeKey(job.OwnerID, job.TargetID)).Err(); err != nil {
				s.logger.Warn("removing dedupe key", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
		if err := s.rc.Del(ctx, s.cancelKey(job.ID)).Err(); err != nil {
			s.logger.Warn("removing cancel flag", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	return nil
}

func (s *Store) bumpStat(ctx context.Context, lane Lane, name string, delta int64) {
	if err := s.rc.IncrBy(ctx, s.statsKey(lane, name), delta).Err(); err != nil {
		s.logger.Warn("updating lane stats", zap.String("lane", string(lane)), zap.Error(err))
	}
}

// MarkFailed records the failure details and transitions the job to failed.
func (s *Store) MarkFailed(ctx context.Context, job *Job, message string, code ErrorCode) error {
	job.Error = message
	job.ErrorCode = code
	return s.SetStatus(ctx, job, StatusFailed)
}

// FindExisting returns the owner's pending or active interactive job for the
// target, or nil when none exists.
func (s *Store) FindExisting(ctx context.Context, ownerID, targetID string) (*Job, error) {
	id, err := s.rc.Get(ctx, s.dedupeKey(ownerID, targetID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dedupe key: %w", err)
	}

	job, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, nil
	}
	return job, nil
}

// ListPending returns the owner's pending and active jobs, oldest first.
func (s *Store) ListPending(ctx context.Context, ownerID string) ([]*Job, error) {
	ids, err := s.rc.SMembers(ctx, s.pendingKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending index: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Expired record; drop the stray index entry.
			s.rc.SRem(ctx, s.pendingKey(ownerID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			s.rc.SRem(ctx, s.pendingKey(ownerID), id)
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// CountPending counts the owner's non-terminal jobs in one lane.
func (s *Store) CountPending(ctx context.Context, ownerID string, lane Lane) (int, error) {
	jobs, err := s.ListPending(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, job := range jobs {
		if job.Lane == lane {
			count++
		}
	}
	return count, nil
}

// RequestCancel raises the cooperative cancel flag for a job. The flag lives
// under its own key so it cannot be lost to a concurrent checkpoint write.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	if err := s.rc.Set(ctx, s.cancelKey(jobID), "1", cancelTTL).Err(); err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	return nil
}

// CancelRequested reports whether a cancel has been requested for the job.
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := s.rc.Exists(ctx, s.cancelKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return n > 0, nil
}

// LaneStats reads the per-lane health counters.
func (s *Store) LaneStats(ctx context.Context, lane Lane) (active, completed, failed int64, err error) {
	for _, stat := range []struct {
		name string
		dest *int64
	}{
		{"active", &active},
		{"completed", &completed},
		{"failed", &failed},
	} {
		val, readErr := s.rc.Get(ctx, s.statsKey(lane, stat.name)).Int64()
		if readErr != nil && !errors.Is(readErr, redis.Nil) {
			return 0, 0, 0, fmt.Errorf("read lane stat %s: %w", stat.name, readErr)
		}
		*stat.dest = val
	}
	if active < 0 {
		active = 0
	}
	return active, completed, failed, nil
}
