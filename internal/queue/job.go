package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/hireloop/fitqueue/internal/fit"
)

// Lane names one of the two queues. Interactive jobs are short and scheduled
// with more parallelism; batch jobs are long and paced per item.
type Lane string

const (
	LaneInteractive Lane = "interactive"
	LaneBatch       Lane = "batch"
)

// Status is the lifecycle state of a durable job record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition may leave this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo guards the job state machine. A retried job moves
// active -> pending while it waits for its next attempt.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusCancelled || next == StatusFailed
	case StatusActive:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled || next == StatusPending
	default:
		return false
	}
}

// ErrorCode classifies a terminal job failure for status-polling clients.
type ErrorCode string

const (
	ErrCodeTransient     ErrorCode = "TRANSIENT"
	ErrCodeEnqueueFailed ErrorCode = "ENQUEUE_FAILED"
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXHAUSTED"
	ErrCodeCircuitOpen   ErrorCode = "CIRCUIT_OPEN"
)

// ItemStatus is the per-target outcome inside a batch result.
type ItemStatus string

const (
	ItemSuccess      ItemStatus = "success"
	ItemCached       ItemStatus = "cached"
	ItemRequiresPaid ItemStatus = "requires_paid"
	ItemError        ItemStatus = "error"
)

// ItemResult is one target's outcome within a batch job.
type ItemResult struct {
	TargetID string      `json:"targetId"`
	Status   ItemStatus  `json:"status"`
	Fit      *fit.Result `json:"fit,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// BatchSummary aggregates the per-item outcomes of a completed batch.
type BatchSummary struct {
	Succeeded    int `json:"succeeded"`
	Cached       int `json:"cached"`
	RequiresPaid int `json:"requiresPaid"`
	Errors       int `json:"errors"`
	Total        int `json:"total"`
}

// JobResult is the structured payload of a job: a single fit for interactive
// jobs, an item list plus summary for batch jobs. Across retries Results is
// only appended to, never rewritten, so partial progress survives.
type JobResult struct {
	Fit     *fit.Result   `json:"fit,omitempty"`
	Results []ItemResult  `json:"results,omitempty"`
	Summary *BatchSummary `json:"summary,omitempty"`
}

// Job is the durable record of one async unit of work. The subsystem owns it
// exclusively; owner and target ids are foreign references.
type Job struct {
	ID string `json:"id"`
	// HandleID is the opaque queue-handle payload. Internal only, never
	// exposed to clients.
	HandleID string `json:"handleId,omitempty"`
	Lane     Lane   `json:"lane"`
	OwnerID  string `json:"ownerId"`

	TargetID  string   `json:"targetId,omitempty"`
	TargetIDs []string `json:"targetIds,omitempty"`
	// ProcessedIDs is the crash-recovery checkpoint: targets fully handled
	// so far. Always a subset of TargetIDs.
	ProcessedIDs []string `json:"processedIds,omitempty"`

	Status         Status `json:"status"`
	ProcessedCount int    `json:"processedCount"`
	TotalCount     int    `json:"totalCount"`
	Progress       int    `json:"progress"`
	Attempts       int    `json:"attempts"`

	Result    *JobResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	ErrorCode ErrorCode  `json:"errorCode,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// NewInteractiveJob creates a pending single-target job.
func NewInteractiveJob(ownerID, targetID string) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Lane:       LaneInteractive,
		OwnerID:    ownerID,
		TargetID:   targetID,
		Status:     StatusPending,
		TotalCount: 1,
		CreatedAt:  time.Now().UTC(),
	}
}

// NewBatchJob creates a pending multi-target job over the given stale set.
func NewBatchJob(ownerID string, targetIDs []string) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Lane:       LaneBatch,
		OwnerID:    ownerID,
		TargetIDs:  targetIDs,
		Status:     StatusPending,
		TotalCount: len(targetIDs),
		CreatedAt:  time.Now().UTC(),
	}
}

// Targets returns the job's target set regardless of lane.
func (j *Job) Targets() []string {
	if j.Lane == LaneInteractive {
		return []string{j.TargetID}
	}
	return j.TargetIDs
}

// RecomputeProgress rederives ProcessedCount and Progress from ProcessedIDs,
// counting only ids that belong to the original target set so duplicates and
// strays never inflate progress.
func (j *Job) RecomputeProgress() {
	targets := make(map[string]struct{}, len(j.Targets()))
	for _, id := range j.Targets() {
		targets[id] = struct{}{}
	}

	counted := make(map[string]struct{}, len(j.ProcessedIDs))
	for _, id := range j.ProcessedIDs {
		if _, ok := targets[id]; ok {
			counted[id] = struct{}{}
		}
	}

	j.ProcessedCount = len(counted)
	if j.TotalCount > 0 {
		j.Progress = j.ProcessedCount * 100 / j.TotalCount
	} else {
		j.Progress = 0
	}
}
