package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hireloop/fitqueue/internal/fit"
	"github.com/hireloop/fitqueue/internal/governor"
	"github.com/hireloop/fitqueue/internal/queue"
	"github.com/hireloop/fitqueue/internal/quota"
)

type fakeJobs struct {
	jobs        map[string]*queue.Job
	dedupe      map[string]string
	pending     map[queue.Lane]int
	cancelFlags map[string]bool
	failedCode  queue.ErrorCode
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		jobs:        map[string]*queue.Job{},
		dedupe:      map[string]string{},
		pending:     map[queue.Lane]int{},
		cancelFlags: map[string]bool{},
	}
}

func (f *fakeJobs) Create(_ context.Context, job *queue.Job) error {
	f.jobs[job.ID] = job
	if job.Lane == queue.LaneInteractive {
		f.dedupe[job.OwnerID+":"+job.TargetID] = job.ID
	}
	return nil
}

func (f *fakeJobs) Save(_ context.Context, job *queue.Job) error {
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (*queue.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) SetStatus(_ context.Context, job *queue.Job, next queue.Status) error {
	job.Status = next
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobs) MarkFailed(_ context.Context, job *queue.Job, message string, code queue.ErrorCode) error {
	job.Status = queue.StatusFailed
	job.Error = message
	job.ErrorCode = code
	f.failedCode = code
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobs) FindExisting(_ context.Context, ownerID, targetID string) (*queue.Job, error) {
	id, ok := f.dedupe[ownerID+":"+targetID]
	if !ok {
		return nil, nil
	}
	job := f.jobs[id]
	if job == nil || job.Status.Terminal() {
		return nil, nil
	}
	return job, nil
}

func (f *fakeJobs) ListPending(_ context.Context, ownerID string) ([]*queue.Job, error) {
	var out []*queue.Job
	for _, job := range f.jobs {
		if job.OwnerID == ownerID && !job.Status.Terminal() {
			out = append(out, job)
		}
	}
	return out, nil
}

func (f *fakeJobs) CountPending(_ context.Context, _ string, lane queue.Lane) (int, error) {
	return f.pending[lane], nil
}

func (f *fakeJobs) RequestCancel(_ context.Context, jobID string) error {
	f.cancelFlags[jobID] = true
	return nil
}

func (f *fakeJobs) CancelRequested(_ context.Context, jobID string) (bool, error) {
	return f.cancelFlags[jobID], nil
}

func (f *fakeJobs) LaneStats(context.Context, queue.Lane) (int64, int64, int64, error) {
	return 1, 2, 3, nil
}

type fakeLane struct {
	enqueued   []queue.Message
	enqueueErr error
	removed    []string
	removeOK   bool
}

func (f *fakeLane) Enqueue(_ context.Context, msg queue.Message) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.enqueued = append(f.enqueued, msg)
	return "handle-" + msg.JobID, nil
}

func (f *fakeLane) Remove(_ context.Context, handle string) (bool, error) {
	f.removed = append(f.removed, handle)
	return f.removeOK, nil
}

func (f *fakeLane) Waiting(context.Context) (int64, error) { return 4, nil }

type fakeScorer struct {
	result *fit.Result
	err    error
	calls  int
}

func (f *fakeScorer) Compute(context.Context, fit.ComputeInput) (*fit.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &fit.Result{Score: 72, Label: fit.LabelGood, ComputedAt: time.Now()}, nil
}

type fakeDigests struct{}

func (fakeDigests) GetOrBuild(_ context.Context, title, _ string, cached *fit.Digest) (*fit.Digest, bool) {
	if cached != nil {
		return cached, false
	}
	return &fit.Digest{Domain: title, Version: fit.DigestVersion}, true
}

type fakeLimiter struct {
	status quota.Status
	calls  int
}

func (f *fakeLimiter) Check(context.Context, string) (quota.Status, error) {
	f.calls++
	return f.status, nil
}

type fakeGate struct{}

func (fakeGate) Check(context.Context) (governor.Decision, error) {
	return governor.Decision{Allowed: true, DailySpentUSD: 12.5, DailyBudgetUSD: 100}, nil
}

type fakeRecords struct {
	resume   *fit.ResumeDoc
	postings map[string]*fit.Posting
	apps     map[string]*fit.Application
	saved    map[string]*fit.Result
}

func (f *fakeRecords) ResumeText(context.Context, string) (*fit.ResumeDoc, error) {
	return f.resume, nil
}

func (f *fakeRecords) Posting(_ context.Context, id string) (*fit.Posting, error) {
	return f.postings[id], nil
}

func (f *fakeRecords) SaveDigest(context.Context, string, *fit.Digest) error { return nil }

func (f *fakeRecords) Application(_ context.Context, _, targetID string) (*fit.Application, error) {
	return f.apps[targetID], nil
}

func (f *fakeRecords) SaveFit(_ context.Context, _, targetID string, r *fit.Result) error {
	if f.saved == nil {
		f.saved = map[string]*fit.Result{}
	}
	f.saved[targetID] = r
	return nil
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	}
	return cmd
}

type fixture struct {
	svc         *Service
	store       *fakeJobs
	interactive *fakeLane
	batch       *fakeLane
	scorer      *fakeScorer
	limiter     *fakeLimiter
	records     *fakeRecords
}

func newFixture() *fixture {
	records := &fakeRecords{
		resume: &fit.ResumeDoc{OwnerID: "u1", Text: "resume", UpdatedAt: time.Now().Add(-48 * time.Hour)},
		postings: map[string]*fit.Posting{
			"t1": {ID: "t1", Title: "Backend Engineer", Description: "go", UpdatedAt: time.Now().Add(-24 * time.Hour)},
			"t2": {ID: "t2", Title: "SRE", Description: "k8s", UpdatedAt: time.Now().Add(-24 * time.Hour)},
		},
		apps: map[string]*fit.Application{},
	}
	f := &fixture{
		store:       newFakeJobs(),
		interactive: &fakeLane{removeOK: true},
		batch:       &fakeLane{removeOK: true},
		scorer:      &fakeScorer{},
		limiter:     &fakeLimiter{status: quota.Status{Used: 1, Limit: 5, Remaining: 4}},
		records:     records,
	}
	f.svc = New(
		f.store, f.interactive, f.batch,
		f.scorer, fakeDigests{}, f.limiter, fakeGate{},
		records, records, records,
		&fakePinger{}, zap.NewNop(),
	)
	return f
}

func freshApp(targetID string) *fit.Application {
	now := time.Now()
	score := 88
	return &fit.Application{
		OwnerID:       "u1",
		TargetID:      targetID,
		FitScore:      &score,
		FitLabel:      fit.LabelStrong,
		FitComputedAt: &now,
		DigestVersion: fit.DigestVersion,
	}
}

func TestSubmitInteractiveQueuesJob(t *testing.T) {
	f := newFixture()

	sub, err := f.svc.SubmitInteractive(context.Background(), InteractiveRequest{OwnerID: "u1", TargetID: "t1"})
	if err != nil {
		t.Fatalf("SubmitInteractive() error = %v", err)
	}
	if sub.Job == nil || sub.Job.Lane != queue.LaneInteractive {
		t.Fatalf("submission = %+v, want interactive job", sub)
	}
	if len(f.interactive.enqueued) != 1 || f.interactive.enqueued[0].JobID != sub.Job.ID {
		t.Fatalf("enqueued = %+v, want one message for the job", f.interactive.enqueued)
	}
	if sub.Job.HandleID != "handle-"+sub.Job.ID {
		t.Fatalf("handle = %q, want persisted queue handle", sub.Job.HandleID)
	}
}

func TestSubmitInteractiveValidatesRequest(t *testing.T) {
	f := newFixture()

	_, err := f.svc.SubmitInteractive(context.Background(), InteractiveRequest{OwnerID: "u1"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestSubmitInteractiveReturnsExistingJob(t *testing.T) {
	f := newFixture()

	first, err := f.svc.SubmitInteractive(context.Background(), InteractiveRequest{OwnerID: "u1", TargetID: "t1"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := f.svc.SubmitInteractive(context.Background(), InteractiveRequest{OwnerID: "u1", TargetID: "t1"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Job.ID != first.Job.ID {
		t.Fatalf("second submit created job %s, want existing %s", second.Job.ID, first.Job.ID)
	}
	if !second.Existing || first.Existing {
		t.Fatalf("existing flags = %v/%v, want only the resubmission marked", first.Existing, second.Existing)
	}
	if len(f.interactive.enqueued) != 1 {
		t.Fatalf("enqueued %d messages, want 1", len(f.interactive.enqueued))
	}
}

func TestSubmitInteractiveServesFreshScoreWithoutQueueing(t *testing.T) {
	f := newFixture()
	f.records.apps["t1"] = freshApp("t1")

	sub, err := f.svc.SubmitInteractive(context.Background(), InteractiveRequest{OwnerID: "u1", TargetID: "t1"})
	if err != nil {
		t.Fatalf("SubmitInteractive() error = %v", err)
	}
	if sub.Job != nil {
		t.Fatalf("job = %+v, want none for a fresh score", sub.Job)
	}
	if sub.Fit == nil || !sub.Fit.Cached || sub.Fit.Score != 88 {
		t.Fatalf("fit = %+v, want cached score 88", sub.Fit)
	}
	if f.limiter.calls != 0 {
		t.Fatal("cached answers must not consult the quota")
	}
}

func TestSubmitInteractiveRejectsWhenQuotaExhausted(t *testing.T) {
	f := newFixture()
	f.limiter.status = quota.Status{Used: 5, Limit: 5, Remaining: 0}

	_, err := f.svc.SubmitInteractive(context.Background(), InteractiveRequest{OwnerID: "u1", TargetID: "t1"})
	var qerr *QuotaExhaustedError
	if !errors.As(err, &qerr) {
		t.Fatalf("error = %v, want QuotaExhaustedError", err)
	}
	if len(f.store.jobs) != 0 {
		t.Fatal("no job should be created on quota rejection")
	}
}

func TestSubmitInteractiveRejectsAtPendingCap(t *testing.T) {
	f := newFixture()
	f.store.pending[queue.LaneInteractive] = maxPendingInteractive

	_, err := f.svc.SubmitInteractive(context.Background(), InteractiveRequest{OwnerID: "u1", TargetID: "t1"})
	var perr *TooManyPendingError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want TooManyPendingError", err)
	}
}

func TestSubmitInteractiveMarksJobFailedWhenEnqueueFails(t *testing.T) {
	f := newFixture()
	f.interactive.enqueueErr = fmt.Errorf("connection refused")

	_, err := f.svc.SubmitInteractive(context.Background(), InteractiveRequest{OwnerID: "u1", TargetID: "t1"})
	if err == nil {
		t.Fatal("expected error when enqueue fails")
	}
	if f.store.failedCode != queue.ErrCodeEnqueueFailed {
		t.Fatalf("failed code = %q, want ENQUEUE_FAILED", f.store.failedCode)
	}
}

func TestSubmitBatchExcludesFreshTargets(t *testing.T) {
	f := newFixture()
	f.records.apps["t1"] = freshApp("t1")

	sub, err := f.svc.SubmitBatch(context.Background(), BatchRequest{OwnerID: "u1", TargetIDs: []string{"t1", "t2", "t2"}})
	if err != nil {
		t.Fatalf("SubmitBatch() error = %v", err)
	}
	if sub.CachedCount != 1 {
		t.Fatalf("cachedCount = %d, want 1", sub.CachedCount)
	}
	if got := sub.Job.Targets(); len(got) != 1 || got[0] != "t2" {
		t.Fatalf("job targets = %v, want only the stale t2", got)
	}
	if len(f.batch.enqueued) != 1 {
		t.Fatalf("enqueued %d batch messages, want 1", len(f.batch.enqueued))
	}
}

func TestSubmitBatchFullyCachedCreatesNoJob(t *testing.T) {
	f := newFixture()
	f.records.apps["t1"] = freshApp("t1")
	f.records.apps["t2"] = freshApp("t2")

	sub, err := f.svc.SubmitBatch(context.Background(), BatchRequest{OwnerID: "u1", TargetIDs: []string{"t1", "t2"}})
	if err != nil {
		t.Fatalf("SubmitBatch() error = %v", err)
	}
	if sub.Job != nil {
		t.Fatalf("job = %+v, want none when everything is cached", sub.Job)
	}
	if sub.CachedCount != 2 {
		t.Fatalf("cachedCount = %d, want 2", sub.CachedCount)
	}
	if len(f.store.jobs) != 0 {
		t.Fatal("no job record should exist")
	}
}

func TestSubmitBatchRejectsUnaffordableStaleSet(t *testing.T) {
	f := newFixture()
	f.limiter.status = quota.Status{Used: 4, Limit: 5, Remaining: 1}

	_, err := f.svc.SubmitBatch(context.Background(), BatchRequest{OwnerID: "u1", TargetIDs: []string{"t1", "t2"}})
	var qerr *QuotaExhaustedError
	if !errors.As(err, &qerr) {
		t.Fatalf("error = %v, want QuotaExhaustedError", err)
	}
	if qerr.Requested != 2 || qerr.Status.Remaining != 1 {
		t.Fatalf("quota detail = %d requested / %d remaining", qerr.Requested, qerr.Status.Remaining)
	}
	if len(f.store.jobs) != 0 {
		t.Fatal("no job should be created when the batch is unaffordable")
	}
}

func TestSubmitBatchRejectsSecondPendingBatch(t *testing.T) {
	f := newFixture()
	f.store.pending[queue.LaneBatch] = maxPendingBatch

	_, err := f.svc.SubmitBatch(context.Background(), BatchRequest{OwnerID: "u1", TargetIDs: []string{"t1"}})
	var perr *TooManyPendingError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want TooManyPendingError", err)
	}
	if perr.Lane != queue.LaneBatch {
		t.Fatalf("lane = %q, want batch", perr.Lane)
	}
}

func TestJobStatusHidesOtherOwnersJobs(t *testing.T) {
	f := newFixture()
	sub, err := f.svc.SubmitInteractive(context.Background(), InteractiveRequest{OwnerID: "u1", TargetID: "t1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := f.svc.JobStatus(context.Background(), "u2", sub.Job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound for foreign owner", err)
	}
	if got, err := f.svc.JobStatus(context.Background(), "u1", sub.Job.ID); err != nil || got.ID != sub.Job.ID {
		t.Fatalf("owner lookup = %v, %v", got, err)
	}
}

func TestCancelPendingJobRemovesQueuedMessage(t *testing.T) {
	f := newFixture()
	sub, err := f.svc.SubmitInteractive(context.Background(), InteractiveRequest{OwnerID: "u1", TargetID: "t1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job, err := f.svc.Cancel(context.Background(), "u1", sub.Job.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if job.Status != queue.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", job.Status)
	}
	if len(f.interactive.removed) != 1 {
		t.Fatalf("removed %d handles, want 1", len(f.interactive.removed))
	}
}

func TestCancelActiveJobSetsFlagOnly(t *testing.T) {
	f := newFixture()
	sub, err := f.svc.SubmitInteractive(context.Background(), InteractiveRequest{OwnerID: "u1", TargetID: "t1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	sub.Job.Status = queue.StatusActive

	job, err := f.svc.Cancel(context.Background(), "u1", sub.Job.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if job.Status != queue.StatusActive {
		t.Fatalf("status = %q, active jobs flip only at the worker's safe point", job.Status)
	}
	if !f.store.cancelFlags[job.ID] {
		t.Fatal("cancel flag not set")
	}
}

func TestCancelCompletedJobFails(t *testing.T) {
	f := newFixture()
	sub, err := f.svc.SubmitInteractive(context.Background(), InteractiveRequest{OwnerID: "u1", TargetID: "t1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	sub.Job.Status = queue.StatusCompleted

	_, err = f.svc.Cancel(context.Background(), "u1", sub.Job.ID)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestGetHealthSnapshot(t *testing.T) {
	f := newFixture()

	h := f.svc.GetHealth(context.Background())
	if h.Redis != "ok" {
		t.Fatalf("redis = %q, want ok", h.Redis)
	}
	lane := h.Lanes[queue.LaneInteractive]
	if lane.Waiting != 4 || lane.Active != 1 || lane.Completed != 2 || lane.Failed != 3 {
		t.Fatalf("lane health = %+v", lane)
	}
	if h.DailySpentUSD != 12.5 || h.DailyBudgetUSD != 100 {
		t.Fatalf("spend snapshot = %v/%v", h.DailySpentUSD, h.DailyBudgetUSD)
	}
}

func TestGetHealthReportsRedisFailure(t *testing.T) {
	f := newFixture()
	f.svc.rc = &fakePinger{err: fmt.Errorf("connection refused")}

	h := f.svc.GetHealth(context.Background())
	if h.Redis == "ok" {
		t.Fatal("expected degraded redis status")
	}
}

func TestHandleInteractiveComputesAndCompletes(t *testing.T) {
	f := newFixture()
	job := queue.NewInteractiveJob("u1", "t1")
	if err := f.store.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := f.svc.HandleInteractive(context.Background(), job, 1); err != nil {
		t.Fatalf("HandleInteractive() error = %v", err)
	}
	if job.Status != queue.StatusCompleted {
		t.Fatalf("status = %q, want completed", job.Status)
	}
	if job.Result == nil || job.Result.Fit == nil || job.Result.Fit.Score != 72 {
		t.Fatalf("result = %+v, want score 72", job.Result)
	}
	if f.records.saved["t1"] == nil {
		t.Fatal("fit result not persisted to the application record")
	}
}

func TestHandleInteractiveServesCachedScore(t *testing.T) {
	f := newFixture()
	f.records.apps["t1"] = freshApp("t1")
	job := queue.NewInteractiveJob("u1", "t1")

	if err := f.svc.HandleInteractive(context.Background(), job, 1); err != nil {
		t.Fatalf("HandleInteractive() error = %v", err)
	}
	if f.scorer.calls != 0 {
		t.Fatal("fresh score must not trigger a computation")
	}
	if job.Status != queue.StatusCompleted || job.Result.Fit == nil || !job.Result.Fit.Cached {
		t.Fatalf("job = %+v, want completed with cached fit", job)
	}
}

func TestHandleInteractiveQuotaExhaustedIsTerminal(t *testing.T) {
	f := newFixture()
	f.limiter.status = quota.Status{Used: 5, Limit: 5, Remaining: 0}
	job := queue.NewInteractiveJob("u1", "t1")

	err := f.svc.HandleInteractive(context.Background(), job, 1)
	if !errors.Is(err, quota.ErrExhausted) {
		t.Fatalf("error = %v, want quota.ErrExhausted", err)
	}
}

func TestHandleInteractiveHonorsCancelFlag(t *testing.T) {
	f := newFixture()
	job := queue.NewInteractiveJob("u1", "t1")
	f.store.cancelFlags[job.ID] = true

	if err := f.svc.HandleInteractive(context.Background(), job, 1); err != nil {
		t.Fatalf("HandleInteractive() error = %v", err)
	}
	if job.Status != queue.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", job.Status)
	}
	if f.scorer.calls != 0 {
		t.Fatal("cancelled job must not be scored")
	}
}
