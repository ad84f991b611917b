package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hireloop/fitqueue/internal/fit"
	"github.com/hireloop/fitqueue/internal/quota"
	"github.com/hireloop/fitqueue/internal/utils"
)

const (
	defaultPopTimeout   = time.Second
	defaultPromoteEvery = 500 * time.Millisecond
)

// RetryPolicy is the queue-independent backoff applied around the processing
// function. Attempt 1 is the first delivery; DelayFor(n) spaces attempt n+1.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      int
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.Factor <= 0 {
		p.Factor = 4
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	return p
}

// DelayFor returns the exponential backoff delay after a failed attempt.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(p.Factor)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Handler processes one delivery of a job. Handlers own success: they mark
// the job completed themselves. A returned error hands control to the retry
// policy.
type Handler func(ctx context.Context, job *Job, attempt int) error

// consumer is the lane surface the pool drives. *RedisQueue satisfies it.
type consumer interface {
	Lane() Lane
	Pop(ctx context.Context, timeout time.Duration) (*Message, error)
	Delay(ctx context.Context, msg Message, d time.Duration) (string, error)
	PromoteDue(ctx context.Context) (int, error)
}

// jobStore is the record surface the pool drives. *Store satisfies it.
type jobStore interface {
	Get(ctx context.Context, id string) (*Job, error)
	Save(ctx context.Context, job *Job) error
	SetStatus(ctx context.Context, job *Job, next Status) error
	MarkFailed(ctx context.Context, job *Job, message string, code ErrorCode) error
}

// Pool runs a fixed number of workers against one lane. Each worker handles
// one job at a time; lanes are independent.
type Pool struct {
	queue   consumer
	store   jobStore
	handler Handler
	workers int
	retry   RetryPolicy
	logger  *zap.Logger

	popTimeout   time.Duration
	promoteEvery time.Duration
	wg           sync.WaitGroup
}

func NewPool(queue consumer, store jobStore, handler Handler, workers int, retry RetryPolicy, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:        queue,
		store:        store,
		handler:      handler,
		workers:      workers,
		retry:        retry.withDefaults(),
		logger:       logger.With(zap.String("lane", string(queue.Lane()))),
		popTimeout:   defaultPopTimeout,
		promoteEvery: defaultPromoteEvery,
	}
}

// Start launches the workers plus one promoter goroutine that moves due
// retry messages back onto the waiting list. Returns immediately; use Wait
// to block until the context ends and all workers drain.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.promote(ctx)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}

	p.logger.Info("worker pool started", zap.Int("workers", p.workers))
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) promote(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.promoteEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.queue.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("promoting delayed messages", zap.Error(err))
			}
		}
	}
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := p.queue.Pop(ctx, p.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("popping from lane", zap.Error(err))
			_ = utils.WaitFor(ctx, time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		p.process(ctx, logger, msg)
	}
}

func (p *Pool) process(ctx context.Context, logger *zap.Logger, msg *Message) {
	logger = logger.With(zap.String("job_id", msg.JobID), zap.Int("attempt", msg.Attempt))

	job, err := p.store.Get(ctx, msg.JobID)
	if errors.Is(err, ErrNotFound) {
		logger.Warn("dropping message for unknown job")
		return
	}
	if err != nil {
		logger.Error("loading job", zap.Error(err))
		p.requeue(ctx, logger, *msg)
		return
	}

	if job.Status.Terminal() {
		// Cancellation raced the delivery.
		logger.Debug("dropping message for terminal job", zap.String("status", string(job.Status)))
		return
	}

	if job.Status == StatusPending {
		if err := p.store.SetStatus(ctx, job, StatusActive); err != nil {
			logger.Error("activating job", zap.Error(err))
			p.requeue(ctx, logger, *msg)
			return
		}
	}
	job.Attempts = msg.Attempt

	handlerErr := p.handler(ctx, job, msg.Attempt)
	if handlerErr == nil {
		return
	}

	// Shutdown mid-job: put the same attempt back so another process picks
	// it up; the checkpoint makes re-delivery safe.
	if ctx.Err() != nil {
		detached := context.WithoutCancel(ctx)
		if err := p.store.SetStatus(detached, job, StatusPending); err != nil {
			logger.Error("parking job for restart", zap.Error(err))
		}
		p.requeue(detached, logger, *msg)
		return
	}

	if msg.Attempt >= p.retry.MaxAttempts || !Retryable(handlerErr) {
		logger.Warn("job failed terminally", zap.Error(handlerErr))
		if err := p.store.MarkFailed(ctx, job, handlerErr.Error(), CodeForError(handlerErr)); err != nil {
			logger.Error("marking job failed", zap.Error(err))
		}
		return
	}

	delay := p.retry.DelayFor(msg.Attempt)
	logger.Info("retrying job after backoff",
		zap.Duration("delay", delay),
		zap.Error(handlerErr),
	)

	if err := p.store.SetStatus(ctx, job, StatusPending); err != nil {
		logger.Error("parking job for retry", zap.Error(err))
	}

	handle, err := p.queue.Delay(ctx, Message{JobID: msg.JobID, Attempt: msg.Attempt + 1}, delay)
	if err != nil {
		logger.Error("scheduling retry", zap.Error(err))
		if err := p.store.MarkFailed(ctx, job, "scheduling retry failed: "+err.Error(), ErrCodeTransient); err != nil {
			logger.Error("marking job failed", zap.Error(err))
		}
		return
	}

	job.HandleID = handle
	if err := p.store.Save(ctx, job); err != nil {
		logger.Error("saving retry handle", zap.Error(err))
	}
}

// requeue puts a delivery back with a short delay and the same attempt
// number, used when the failure was ours rather than the job's.
func (p *Pool) requeue(ctx context.Context, logger *zap.Logger, msg Message) {
	if _, err := p.queue.Delay(ctx, msg, time.Second); err != nil {
		logger.Error("requeueing message", zap.Error(err))
	}
}

// Retryable reports whether the queue should re-attempt the job later.
// Governor denials and transient provider failures are retryable; quota
// exhaustion is terminal for the request.
func Retryable(err error) bool {
	var circuit *fit.CircuitOpenError
	if errors.As(err, &circuit) {
		return true
	}
	if errors.Is(err, quota.ErrExhausted) {
		return false
	}
	return true
}

// CodeForError classifies a terminal failure for the job record.
func CodeForError(err error) ErrorCode {
	var circuit *fit.CircuitOpenError
	if errors.As(err, &circuit) {
		return ErrCodeCircuitOpen
	}
	if errors.Is(err, quota.ErrExhausted) {
		return ErrCodeQuotaExceeded
	}
	return ErrCodeTransient
}
