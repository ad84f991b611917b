package service

import (
	"errors"
	"fmt"

	"github.com/hireloop/fitqueue/internal/queue"
	"github.com/hireloop/fitqueue/internal/quota"
)

// ErrNotFound covers both missing jobs and jobs owned by someone else, so a
// caller cannot probe for other owners' job ids.
var ErrNotFound = errors.New("job not found")

// ValidationError reports a malformed request. Callers map it to a 4xx.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// QuotaExhaustedError reports that the owner's monthly allowance cannot
// cover the request. Requested is how many computations the request needed;
// Status.Remaining is how many the owner can still afford.
type QuotaExhaustedError struct {
	Status    quota.Status
	Requested int
}

func (e *QuotaExhaustedError) Error() string {
	if e.Requested > e.Status.Remaining && e.Status.Remaining > 0 {
		return fmt.Sprintf("monthly fit quota too low: %d requested, %d remaining", e.Requested, e.Status.Remaining)
	}
	return fmt.Sprintf("monthly fit quota exhausted: %d of %d used", e.Status.Used, e.Status.Limit)
}

// TooManyPendingError reports that the owner already has the maximum number
// of unfinished jobs on a lane.
type TooManyPendingError struct {
	Lane  queue.Lane
	Limit int
}

func (e *TooManyPendingError) Error() string {
	return fmt.Sprintf("too many pending %s jobs: limit %d", e.Lane, e.Limit)
}
