package fit

import "time"

// FreshnessTTL bounds how long a computed score stays usable even when
// nothing it depends on has changed.
const FreshnessTTL = 7 * 24 * time.Hour

// Reason identifies which staleness rule fired, for logging and job results.
type Reason string

const (
	ReasonFresh         Reason = "fresh"
	ReasonNeverComputed Reason = "never_computed"
	ReasonExpiredTTL    Reason = "expired_ttl"
	ReasonDigestVersion Reason = "digest_version"
	ReasonResumeUpdated Reason = "resume_updated"
	ReasonJobUpdated    Reason = "job_updated"
)

// StalenessInput bundles everything the oracle looks at. Now is injectable so
// rules stay deterministic under test; the zero value means time.Now.
type StalenessInput struct {
	ComputedAt           *time.Time
	ResumeUpdatedAt      *time.Time
	TargetUpdatedAt      time.Time
	CurrentDigestVersion int
	StoredDigestVersion  int
	Now                  time.Time
}

// IsStale reports whether a previously computed score is no longer usable.
func IsStale(in StalenessInput) bool {
	return StalenessReason(in) != ReasonFresh
}

// StalenessReason evaluates the staleness rules in order and returns the
// first one that fires, or ReasonFresh. Pure; safe to call repeatedly.
func StalenessReason(in StalenessInput) Reason {
	if in.ComputedAt == nil {
		return ReasonNeverComputed
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	if now.Sub(*in.ComputedAt) > FreshnessTTL {
		return ReasonExpiredTTL
	}

	if in.StoredDigestVersion != in.CurrentDigestVersion {
		return ReasonDigestVersion
	}

	if in.ResumeUpdatedAt != nil && in.ResumeUpdatedAt.After(*in.ComputedAt) {
		return ReasonResumeUpdated
	}

	if in.TargetUpdatedAt.After(*in.ComputedAt) {
		return ReasonJobUpdated
	}

	return ReasonFresh
}
