package fit

import (
	"context"
	"time"
)

// ResumeDoc is the extracted resume text for one candidate, produced by the
// upload/extraction pipeline outside this subsystem.
type ResumeDoc struct {
	OwnerID   string    `json:"ownerId"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Posting is the job-description record as seen by this subsystem.
type Posting struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Digest      *Digest   `json:"digest,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Application carries the cached fit fields stored on an application record.
type Application struct {
	OwnerID       string     `json:"ownerId"`
	TargetID      string     `json:"targetId"`
	FitScore      *int       `json:"fitScore,omitempty"`
	FitLabel      Label      `json:"fitLabel,omitempty"`
	FitReasons    []string   `json:"fitReasons,omitempty"`
	FitComputedAt *time.Time `json:"fitComputedAt,omitempty"`
	FitModel      string     `json:"fitModel,omitempty"`
	DigestVersion int        `json:"digestVersion,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// CachedResult converts the stored fit fields into a Result marked as cached.
// Returns nil when no fit has ever been computed for the application.
func (a *Application) CachedResult() *Result {
	if a == nil || a.FitScore == nil || a.FitComputedAt == nil {
		return nil
	}
	return &Result{
		Score:         *a.FitScore,
		Label:         a.FitLabel,
		Reasons:       a.FitReasons,
		Model:         a.FitModel,
		Cached:        true,
		ComputedAt:    *a.FitComputedAt,
		DigestVersion: a.DigestVersion,
	}
}

// ResumeProvider returns the extracted resume text for an owner. A nil doc
// without error means no resume text is available.
type ResumeProvider interface {
	ResumeText(ctx context.Context, ownerID string) (*ResumeDoc, error)
}

// PostingProvider reads job-description records and persists rebuilt digests
// back onto them.
type PostingProvider interface {
	Posting(ctx context.Context, targetID string) (*Posting, error)
	SaveDigest(ctx context.Context, targetID string, digest *Digest) error
}

// ApplicationStore reads and writes the cached fit fields on application
// records. A nil application without error means none exists yet.
type ApplicationStore interface {
	Application(ctx context.Context, ownerID, targetID string) (*Application, error)
	SaveFit(ctx context.Context, ownerID, targetID string, result *Result) error
}
