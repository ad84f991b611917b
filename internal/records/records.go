// Package records reads and writes the resume, posting and application
// documents shared with the web tier. Documents are whole-JSON values in
// redis; the web tier owns their lifecycle, this subsystem only annotates
// them with digests and fit results.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hireloop/fitqueue/internal/fit"
)

// Store implements fit.ResumeProvider, fit.PostingProvider and
// fit.ApplicationStore on top of redis.
type Store struct {
	rc     *redis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

func NewStore(rc *redis.Client, prefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rc: rc, prefix: prefix, logger: logger, now: time.Now}
}

func (s *Store) resumeKey(ownerID string) string { return s.prefix + ":resume:" + ownerID }

func (s *Store) postingKey(targetID string) string { return s.prefix + ":posting:" + targetID }

func (s *Store) applicationKey(ownerID, targetID string) string {
	return fmt.Sprintf("%s:application:%s:%s", s.prefix, ownerID, targetID)
}

// getJSON reads one document. Missing keys come back as (false, nil) so
// callers can distinguish absence from breakage.
func getJSON(ctx context.Context, rc *redis.Client, key string, out any) (bool, error) {
	raw, err := rc.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func setJSON(ctx context.Context, rc *redis.Client, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := rc.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Store) ResumeText(ctx context.Context, ownerID string) (*fit.ResumeDoc, error) {
	var doc fit.ResumeDoc
	ok, err := getJSON(ctx, s.rc, s.resumeKey(ownerID), &doc)
	if err != nil || !ok {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) Posting(ctx context.Context, targetID string) (*fit.Posting, error) {
	var posting fit.Posting
	ok, err := getJSON(ctx, s.rc, s.postingKey(targetID), &posting)
	if err != nil || !ok {
		return nil, err
	}
	return &posting, nil
}

// SaveDigest writes a rebuilt digest back onto the posting. The digest is a
// cache: it deliberately does not touch UpdatedAt, which tracks edits to the
// posting content itself.
func (s *Store) SaveDigest(ctx context.Context, targetID string, digest *fit.Digest) error {
	posting, err := s.Posting(ctx, targetID)
	if err != nil {
		return err
	}
	if posting == nil {
		return fmt.Errorf("posting %s not found", targetID)
	}
	posting.Digest = digest
	return setJSON(ctx, s.rc, s.postingKey(targetID), posting)
}

func (s *Store) Application(ctx context.Context, ownerID, targetID string) (*fit.Application, error) {
	var app fit.Application
	ok, err := getJSON(ctx, s.rc, s.applicationKey(ownerID, targetID), &app)
	if err != nil || !ok {
		return nil, err
	}
	return &app, nil
}

// SaveFit stamps a freshly computed score onto the application record,
// creating the record when the web tier has not written one yet.
func (s *Store) SaveFit(ctx context.Context, ownerID, targetID string, result *fit.Result) error {
	app, err := s.Application(ctx, ownerID, targetID)
	if err != nil {
		return err
	}
	if app == nil {
		app = &fit.Application{OwnerID: ownerID, TargetID: targetID}
	}

	score := result.Score
	computedAt := result.ComputedAt
	if computedAt.IsZero() {
		computedAt = s.now().UTC()
	}
	app.FitScore = &score
	app.FitLabel = result.Label
	app.FitReasons = result.Reasons
	app.FitComputedAt = &computedAt
	app.FitModel = result.Model
	app.DigestVersion = result.DigestVersion

	if err := setJSON(ctx, s.rc, s.applicationKey(ownerID, targetID), app); err != nil {
		return err
	}
	s.logger.Debug("fit result saved",
		zap.String("owner_id", ownerID),
		zap.String("target_id", targetID),
		zap.Int("score", score),
	)
	return nil
}
