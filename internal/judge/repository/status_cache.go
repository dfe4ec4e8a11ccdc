package repository

import (
	"context"
	"encoding/json"
	"time"

	"nojudge/internal/common/cache"
	"nojudge/internal/judge/model"
	pkgerrors "nojudge/pkg/errors"
)

const (
	statusKeyPrefix  = "judge:status:"
	defaultStatusTTL = 24 * time.Hour
)

// StatusCache keeps the latest judge status of each submission in Redis.
type StatusCache struct {
	cache cache.BasicOps
	ttl   time.Duration
}

// NewStatusCache creates a status cache; ttl <= 0 keeps snapshots for a day.
func NewStatusCache(c cache.BasicOps, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	return &StatusCache{cache: c, ttl: ttl}
}

// Get returns the cached status of a submission.
func (r *StatusCache) Get(ctx context.Context, submissionID string) (model.JudgeStatus, error) {
	if submissionID == "" {
		return model.JudgeStatus{}, pkgerrors.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return model.JudgeStatus{}, pkgerrors.New(pkgerrors.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, statusKeyPrefix+submissionID)
	if err != nil {
		return model.JudgeStatus{}, pkgerrors.Wrapf(err, pkgerrors.CacheError, "read status failed")
	}
	if val == "" {
		return model.JudgeStatus{}, pkgerrors.New(pkgerrors.NotFound).WithMessage("submission status not found")
	}
	var status model.JudgeStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return model.JudgeStatus{}, pkgerrors.Wrapf(err, pkgerrors.CacheError, "decode status failed")
	}
	return status, nil
}

// Save stores a status snapshot, replacing the previous one.
func (r *StatusCache) Save(ctx context.Context, status model.JudgeStatus) error {
	if status.SubmissionID == "" {
		return pkgerrors.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return pkgerrors.New(pkgerrors.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.CacheError, "encode status failed")
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+status.SubmissionID, string(data), cache.JitterTTL(r.ttl)); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.CacheError, "store status failed")
	}
	return nil
}
