// Package template merges function-only submissions into instructor templates.
package template

import (
	"context"
	"strings"

	"nojudge/internal/common/storage"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Insertion markers. A template carries either the single marker, which is
// replaced, or a start/end pair, whose body is replaced.
const (
	MarkerHere  = "// STUDENT_CODE_HERE"
	MarkerStart = "// === STUDENT_CODE_START ==="
	MarkerEnd   = "// === STUDENT_CODE_END ==="
)

// Python templates use the same markers with a hash comment.
var markerSets = []struct{ here, start, end string }{
	{MarkerHere, MarkerStart, MarkerEnd},
	{"# STUDENT_CODE_HERE", "# === STUDENT_CODE_START ===", "# === STUDENT_CODE_END ==="},
}

// Merge inserts code into tmpl.
func Merge(tmpl, code string) (string, error) {
	for _, m := range markerSets {
		if strings.Contains(tmpl, m.here) {
			return strings.Replace(tmpl, m.here, code, 1), nil
		}
		start := strings.Index(tmpl, m.start)
		end := strings.Index(tmpl, m.end)
		if start >= 0 && end > start {
			before := tmpl[:start+len(m.start)]
			return before + "\n" + code + "\n" + tmpl[end:], nil
		}
	}
	return "", pkgerrors.New(pkgerrors.TemplateInvalid).WithMessage("template has no student code marker")
}

// Validate reports whether tmpl carries a usable marker.
func Validate(tmpl string) error {
	_, err := Merge(tmpl, "")
	return err
}

// Service loads templates from the templates bucket.
type Service struct {
	store storage.ObjectStorage
}

func NewService(store storage.ObjectStorage) *Service {
	return &Service{store: store}
}

// Merge downloads the template stored under key and inserts code.
func (s *Service) Merge(ctx context.Context, key, code string) (string, error) {
	tmpl, err := storage.ReadString(ctx, s.store, storage.BucketTemplates, key)
	if err != nil {
		return "", pkgerrors.Wrapf(err, pkgerrors.StorageError, "load template %s", key)
	}
	merged, err := Merge(tmpl, code)
	if err != nil {
		logger.Error(ctx, "template merge failed", zap.String("template", key), zap.Error(err))
		return "", err
	}
	return merged, nil
}

// Validate checks the stored template without merging anything.
func (s *Service) Validate(ctx context.Context, key string) error {
	tmpl, err := storage.ReadString(ctx, s.store, storage.BucketTemplates, key)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.StorageError, "load template %s", key)
	}
	return Validate(tmpl)
}
