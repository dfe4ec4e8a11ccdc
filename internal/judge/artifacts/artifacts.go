// Package artifacts bundles files produced during judging and uploads them.
package artifacts

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"nojudge/internal/common/storage"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/logger"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

// DefaultMaxBytes bounds the total size of collected files.
const DefaultMaxBytes int64 = 50 << 20

// File is one collected artifact, named relative to the job directory.
type File struct {
	Name string
	Data []byte
}

// Service collects artifacts from job workspaces into the artifacts bucket.
type Service struct {
	store    storage.ObjectStorage
	maxBytes int64
}

// NewService creates a service; maxBytes <= 0 uses DefaultMaxBytes.
func NewService(store storage.ObjectStorage, maxBytes int64) *Service {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Service{store: store, maxBytes: maxBytes}
}

// Key is the object key of a submission's artifact bundle.
func Key(submissionID string) string {
	return "submissions/" + submissionID + "/artifacts.zip"
}

// Collect returns the regular files under dir matching any of patterns, sorted by name.
// Patterns are slash separated and relative to dir; "**" matches any number of directories.
// Symlinks are never followed.
func (s *Service) Collect(ctx context.Context, dir string, patterns []string) ([]File, error) {
	var clean []string
	for _, p := range patterns {
		p = strings.TrimPrefix(path.Clean(filepath.ToSlash(strings.TrimSpace(p))), "/")
		if p == "" || p == "." || p == ".." || strings.HasPrefix(p, "../") {
			logger.Warn(ctx, "artifact pattern ignored", zap.String("pattern", p))
			continue
		}
		clean = append(clean, p)
	}
	if len(clean) == 0 {
		return nil, nil
	}

	var files []File
	var total int64
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchAny(clean, rel) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			logger.Warn(ctx, "artifact unreadable", zap.String("file", rel), zap.Error(err))
			return nil
		}
		total += int64(len(data))
		if total > s.maxBytes {
			return pkgerrors.Newf(pkgerrors.ArtifactFailure, "artifacts exceed %d bytes", s.maxBytes)
		}
		files = append(files, File{Name: rel, Data: data})
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.ArtifactFailure, "collect artifacts")
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Upload collects matching files, zips them and stores the bundle.
// It returns an empty key when nothing matched.
func (s *Service) Upload(ctx context.Context, submissionID, dir string, patterns []string) (string, error) {
	files, err := s.Collect(ctx, dir, patterns)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		logger.Debug(ctx, "no artifacts matched")
		return "", nil
	}
	data, err := Bundle(files)
	if err != nil {
		return "", err
	}
	key := Key(submissionID)
	if err := s.store.PutObject(ctx, storage.BucketArtifacts, key, bytes.NewReader(data), int64(len(data)), "application/zip"); err != nil {
		return "", pkgerrors.Wrapf(err, pkgerrors.ArtifactFailure, "upload artifacts")
	}
	logger.Info(ctx, "artifacts uploaded", zap.String("key", key), zap.Int("files", len(files)), zap.Int("bytes", len(data)))
	return key, nil
}

// Download returns a stored bundle.
func (s *Service) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := storage.ReadAll(ctx, s.store, storage.BucketArtifacts, key)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.ArtifactFailure, "download artifacts %s", key)
	}
	return data, nil
}

// Bundle writes files into a zip archive.
func Bundle(files []File) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.Name)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.ArtifactFailure, "add %s", f.Name)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.ArtifactFailure, "write %s", f.Name)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.ArtifactFailure, "close archive")
	}
	return buf.Bytes(), nil
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if match(strings.Split(p, "/"), strings.Split(rel, "/")) {
			return true
		}
	}
	return false
}

// match compares slash separated segments; "**" consumes zero or more segments.
func match(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			for i := 0; i <= len(name); i++ {
				if match(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], name[0])
		if err != nil || !ok {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}
