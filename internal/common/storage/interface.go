package storage

import (
	"context"
	"errors"
	"io"
)

// Buckets used by the judge worker. Each holds one kind of content.
const (
	BucketSubmissions = "noj-submissions"
	BucketTestdata    = "noj-testdata"
	BucketCheckers    = "noj-checkers"
	BucketTemplates   = "noj-templates"
	BucketMakefiles   = "noj-makefiles"
	BucketArtifacts   = "noj-artifacts"
	BucketProblems    = "noj-problems"
)

// ErrObjectNotFound is returned when the bucket has no object under the key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage is the blob store contract of the judge worker.
// Only get/put/stat are needed; anything richer belongs to the services that upload.
type ObjectStorage interface {
	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// PutObject uploads sizeBytes from reader. sizeBytes may be -1 when unknown.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// ReadAll downloads an object fully into memory.
func ReadAll(ctx context.Context, s ObjectStorage, bucket, objectKey string) ([]byte, error) {
	rc, err := s.GetObject(ctx, bucket, objectKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ReadString is ReadAll for text objects such as sources and templates.
func ReadString(ctx context.Context, s ObjectStorage, bucket, objectKey string) (string, error) {
	data, err := ReadAll(ctx, s, bucket, objectKey)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
