package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
)

// MemoryStorage keeps objects in process memory.
// It backs local runs without MinIO and the tests of packages that read blobs.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]memoryObject)}
}

func memoryKey(bucket, objectKey string) string {
	return bucket + "/" + objectKey
}

func (m *MemoryStorage) GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[memoryKey(bucket, objectKey)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memory get %s/%s: %w", bucket, objectKey, ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStorage) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	if reader == nil {
		return fmt.Errorf("reader is required")
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if sizeBytes >= 0 && int64(len(data)) != sizeBytes {
		return fmt.Errorf("size mismatch: declared %d, read %d", sizeBytes, len(data))
	}
	m.mu.Lock()
	m.objects[memoryKey(bucket, objectKey)] = memoryObject{data: data, contentType: contentType}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error) {
	m.mu.RLock()
	obj, ok := m.objects[memoryKey(bucket, objectKey)]
	m.mu.RUnlock()
	if !ok {
		return ObjectStat{}, fmt.Errorf("memory stat %s/%s: %w", bucket, objectKey, ErrObjectNotFound)
	}
	sum := md5.Sum(obj.data)
	return ObjectStat{
		SizeBytes:   int64(len(obj.data)),
		ETag:        hex.EncodeToString(sum[:]),
		ContentType: obj.contentType,
	}, nil
}

// Put is a convenience for seeding objects.
func (m *MemoryStorage) Put(bucket, objectKey string, data []byte) {
	m.mu.Lock()
	m.objects[memoryKey(bucket, objectKey)] = memoryObject{data: append([]byte(nil), data...)}
	m.mu.Unlock()
}

var _ ObjectStorage = (*MemoryStorage)(nil)
