package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMemoryStorageRoundTrip(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	if err := s.PutObject(ctx, BucketSubmissions, "sub-1/main.c", strings.NewReader("int main(){}"), 12, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := ReadString(ctx, s, BucketSubmissions, "sub-1/main.c")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "int main(){}" {
		t.Fatalf("unexpected content %q", got)
	}
	stat, err := s.StatObject(ctx, BucketSubmissions, "sub-1/main.c")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if stat.SizeBytes != 12 || stat.ContentType != "text/plain" || stat.ETag == "" {
		t.Fatalf("unexpected stat %+v", stat)
	}
}

func TestMemoryStorageMissingObject(t *testing.T) {
	s := NewMemoryStorage()
	_, err := s.GetObject(context.Background(), BucketTestdata, "nope.zip")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestMemoryStorageSizeMismatch(t *testing.T) {
	s := NewMemoryStorage()
	err := s.PutObject(context.Background(), BucketArtifacts, "a.zip", strings.NewReader("abc"), 10, "")
	if err == nil {
		t.Fatalf("expected size mismatch error")
	}
}
