package testdata

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nojudge/internal/common/cache"
	"nojudge/internal/common/storage"
	"nojudge/internal/judge/lock"
	pkgerrors "nojudge/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/klauspost/compress/zip"
	"github.com/redis/go-redis/v9"
)

type countingStore struct {
	*storage.MemoryStorage
	gets  int32
	delay time.Duration
}

func (s *countingStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	atomic.AddInt32(&s.gets, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.MemoryStorage.GetObject(ctx, bucket, key)
}

type fakeSource struct {
	mu      sync.Mutex
	records map[string]*Record
	err     error
}

func (f *fakeSource) ActiveTestdata(ctx context.Context, problemID string) (*Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	rec, ok := f.records[problemID]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

func (f *fakeSource) set(rec *Record) {
	f.mu.Lock()
	f.records[rec.ProblemID] = rec
	f.mu.Unlock()
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func newLocks(t *testing.T) *lock.Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return lock.NewService(c)
}

type fixture struct {
	cache  *Cache
	store  *countingStore
	source *fakeSource
	clock  time.Time
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) publish(t *testing.T, problemID string, version int) {
	t.Helper()
	key := fmt.Sprintf("%s/v%d.zip", problemID, version)
	data := buildZip(t, map[string]string{"1.in": "1 2\n", "1.out": "3\n"})
	f.store.Put(storage.BucketTestdata, key, data)
	sum := sha256.Sum256(data)
	f.source.set(&Record{
		ProblemID:  problemID,
		Version:    version,
		ArchiveKey: key,
		SHA256:     hex.EncodeToString(sum[:]),
		Manifest: &Manifest{Cases: []Case{
			{Name: "1", InputFile: "1.in", OutputFile: "1.out", Points: 100},
		}},
	})
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:  &countingStore{MemoryStorage: storage.NewMemoryStorage()},
		source: &fakeSource{records: map[string]*Record{}},
		clock:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.cache = NewCache(cfg, f.source, f.store, newLocks(t), nil)
	f.cache.now = func() time.Time { return f.clock }
	return f
}

func TestFetchRefreshesAfterTTL(t *testing.T) {
	f := newFixture(t, Config{TTL: 10 * time.Minute})
	f.publish(t, "p1", 1)
	ctx := context.Background()

	td, err := f.cache.Fetch(ctx, "p1", 0)
	if err != nil || td == nil {
		t.Fatalf("fetch: %v %v", td, err)
	}
	f.advance(10*time.Minute - time.Millisecond)
	if _, err := f.cache.Fetch(ctx, "p1", 0); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if f.store.gets != 1 {
		t.Fatalf("fresh entry re-downloaded: %d", f.store.gets)
	}

	f.advance(2 * time.Millisecond)
	again, err := f.cache.Fetch(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if f.store.gets != 2 {
		t.Fatalf("expired entry must be refreshed, downloads=%d", f.store.gets)
	}
	if !again.FetchedAt.Equal(f.clock) {
		t.Fatalf("fetchedAt = %s", again.FetchedAt)
	}
}

func TestConcurrentFetchDownloadsOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.delay = 30 * time.Millisecond
	f.publish(t, "p1", 1)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	results := make([]*Testdata, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			td, err := f.cache.Fetch(ctx, "p1", 0)
			if err != nil {
				t.Errorf("fetch: %v", err)
			}
			results[i] = td
		}(i)
	}
	wg.Wait()
	if got := atomic.LoadInt32(&f.store.gets); got != 1 {
		t.Fatalf("downloads = %d, want 1", got)
	}
	for i, td := range results {
		if td != results[0] {
			t.Fatalf("result %d is a different snapshot", i)
		}
	}
}

func TestCanceledCallerDoesNotFailWaiters(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.delay = 60 * time.Millisecond
	f.publish(t, "p1", 1)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.cache.Fetch(firstCtx, "p1", 0)
		firstErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	second := make(chan *Testdata, 1)
	go func() {
		td, err := f.cache.Fetch(context.Background(), "p1", 0)
		if err != nil {
			t.Errorf("waiting caller failed: %v", err)
		}
		second <- td
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-firstErr; err != context.Canceled {
		t.Fatalf("canceled caller err = %v", err)
	}
	if td := <-second; td == nil || td.Version != 1 {
		t.Fatalf("waiting caller got %+v", td)
	}
	if got := atomic.LoadInt32(&f.store.gets); got != 1 {
		t.Fatalf("downloads = %d, want 1", got)
	}
}

func TestJoinedFetchHonorsNewerVersion(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.delay = 60 * time.Millisecond
	f.publish(t, "p1", 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := f.cache.Fetch(context.Background(), "p1", 0); err != nil {
			t.Errorf("fetch: %v", err)
		}
	}()
	time.Sleep(15 * time.Millisecond)
	f.publish(t, "p1", 2)

	td, err := f.cache.Fetch(context.Background(), "p1", 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	<-done
	if td.Version != 2 {
		t.Fatalf("version = %d, want 2", td.Version)
	}
}

func TestFetchVersionBump(t *testing.T) {
	f := newFixture(t, Config{})
	f.publish(t, "p1", 1)
	ctx := context.Background()

	if _, err := f.cache.Fetch(ctx, "p1", 0); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	f.publish(t, "p1", 2)
	td, err := f.cache.Fetch(ctx, "p1", 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if td.Version != 2 || f.store.gets != 2 {
		t.Fatalf("version=%d downloads=%d", td.Version, f.store.gets)
	}
	if f.cache.Len() != 1 {
		t.Fatalf("refresh must replace the entry, len=%d", f.cache.Len())
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	f := newFixture(t, Config{Capacity: 2})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		f.publish(t, id, 1)
		if _, err := f.cache.Fetch(ctx, id, 0); err != nil {
			t.Fatalf("fetch %s: %v", id, err)
		}
		f.advance(time.Second)
	}
	if f.cache.Len() != 2 {
		t.Fatalf("len = %d", f.cache.Len())
	}
	if _, ok := f.cache.entries.Load("a"); ok {
		t.Fatalf("oldest entry must be evicted")
	}

	// Refreshing b makes c the oldest.
	f.cache.Invalidate("b")
	if _, err := f.cache.Fetch(ctx, "b", 0); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	f.publish(t, "d", 1)
	if _, err := f.cache.Fetch(ctx, "d", 0); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, ok := f.cache.entries.Load("c"); ok {
		t.Fatalf("c must be evicted after b was refreshed")
	}
	if _, ok := f.cache.entries.Load("b"); !ok {
		t.Fatalf("b must survive")
	}
}

func TestFetchWithoutTestdata(t *testing.T) {
	f := newFixture(t, Config{})
	td, err := f.cache.Fetch(context.Background(), "missing", 0)
	if err != nil || td != nil {
		t.Fatalf("td=%v err=%v", td, err)
	}
}

func TestFetchRejectsHashMismatch(t *testing.T) {
	f := newFixture(t, Config{})
	f.publish(t, "p1", 1)
	rec, _, _ := f.source.ActiveTestdata(context.Background(), "p1")
	rec.SHA256 = "00"
	f.source.set(rec)

	_, err := f.cache.Fetch(context.Background(), "p1", 0)
	if !pkgerrors.Is(err, pkgerrors.TestdataInvalid) {
		t.Fatalf("expected TestdataInvalid, got %v", err)
	}
	if f.cache.Len() != 0 {
		t.Fatalf("invalid archive must not be cached")
	}
}

func TestFetchWaitsForBusyLock(t *testing.T) {
	locks := newLocks(t)
	f := newFixture(t, Config{LockRetries: 1, LockRetryWait: time.Millisecond, FallbackWait: time.Millisecond})
	f.cache.locks = locks
	f.publish(t, "p1", 1)
	ctx := context.Background()

	held, err := locks.Acquire(ctx, "testdata:p1", lock.Options{TTL: time.Second, Retries: 1})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = locks.Release(ctx, held)
	}()
	td, err := f.cache.Fetch(ctx, "p1", 0)
	if err != nil || td == nil {
		t.Fatalf("fetch after wait: %v %v", td, err)
	}
}

func TestExtractTo(t *testing.T) {
	f := newFixture(t, Config{})
	f.publish(t, "p1", 1)
	td, err := f.cache.Fetch(context.Background(), "p1", 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	names, err := td.ExtractTo(t.TempDir())
	if err != nil || len(names) != 2 {
		t.Fatalf("extract: %v %v", names, err)
	}
}

func TestManifestLimits(t *testing.T) {
	m := &Manifest{DefaultTimeLimitMs: 2000}
	tl, ml := m.Limits(Case{MemoryLimitKb: 1024}, 5000, 262144)
	if tl != 2000 || ml != 1024 {
		t.Fatalf("limits = %d %d", tl, ml)
	}
	tl, ml = (&Manifest{}).Limits(Case{}, 5000, 262144)
	if tl != 5000 || ml != 262144 {
		t.Fatalf("fallback limits = %d %d", tl, ml)
	}
}

func TestParseManifestRejectsEscapes(t *testing.T) {
	if _, err := ParseManifest([]byte(`{"cases":[{"inputFile":"../x.in"}]}`)); err == nil {
		t.Fatalf("escaping input must be rejected")
	}
	m, err := ParseManifest([]byte(`{"cases":[{"name":"1","inputFile":"in/1.in","outputFile":"out/1.out","points":10}]}`))
	if err != nil || len(m.Cases) != 1 || m.Cases[0].Points != 10 {
		t.Fatalf("parse: %+v %v", m, err)
	}
}
