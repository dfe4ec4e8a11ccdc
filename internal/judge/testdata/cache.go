package testdata

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"nojudge/internal/common/storage"
	"nojudge/internal/judge/lock"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/logger"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config tunes the per-worker cache and its cross-worker refresh lock.
type Config struct {
	TTL           time.Duration `yaml:"ttl"`
	Capacity      int           `yaml:"capacity"`
	LockTTL       time.Duration `yaml:"lockTTL"`
	LockRetries   int           `yaml:"lockRetries"`
	LockRetryWait time.Duration `yaml:"lockRetryWait"`
	// FallbackWait is slept before re-checking when the lock stayed busy.
	FallbackWait time.Duration `yaml:"fallbackWait"`
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           10 * time.Minute,
		Capacity:      50,
		LockTTL:       60 * time.Second,
		LockRetries:   30,
		LockRetryWait: 500 * time.Millisecond,
		FallbackWait:  time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.LockRetries <= 0 {
		c.LockRetries = d.LockRetries
	}
	if c.LockRetryWait <= 0 {
		c.LockRetryWait = d.LockRetryWait
	}
	if c.FallbackWait < 0 {
		c.FallbackWait = 0
	}
	return c
}

// Metrics receives cache events: "hit", "miss", "download" and "evict".
type Metrics interface {
	ObserveTestdata(event string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTestdata(string) {}

// Cache keeps recently used testdata in memory, bounded by capacity and TTL.
//
// Lookups go local check, then in-process single flight, then the distributed
// lock, then a second local check before anything is downloaded.
type Cache struct {
	cfg     Config
	source  Source
	store   storage.ObjectStorage
	locks   *lock.Service
	metrics Metrics
	now     func() time.Time

	entries *xsync.MapOf[string, *entry]
	mu      sync.Mutex
	order   fetchHeap
	group   singleflight.Group
}

// NewCache creates a cache. locks may be nil, in which case refreshes are only
// deduplicated within this process.
func NewCache(cfg Config, source Source, store storage.ObjectStorage, locks *lock.Service, metrics Metrics) *Cache {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Cache{
		cfg:     cfg.withDefaults(),
		source:  source,
		store:   store,
		locks:   locks,
		metrics: metrics,
		now:     time.Now,
		entries: xsync.NewMapOf[string, *entry](),
	}
}

// Fetch returns the testdata of problemID, or nil when the problem has none.
// minVersion forces a refresh when the cached version is older (0 accepts any).
func (c *Cache) Fetch(ctx context.Context, problemID string, minVersion int) (*Testdata, error) {
	if td, ok := c.fresh(problemID, minVersion); ok {
		c.metrics.ObserveTestdata("hit")
		logger.Debug(ctx, "testdata served from local cache", zap.String("problem_id", problemID))
		return td, nil
	}
	c.metrics.ObserveTestdata("miss")

	// The shared refresh outlives any single caller; each caller only stops waiting.
	for attempt := 0; ; attempt++ {
		ch := c.group.DoChan(problemID, func() (interface{}, error) {
			return c.refresh(context.WithoutCancel(ctx), problemID, minVersion)
		})
		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		td, _ := res.Val.(*Testdata)
		// A flight started for an older minVersion gets one more round.
		if td == nil || minVersion <= 0 || td.Version >= minVersion || attempt > 0 {
			return td, nil
		}
	}
}

// Invalidate drops the cached entry of problemID.
func (c *Cache) Invalidate(problemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.LoadAndDelete(problemID); ok && e.index >= 0 {
		heap.Remove(&c.order, e.index)
	}
}

// Len returns the number of cached problems.
func (c *Cache) Len() int {
	return c.entries.Size()
}

func (c *Cache) fresh(problemID string, minVersion int) (*Testdata, bool) {
	e, ok := c.entries.Load(problemID)
	if !ok {
		return nil, false
	}
	td := e.data
	if c.now().Sub(td.FetchedAt) >= c.cfg.TTL {
		return nil, false
	}
	if minVersion > 0 && td.Version < minVersion {
		return nil, false
	}
	return td, true
}

func (c *Cache) refresh(ctx context.Context, problemID string, minVersion int) (*Testdata, error) {
	if td, ok := c.fresh(problemID, minVersion); ok {
		return td, nil
	}
	if c.locks == nil {
		return c.load(ctx, problemID, minVersion)
	}

	key := "testdata:" + problemID
	l, err := c.locks.Acquire(ctx, key, lock.Options{
		TTL:        c.cfg.LockTTL,
		Retries:    c.cfg.LockRetries,
		RetryDelay: c.cfg.LockRetryWait,
	})
	switch {
	case err == nil:
	case errors.Is(err, lock.ErrBusy):
		// Another worker is refreshing; give it a moment, then block for the lock.
		logger.Debug(ctx, "testdata lock busy, waiting", zap.String("problem_id", problemID))
		if err := sleep(ctx, c.cfg.FallbackWait); err != nil {
			return nil, err
		}
		if td, ok := c.fresh(problemID, minVersion); ok {
			return td, nil
		}
		l, err = c.locks.AcquireWait(ctx, key, c.cfg.LockTTL, c.cfg.LockRetryWait)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.TestdataUnavailable, "wait for testdata lock")
		}
	default:
		// The lock store is down; a duplicate download is better than no judging.
		logger.Warn(ctx, "testdata lock unavailable, loading without it", zap.String("problem_id", problemID), zap.Error(err))
		return c.load(ctx, problemID, minVersion)
	}
	defer func() {
		if err := c.locks.Release(ctx, l); err != nil {
			logger.Warn(ctx, "testdata lock release failed", zap.String("problem_id", problemID), zap.Error(err))
		}
	}()

	if td, ok := c.fresh(problemID, minVersion); ok {
		return td, nil
	}
	return c.load(ctx, problemID, minVersion)
}

// load reads the active record and downloads its archive. Callers hold the refresh lock.
func (c *Cache) load(ctx context.Context, problemID string, minVersion int) (*Testdata, error) {
	rec, found, err := c.source.ActiveTestdata(ctx, problemID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.TestdataUnavailable, "load testdata record")
	}
	if !found {
		return nil, nil
	}
	if minVersion > 0 && rec.Version < minVersion {
		logger.Warn(ctx, "active testdata older than requested",
			zap.String("problem_id", problemID), zap.Int("active", rec.Version), zap.Int("requested", minVersion))
	}
	if rec.Manifest == nil {
		return nil, pkgerrors.New(pkgerrors.TestdataInvalid).WithMessagef("testdata of %s has no manifest", problemID)
	}
	if err := rec.Manifest.Validate(); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.TestdataInvalid, "invalid manifest")
	}

	c.metrics.ObserveTestdata("download")
	data, err := storage.ReadAll(ctx, c.store, storage.BucketTestdata, rec.ArchiveKey)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.TestdataUnavailable, "download testdata %s", rec.ArchiveKey)
	}
	if err := verify(rec, data); err != nil {
		return nil, err
	}

	td := &Testdata{
		ProblemID:  problemID,
		Version:    rec.Version,
		ArchiveKey: rec.ArchiveKey,
		Manifest:   rec.Manifest,
		Archive:    data,
		FetchedAt:  c.now(),
	}
	c.put(td)
	logger.Info(ctx, "testdata refreshed", zap.String("problem_id", problemID), zap.Int("version", rec.Version), zap.Int("bytes", len(data)))
	return td, nil
}

func (c *Cache) put(td *Testdata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries.Load(td.ProblemID); ok && old.index >= 0 {
		e := &entry{data: td, index: old.index}
		c.order[old.index] = e
		heap.Fix(&c.order, e.index)
		c.entries.Store(td.ProblemID, e)
	} else {
		e := &entry{data: td}
		heap.Push(&c.order, e)
		c.entries.Store(td.ProblemID, e)
	}

	for c.order.Len() > c.cfg.Capacity {
		oldest := heap.Pop(&c.order).(*entry)
		c.entries.Delete(oldest.data.ProblemID)
		c.metrics.ObserveTestdata("evict")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
