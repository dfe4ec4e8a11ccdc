// Package lock provides owner-checked distributed locks for judge workers.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"nojudge/internal/common/cache"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const keyPrefix = "lock:"

// ErrBusy is wrapped by Acquire when every attempt found the lock held.
var ErrBusy = errors.New("lock busy")

// Options controls acquisition. Zero fields take the defaults below.
type Options struct {
	TTL        time.Duration
	Retries    int
	RetryDelay time.Duration
}

var defaultOptions = Options{
	TTL:        60 * time.Second,
	Retries:    10,
	RetryDelay: 200 * time.Millisecond,
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = defaultOptions.TTL
	}
	if o.Retries <= 0 {
		o.Retries = defaultOptions.Retries
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	return o
}

// Lock is a held lock. Its token is single use: Release invalidates it.
type Lock struct {
	Key      string
	Token    string
	released atomic.Bool
}

// Service acquires and releases locks against a shared store.
type Service struct {
	locks cache.LockOps
	kv    cache.BasicOps
}

// NewService builds a lock service over a cache.
func NewService(c cache.Cache) *Service {
	return &Service{locks: c, kv: c}
}

// NewServiceWithOps allows separate stores; kv may be nil when GetOrLoad is unused.
func NewServiceWithOps(locks cache.LockOps, kv cache.BasicOps) *Service {
	return &Service{locks: locks, kv: kv}
}

// Acquire tries up to opts.Retries times, sleeping RetryDelay between attempts.
// It returns a LockFailed error when the lock stays busy.
func (s *Service) Acquire(ctx context.Context, key string, opts Options) (*Lock, error) {
	opts = opts.withDefaults()
	fullKey := keyPrefix + key
	token := uuid.NewString()

	for i := 0; i < opts.Retries; i++ {
		ok, err := s.locks.AcquireLock(ctx, fullKey, token, opts.TTL)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.LockFailed, "acquire %s", fullKey)
		}
		if ok {
			logger.Debug(ctx, "lock acquired", zap.String("key", fullKey))
			return &Lock{Key: fullKey, Token: token}, nil
		}
		if i < opts.Retries-1 {
			if err := sleep(ctx, opts.RetryDelay); err != nil {
				return nil, pkgerrors.Wrapf(err, pkgerrors.LockFailed, "acquire %s", fullKey)
			}
		}
	}
	if opts.Retries > 1 {
		logger.Warn(ctx, "lock busy after retries", zap.String("key", fullKey), zap.Int("retries", opts.Retries))
	}
	return nil, pkgerrors.Wrapf(ErrBusy, pkgerrors.LockFailed, "lock %s is busy", fullKey)
}

// AcquireWait retries until the lock is free or ctx ends.
func (s *Service) AcquireWait(ctx context.Context, key string, ttl, delay time.Duration) (*Lock, error) {
	if delay <= 0 {
		delay = defaultOptions.RetryDelay
	}
	for {
		l, err := s.Acquire(ctx, key, Options{TTL: ttl, Retries: 1})
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrBusy) {
			return nil, err
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.LockFailed, "wait for %s", keyPrefix+key)
		}
	}
}

// Release deletes the lock only when l still owns it.
// A second Release of the same Lock, or one after expiry, returns LockNotHeld.
func (s *Service) Release(ctx context.Context, l *Lock) error {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return pkgerrors.New(pkgerrors.LockNotHeld)
	}
	ok, err := s.locks.ReleaseLock(context.WithoutCancel(ctx), l.Key, l.Token)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.LockFailed, "release %s", l.Key)
	}
	if !ok {
		logger.Warn(ctx, "lock release rejected, token mismatch or expired", zap.String("key", l.Key))
		return pkgerrors.Newf(pkgerrors.LockNotHeld, "lock %s is no longer held", l.Key)
	}
	return nil
}

// Extend refreshes the TTL of a held lock.
func (s *Service) Extend(ctx context.Context, l *Lock, ttl time.Duration) error {
	if l == nil || l.released.Load() {
		return pkgerrors.New(pkgerrors.LockNotHeld)
	}
	ok, err := s.locks.ExtendLock(ctx, l.Key, l.Token, ttl)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.LockFailed, "extend %s", l.Key)
	}
	if !ok {
		return pkgerrors.Newf(pkgerrors.LockNotHeld, "lock %s is no longer held", l.Key)
	}
	return nil
}

// WithLock runs fn while holding key. Release failures are logged, not returned.
func (s *Service) WithLock(ctx context.Context, key string, opts Options, fn func(context.Context) error) error {
	l, err := s.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	defer s.releaseQuietly(ctx, l)
	return fn(ctx)
}

// TryWithLock makes a single attempt; it reports false without running fn when the lock is busy.
func (s *Service) TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	l, err := s.Acquire(ctx, key, Options{TTL: ttl, Retries: 1})
	if err != nil {
		if errors.Is(err, ErrBusy) {
			logger.Debug(ctx, "lock busy, skipping", zap.String("key", keyPrefix+key))
			return false, nil
		}
		return false, err
	}
	defer s.releaseQuietly(ctx, l)
	return true, fn(ctx)
}

func (s *Service) releaseQuietly(ctx context.Context, l *Lock) {
	if err := s.Release(ctx, l); err != nil {
		logger.Warn(ctx, "lock release failed", zap.String("key", l.Key), zap.Error(err))
	}
}

// GetOrLoad returns the JSON value cached at key, or loads it under a loader lock.
// The cache is re-checked after the lock is taken so only one process runs loader.
func GetOrLoad[T any](ctx context.Context, s *Service, key string, ttl time.Duration, loader func(context.Context) (T, error)) (T, error) {
	var zero T
	if s.kv == nil {
		return zero, pkgerrors.New(pkgerrors.CacheError).WithMessage("lock service has no key-value store")
	}
	if v, ok := readJSON[T](ctx, s.kv, key); ok {
		return v, nil
	}

	var out T
	err := s.WithLock(ctx, "loader:"+key, Options{}, func(ctx context.Context) error {
		if v, ok := readJSON[T](ctx, s.kv, key); ok {
			out = v
			return nil
		}
		v, err := loader(ctx)
		if err != nil {
			return err
		}
		out = v
		data, err := json.Marshal(v)
		if err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.CacheError, "encode %s", key)
		}
		if err := s.kv.Set(ctx, key, string(data), cache.JitterTTL(ttl)); err != nil {
			logger.Warn(ctx, "cache store failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return zero, err
	}
	return out, nil
}

func readJSON[T any](ctx context.Context, kv cache.BasicOps, key string) (T, bool) {
	var v T
	raw, err := kv.Get(ctx, key)
	if err != nil || raw == "" {
		return v, false
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, false
	}
	return v, true
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
