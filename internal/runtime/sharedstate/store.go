// Package sharedstate is the small key/value contract shared by every
// consumer process: overflow buckets and markers, dynamic restriction rules
// and team records. Backends are Redis, a NATS JetStream KV bucket, or an
// in-process map for single-instance runs and tests.
package sharedstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/sessionflow/internal/runtime/config"
	errspkg "github.com/drblury/sessionflow/internal/runtime/errors"
)

// Store is a key/value store with expiring keys. Get and Expire return
// errors.ErrNotFound for missing or expired keys. A ttl of zero means the key
// does not expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// Open builds the store selected by cfg.
func Open(ctx context.Context, cfg config.SharedStateConfig) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case config.SharedStateRedis:
		store, err = NewRedisStoreFromURL(ctx, cfg.RedisURL)
	case config.SharedStateNATS:
		store, err = NewNATSStoreFromURL(ctx, cfg.NATSURL, cfg.NATSBucket, cfg.NATSMaxAge)
	case config.SharedStateMemory, "":
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown shared state backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return WithTimeout(store, cfg.Timeout), nil
}

// WithTimeout bounds every call on store by d. A zero d returns store as is.
func WithTimeout(store Store, d time.Duration) Store {
	if d <= 0 {
		return store
	}
	return &timeoutStore{inner: store, timeout: d}
}

type timeoutStore struct {
	inner   Store
	timeout time.Duration
}

func (t *timeoutStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Get(ctx, key)
}

func (t *timeoutStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Set(ctx, key, value, ttl)
}

func (t *timeoutStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Expire(ctx, key, ttl)
}

func (t *timeoutStore) Close() error { return t.inner.Close() }

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool {
	return err != nil && errors.Is(err, errspkg.ErrNotFound)
}
