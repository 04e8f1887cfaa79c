package sharedstate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	errspkg "github.com/drblury/sessionflow/internal/runtime/errors"
	"github.com/drblury/sessionflow/internal/runtime/jsoncodec"
)

// kvBucket is the subset of jetstream.KeyValue the store uses.
type kvBucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Purge(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

// envelope carries the value with its expiry. The bucket has no per-key TTL,
// so expiry is enforced on read and expired keys are purged when seen.
type envelope struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// NATSStore keeps keys in a JetStream KV bucket. Keys are base64url encoded
// because KV keys only allow a restricted alphabet.
type NATSStore struct {
	bucket kvBucket
	now    func() time.Time
	close  func()
}

// NewNATSStore wraps an existing bucket.
func NewNATSStore(bucket jetstream.KeyValue) *NATSStore {
	return newNATSStore(bucket, func() {})
}

func newNATSStore(bucket kvBucket, closeFn func()) *NATSStore {
	return &NATSStore{bucket: bucket, now: time.Now, close: closeFn}
}

// NewNATSStoreFromURL connects to rawURL and opens (or creates) bucket. A
// positive maxAge becomes the bucket TTL of a newly created bucket, removing
// keys that are never read again.
func NewNATSStoreFromURL(ctx context.Context, rawURL, bucket string, maxAge time.Duration) (*NATSStore, error) {
	nc, err := nats.Connect(rawURL, nats.Name("sessionflow"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "sessionflow shared state",
			History:     1,
			TTL:         max(maxAge, 0),
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return newNATSStore(kv, nc.Close), nil
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (n *NATSStore) load(ctx context.Context, key string) (envelope, error) {
	entry, err := n.bucket.Get(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return envelope{}, errspkg.ErrNotFound
	}
	if err != nil {
		return envelope{}, fmt.Errorf("kv get %s: %w", key, err)
	}
	var env envelope
	if err := jsoncodec.Unmarshal(entry.Value(), &env); err != nil {
		return envelope{}, fmt.Errorf("kv decode %s: %w", key, err)
	}
	if env.ExpiresAt != 0 && n.now().UnixNano() >= env.ExpiresAt {
		// Guarded by revision so a concurrent Set is never purged.
		_ = n.bucket.Purge(ctx, encodeKey(key), jetstream.LastRevision(entry.Revision()))
		return envelope{}, errspkg.ErrNotFound
	}
	return env, nil
}

func (n *NATSStore) store(ctx context.Context, key string, env envelope) error {
	data, err := jsoncodec.Marshal(env)
	if err != nil {
		return fmt.Errorf("kv encode %s: %w", key, err)
	}
	if _, err := n.bucket.Put(ctx, encodeKey(key), data); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (n *NATSStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return n.now().Add(ttl).UnixNano()
}

func (n *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	env, err := n.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return env.Value, nil
}

func (n *NATSStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.store(ctx, key, envelope{Value: value, ExpiresAt: n.expiry(ttl)})
}

func (n *NATSStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	env, err := n.load(ctx, key)
	if err != nil {
		return err
	}
	env.ExpiresAt = n.expiry(ttl)
	return n.store(ctx, key, env)
}

// Close closes the connection when the store opened it.
func (n *NATSStore) Close() error {
	n.close()
	return nil
}
