package lease

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// KeyValue is the part of a JetStream key/value bucket the NATS backend
// uses. nats.KeyValue implements it.
type KeyValue interface {
	Get(key string) (nats.KeyValueEntry, error)
	Create(key string, value []byte) (uint64, error)
	Update(key string, value []byte, last uint64) (uint64, error)
}

// BucketFactory opens the key/value bucket for DialNATS. Tests override it.
var BucketFactory = func(url, bucket string) (KeyValue, func() error, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("bucket %s: %w", bucket, err)
	}
	return kv, func() error { nc.Close(); return nil }, nil
}

// DialNATS keeps leases in a JetStream key/value bucket, creating the bucket
// on first use. Revisions come from the bucket, so any number of processes
// can coordinate through it.
func DialNATS(url, bucket string, opts ...Option) (*KVService, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	kv, closer, err := BucketFactory(url, bucket)
	if err != nil {
		return nil, fmt.Errorf("lease: nats: %w", err)
	}
	return newKVService(&natsStore{kv: kv, closer: closer}, opts), nil
}

// NewNATSService uses an already opened bucket. Closing the service leaves
// the bucket's connection open.
func NewNATSService(kv KeyValue, opts ...Option) *KVService {
	return newKVService(&natsStore{kv: kv}, opts)
}

type natsStore struct {
	kv     KeyValue
	closer func() error
}

// natsKey maps a stream id onto the bucket's key alphabet.
func natsKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (n *natsStore) get(_ context.Context, key string) ([]byte, uint64, error) {
	entry, err := n.kv.Get(natsKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

func (n *natsStore) swap(ctx context.Context, key string, value []byte, rev uint64) error {
	k := natsKey(key)
	if rev == 0 {
		_, err := n.kv.Create(k, value)
		if errors.Is(err, nats.ErrKeyExists) {
			return errConflict
		}
		return err
	}
	if _, err := n.kv.Update(k, value, rev); err != nil {
		// a wrong-last-sequence rejection shows up as a moved revision
		if _, current, getErr := n.get(ctx, key); getErr == nil && current != rev {
			return errConflict
		}
		return err
	}
	return nil
}

func (n *natsStore) close() error {
	if n.closer == nil {
		return nil
	}
	return n.closer()
}
