package lease

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

const pebbleKeyPrefix = "lease/"

// NewPebbleService keeps leases in a pebble database under dir. Replicas
// sharing the directory through one process coordinate; pebble itself
// takes a file lock, so separate processes cannot open it together.
func NewPebbleService(dir string, opts ...Option) (*KVService, error) {
	if dir == "" {
		return nil, errors.New("lease: pebble directory is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("lease: open pebble %s: %w", dir, err)
	}
	return newKVService(&pebbleStore{db: db}, opts), nil
}

// pebbleStore prefixes each value with its 8-byte revision. Writes are
// serialized by mu so the read-compare-write is atomic.
type pebbleStore struct {
	mu sync.Mutex
	db *pebble.DB
}

func pebbleKey(key string) []byte {
	return []byte(pebbleKeyPrefix + key)
}

func (p *pebbleStore) get(_ context.Context, key string) ([]byte, uint64, error) {
	val, closer, err := p.db.Get(pebbleKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer closer.Close()
	if len(val) < 8 {
		return nil, 0, fmt.Errorf("lease: short pebble record for %s", key)
	}
	return append([]byte(nil), val[8:]...), binary.BigEndian.Uint64(val[:8]), nil
}

func (p *pebbleStore) swap(ctx context.Context, key string, value []byte, rev uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, current, err := p.get(ctx, key)
	if err != nil {
		return err
	}
	if current != rev {
		return errConflict
	}
	buf := binary.BigEndian.AppendUint64(make([]byte, 0, 8+len(value)), rev+1)
	buf = append(buf, value...)
	return p.db.Set(pebbleKey(key), buf, pebble.Sync)
}

func (p *pebbleStore) close() error {
	return p.db.Close()
}
