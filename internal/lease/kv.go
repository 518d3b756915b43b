package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
	"github.com/drblury/frameflow/internal/runtime/jsoncodec"
)

// errConflict reports a compare-and-swap that lost to a concurrent writer.
var errConflict = errors.New("lease: revision conflict")

// store is a compare-and-swap key space. Revision 0 means the key is absent.
type store interface {
	get(ctx context.Context, key string) ([]byte, uint64, error)
	// swap writes value when the current revision is rev, else errConflict.
	swap(ctx context.Context, key string, value []byte, rev uint64) error
	close() error
}

// record is the stored form of a stream's lease. A released stream keeps
// its token with an empty owner.
type record struct {
	Owner   string    `json:"owner,omitempty"`
	Token   uint64    `json:"token"`
	Expires time.Time `json:"expires"`
}

// KVService implements Service on a compare-and-swap store. Tokens live in
// the store, so they keep growing across owners and restarts.
type KVService struct {
	st   store
	opts options

	closeOnce sync.Once
	closeErr  error
}

func newKVService(st store, opts []Option) *KVService {
	return &KVService{st: st, opts: newOptions(opts)}
}

func (s *KVService) load(ctx context.Context, stream string) (record, uint64, error) {
	raw, rev, err := s.st.get(ctx, stream)
	if err != nil || rev == 0 {
		return record{}, rev, err
	}
	var rec record
	if err := jsoncodec.Unmarshal(raw, &rec); err != nil {
		return record{}, 0, fmt.Errorf("lease: decode %s: %w", stream, err)
	}
	return rec, rev, nil
}

func (s *KVService) save(ctx context.Context, stream string, rec record, rev uint64) error {
	raw, err := jsoncodec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lease: encode %s: %w", stream, err)
	}
	return s.st.swap(ctx, stream, raw, rev)
}

func (s *KVService) Acquire(ctx context.Context, stream, owner string, ttl time.Duration) (Lease, error) {
	if stream == "" || owner == "" {
		return Lease{}, errors.New("lease: stream and owner are required")
	}
	for {
		if err := ctx.Err(); err != nil {
			return Lease{}, err
		}
		rec, rev, err := s.load(ctx, stream)
		if err != nil {
			return Lease{}, err
		}
		now := s.opts.now()
		if rec.Owner != "" && rec.Owner != owner && now.Before(rec.Expires) {
			return Lease{}, fmt.Errorf("%w: %s by %s until %s", ferrors.ErrAlreadyHeld, stream, rec.Owner, rec.Expires.Format(time.RFC3339Nano))
		}
		next := record{Owner: owner, Token: rec.Token + 1, Expires: now.Add(ttl)}
		err = s.save(ctx, stream, next, rev)
		if errors.Is(err, errConflict) {
			continue
		}
		if err != nil {
			return Lease{}, err
		}
		return Lease{Stream: stream, Owner: owner, Token: next.Token, Expires: next.Expires}, nil
	}
}

func (s *KVService) Renew(ctx context.Context, l Lease, ttl time.Duration) (Lease, error) {
	rec, rev, err := s.load(ctx, l.Stream)
	if err != nil {
		return Lease{}, err
	}
	now := s.opts.now()
	if rec.Owner != l.Owner || rec.Token != l.Token || !now.Before(rec.Expires) {
		return Lease{}, fmt.Errorf("%w: %s token %d", ferrors.ErrLeaseLost, l.Stream, l.Token)
	}
	rec.Expires = now.Add(ttl)
	err = s.save(ctx, l.Stream, rec, rev)
	if errors.Is(err, errConflict) {
		return Lease{}, fmt.Errorf("%w: %s token %d", ferrors.ErrLeaseLost, l.Stream, l.Token)
	}
	if err != nil {
		return Lease{}, err
	}
	l.Expires = rec.Expires
	return l, nil
}

// Release gives the stream up if l is still its current lease. Releasing a
// lease that was already taken over is a no-op.
func (s *KVService) Release(ctx context.Context, l Lease) error {
	rec, rev, err := s.load(ctx, l.Stream)
	if err != nil {
		return err
	}
	if rec.Owner != l.Owner || rec.Token != l.Token {
		return nil
	}
	err = s.save(ctx, l.Stream, record{Token: rec.Token}, rev)
	if errors.Is(err, errConflict) {
		return nil
	}
	return err
}

// Close releases the underlying store.
func (s *KVService) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.st.close()
	})
	return s.closeErr
}

// NewMemoryService keeps leases in process memory. It coordinates the
// managers of one process only.
func NewMemoryService(opts ...Option) *KVService {
	return newKVService(&memoryStore{entries: make(map[string]memoryEntry)}, opts)
}

type memoryEntry struct {
	value []byte
	rev   uint64
}

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	rev     uint64
}

func (m *memoryStore) get(_ context.Context, key string) ([]byte, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	return e.value, e.rev, nil
}

func (m *memoryStore) swap(_ context.Context, key string, value []byte, rev uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[key].rev != rev {
		return errConflict
	}
	m.rev++
	m.entries[key] = memoryEntry{value: value, rev: m.rev}
	return nil
}

func (m *memoryStore) close() error { return nil }
