package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
)

// flakyService fails renewals on demand.
type flakyService struct {
	Service
	failRenew atomic.Bool
	loseRenew atomic.Bool
	renewals  atomic.Int32
}

func (f *flakyService) Renew(ctx context.Context, l Lease, ttl time.Duration) (Lease, error) {
	f.renewals.Add(1)
	switch {
	case f.loseRenew.Load():
		return Lease{}, ferrors.ErrLeaseLost
	case f.failRenew.Load():
		return Lease{}, errors.New("coordination service unreachable")
	}
	return f.Service.Renew(ctx, l, ttl)
}

// stuckService never answers an acquire.
type stuckService struct {
	Service
}

func (stuckService) Acquire(ctx context.Context, _, _ string, _ time.Duration) (Lease, error) {
	<-ctx.Done()
	return Lease{}, ctx.Err()
}

type leaseRecorder struct {
	mu     sync.Mutex
	states map[string][]State
	lost   int
	stale  int
}

func newLeaseRecorder() *leaseRecorder {
	return &leaseRecorder{states: make(map[string][]State)}
}

func (r *leaseRecorder) LeaseState(stream string, state int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[stream] = append(r.states[stream], State(state))
}

func (r *leaseRecorder) LeaseLost(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost++
}

func (r *leaseRecorder) StaleDiscarded(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale++
}

func (r *leaseRecorder) lostCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

func testConfig(owner string) ManagerConfig {
	return ManagerConfig{
		Owner:          owner,
		TTL:            150 * time.Millisecond,
		RenewInterval:  30 * time.Millisecond,
		AcquireTimeout: time.Second,
		RenewTimeout:   20 * time.Millisecond,
	}
}

func newManager(t *testing.T, svc Service, cfg ManagerConfig, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(svc, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestNewManagerValidates(t *testing.T) {
	svc := NewMemoryService()
	tests := []struct {
		name string
		svc  Service
		cfg  ManagerConfig
	}{
		{"no service", nil, testConfig("a")},
		{"no owner", svc, testConfig("")},
		{"no ttl", svc, ManagerConfig{Owner: "a", RenewInterval: time.Second}},
		{"interval not below ttl", svc, ManagerConfig{Owner: "a", TTL: time.Second, RenewInterval: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.svc, tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestManagerAcquireIsIdempotent(t *testing.T) {
	m := newManager(t, NewMemoryService(), testConfig("a"))
	ctx := context.Background()

	first, err := m.Acquire(ctx, "cam-1")
	require.NoError(t, err)
	again, err := m.Acquire(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, first.Token, again.Token)
	assert.Equal(t, Held, m.State("cam-1"))

	token, err := m.Token("cam-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), token)
}

func TestManagerKeepsLeaseAlive(t *testing.T) {
	svc := &flakyService{Service: NewMemoryService()}
	m := newManager(t, svc, testConfig("a"))

	_, err := m.Acquire(context.Background(), "cam-1")
	require.NoError(t, err)

	time.Sleep(3 * testConfig("a").TTL)
	_, err = m.Token("cam-1")
	assert.NoError(t, err)
	assert.Greater(t, svc.renewals.Load(), int32(3))
}

func TestManagerAlreadyHeld(t *testing.T) {
	svc := NewMemoryService()
	a := newManager(t, svc, testConfig("a"))
	b := newManager(t, svc, testConfig("b"))
	ctx := context.Background()

	_, err := a.Acquire(ctx, "cam-1")
	require.NoError(t, err)
	_, err = b.Acquire(ctx, "cam-1")
	assert.ErrorIs(t, err, ferrors.ErrAlreadyHeld)
	assert.Equal(t, Unowned, b.State("cam-1"))

	require.NoError(t, a.Release(ctx, "cam-1"))
	assert.Equal(t, Unowned, a.State("cam-1"))
	l, err := b.Acquire(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.Token)
}

func TestManagerLosesLeaseWhenRenewalKeepsFailing(t *testing.T) {
	svc := &flakyService{Service: NewMemoryService()}
	rec := newLeaseRecorder()
	lostCh := make(chan Lease, 1)
	m := newManager(t, svc, testConfig("a"),
		WithRecorder(rec),
		WithOnLost(func(l Lease, _ error) { lostCh <- l }),
	)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "cam-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), l.Token)

	svc.failRenew.Store(true)
	select {
	case lost := <-lostCh:
		assert.Equal(t, uint64(1), lost.Token)
	case <-time.After(2 * time.Second):
		t.Fatal("lease was never reported lost")
	}
	assert.Equal(t, Lost, m.State("cam-1"))
	assert.Equal(t, 1, rec.lostCount())

	_, err = m.Token("cam-1")
	assert.ErrorIs(t, err, ferrors.ErrLeaseLost)

	svc.failRenew.Store(false)
	l, err = m.Acquire(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.Token)
	token, err := m.Token("cam-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), token)
}

func TestManagerLosesLeaseOnTakeover(t *testing.T) {
	svc := &flakyService{Service: NewMemoryService()}
	var lost atomic.Int32
	m := newManager(t, svc, testConfig("a"), WithOnLost(func(Lease, error) { lost.Add(1) }))

	_, err := m.Acquire(context.Background(), "cam-1")
	require.NoError(t, err)
	svc.loseRenew.Store(true)

	require.Eventually(t, func() bool { return m.State("cam-1") == Lost }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), lost.Load())
}

func TestManagerAcquireTimeout(t *testing.T) {
	cfg := testConfig("a")
	cfg.AcquireTimeout = 30 * time.Millisecond
	m := newManager(t, stuckService{Service: NewMemoryService()}, cfg)

	_, err := m.Acquire(context.Background(), "cam-1")
	var timeout *ferrors.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.ErrorIs(t, err, ferrors.ErrTimeout)
	assert.Equal(t, Unowned, m.State("cam-1"))
}

func TestManagerTokenWithoutLease(t *testing.T) {
	m := newManager(t, NewMemoryService(), testConfig("a"))
	_, err := m.Token("cam-1")
	assert.ErrorIs(t, err, ferrors.ErrLeaseLost)
}

func TestManagerCloseReleasesEverything(t *testing.T) {
	svc := NewMemoryService()
	m, err := NewManager(svc, testConfig("a"))
	require.NoError(t, err)
	ctx := context.Background()

	for _, stream := range []string{"cam-1", "cam-2"} {
		_, err := m.Acquire(ctx, stream)
		require.NoError(t, err)
	}
	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))

	_, err = m.Acquire(ctx, "cam-1")
	assert.ErrorIs(t, err, ferrors.ErrClosed)

	other := newManager(t, svc, testConfig("b"))
	for _, stream := range []string{"cam-1", "cam-2"} {
		_, err := other.Acquire(ctx, stream)
		assert.NoError(t, err, stream)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "held", Held.String())
	assert.Equal(t, "lost", Lost.String())
	assert.Equal(t, "state(9)", State(9).String())
}
