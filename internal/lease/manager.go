package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/frameflow/internal/runtime/config"
	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
	"github.com/drblury/frameflow/internal/runtime/ids"
	"github.com/drblury/frameflow/internal/runtime/logging"
)

// State is the lifecycle position of one stream's lease.
type State int

const (
	Unowned State = iota
	Acquiring
	Held
	Renewing
	Lost
)

func (s State) String() string {
	switch s {
	case Unowned:
		return "unowned"
	case Acquiring:
		return "acquiring"
	case Held:
		return "held"
	case Renewing:
		return "renewing"
	case Lost:
		return "lost"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ManagerConfig times the lease lifecycle. RenewInterval must be shorter
// than TTL.
type ManagerConfig struct {
	Owner          string
	TTL            time.Duration
	RenewInterval  time.Duration
	AcquireTimeout time.Duration
	RenewTimeout   time.Duration
}

// ManagerConfigFrom reads the lease options of cfg. An empty OwnerID gets a
// generated one.
func ManagerConfigFrom(cfg config.Config) ManagerConfig {
	cfg = cfg.WithDefaults()
	owner := cfg.OwnerID
	if owner == "" {
		owner = ids.NewOwnerID()
	}
	return ManagerConfig{
		Owner:          owner,
		TTL:            cfg.LeaseTTL,
		RenewInterval:  cfg.LeaseRenewInterval,
		AcquireTimeout: cfg.LeaseAcquireTimeout,
		RenewTimeout:   cfg.LeaseRenewTimeout,
	}
}

// NewService opens the backend cfg.LeaseBackend names.
func NewService(cfg config.Config, opts ...Option) (*KVService, error) {
	cfg = cfg.WithDefaults()
	switch cfg.LeaseBackend {
	case config.LeaseBackendMemory:
		return NewMemoryService(opts...), nil
	case config.LeaseBackendPebble:
		return NewPebbleService(cfg.LeasePebbleDir, opts...)
	case config.LeaseBackendNATS:
		return DialNATS(cfg.NATSURL, cfg.LeaseNATSBucket, opts...)
	}
	return nil, fmt.Errorf("lease: unknown backend %q", cfg.LeaseBackend)
}

// Manager holds leases for the streams this process produces and renews
// them in the background until they are released or lost.
type Manager struct {
	svc  Service
	cfg  ManagerConfig
	opts options
	log  logging.ServiceLogger

	mu      sync.Mutex
	streams map[string]*held
	closed  bool
	wg      sync.WaitGroup
}

type held struct {
	lease Lease
	state State
	// settled closes when the acquisition that created this entry finishes.
	settled chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewManager(svc Service, cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if svc == nil {
		return nil, errors.New("lease: service is required")
	}
	if cfg.Owner == "" {
		return nil, errors.New("lease: owner is required")
	}
	if cfg.TTL <= 0 || cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.TTL {
		return nil, fmt.Errorf("lease: renew interval %v must be positive and below ttl %v", cfg.RenewInterval, cfg.TTL)
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = config.DefaultLeaseAcquireTimeout
	}
	if cfg.RenewTimeout <= 0 {
		cfg.RenewTimeout = min(config.DefaultLeaseRenewTimeout, cfg.RenewInterval)
	}
	o := newOptions(opts)
	return &Manager{
		svc:     svc,
		cfg:     cfg,
		opts:    o,
		log:     logging.Component(o.logger, "lease").With(logging.LogFields{"owner": cfg.Owner}),
		streams: make(map[string]*held),
	}, nil
}

// Owner returns the id this manager acquires leases under.
func (m *Manager) Owner() string {
	return m.cfg.Owner
}

// Acquire returns the held lease for stream, acquiring it first when the
// stream is unowned or lost. It fails with ErrAlreadyHeld while another
// owner holds the stream and with a TimeoutError after AcquireTimeout.
func (m *Manager) Acquire(ctx context.Context, stream string) (Lease, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Lease{}, ferrors.ErrClosed
		}
		h := m.streams[stream]
		if h != nil {
			switch h.state {
			case Held, Renewing:
				l := h.lease
				m.mu.Unlock()
				return l, nil
			case Acquiring:
				wait := h.settled
				m.mu.Unlock()
				select {
				case <-wait:
					continue
				case <-ctx.Done():
					return Lease{}, ctx.Err()
				}
			}
		}
		if h != nil && h.cancel != nil {
			h.cancel()
		}
		h = &held{state: Acquiring, settled: make(chan struct{})}
		m.streams[stream] = h
		m.mu.Unlock()
		m.opts.recorder.LeaseState(stream, int(Acquiring))
		return m.acquire(ctx, stream, h)
	}
}

func (m *Manager) acquire(ctx context.Context, stream string, h *held) (Lease, error) {
	defer close(h.settled)

	actx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	l, err := m.svc.Acquire(actx, stream, m.cfg.Owner, m.cfg.TTL)
	timedOut := errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	m.mu.Lock()
	if err != nil {
		if m.streams[stream] == h {
			delete(m.streams, stream)
		}
		m.mu.Unlock()
		m.opts.recorder.LeaseState(stream, int(Unowned))
		if timedOut {
			return Lease{}, &ferrors.TimeoutError{Op: "lease acquire " + stream, After: m.cfg.AcquireTimeout}
		}
		return Lease{}, err
	}
	if m.closed || m.streams[stream] != h {
		m.mu.Unlock()
		_ = m.svc.Release(context.WithoutCancel(ctx), l)
		return Lease{}, fmt.Errorf("%w: %s released while acquiring", ferrors.ErrLeaseLost, stream)
	}
	rctx, stop := context.WithCancel(context.Background())
	h.lease = l
	h.state = Held
	h.cancel = stop
	h.done = make(chan struct{})
	m.wg.Add(1)
	go m.renew(rctx, h)
	m.mu.Unlock()

	m.opts.recorder.LeaseState(stream, int(Held))
	m.log.Info("Lease acquired", logging.LogFields{"stream": stream, "token": l.Token, "expires": l.Expires})
	return l, nil
}

// renew extends h every RenewInterval. Failures other than ErrLeaseLost are
// retried on the next tick until the lease's own expiry has passed.
func (m *Manager) renew(ctx context.Context, h *held) {
	defer m.wg.Done()
	defer close(h.done)

	ticker := time.NewTicker(m.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		current := h.lease
		h.state = Renewing
		m.mu.Unlock()
		m.opts.recorder.LeaseState(current.Stream, int(Renewing))

		rctx, cancel := context.WithTimeout(ctx, m.cfg.RenewTimeout)
		next, err := m.svc.Renew(rctx, current, m.cfg.TTL)
		cancel()
		if ctx.Err() != nil {
			return
		}

		switch {
		case err == nil:
			m.mu.Lock()
			h.lease = next
			h.state = Held
			m.mu.Unlock()
			m.opts.recorder.LeaseState(current.Stream, int(Held))
		case errors.Is(err, ferrors.ErrLeaseLost) || !current.Live(m.opts.now()):
			m.lose(h, current, err)
			return
		default:
			m.log.Debug("Lease renewal failed, retrying", logging.LogFields{
				"stream":  current.Stream,
				"token":   current.Token,
				"expires": current.Expires,
				"error":   err.Error(),
			})
			m.mu.Lock()
			h.state = Held
			m.mu.Unlock()
		}
	}
}

func (m *Manager) lose(h *held, l Lease, cause error) {
	m.mu.Lock()
	h.state = Lost
	m.mu.Unlock()

	m.opts.recorder.LeaseLost(l.Stream)
	m.opts.recorder.LeaseState(l.Stream, int(Lost))
	fields := logging.LogFields{"stream": l.Stream, "token": l.Token}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	m.log.Info("Lease lost", fields)
	if m.opts.onLost != nil {
		m.opts.onLost(l, cause)
	}
}

// Token returns the fencing token to tag stream's envelopes with. It fails
// fast with ErrLeaseLost unless the lease is held and unexpired.
func (m *Manager) Token(stream string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.streams[stream]
	if h == nil {
		return 0, fmt.Errorf("%w: %s is %s", ferrors.ErrLeaseLost, stream, Unowned)
	}
	if h.state != Held && h.state != Renewing {
		return 0, fmt.Errorf("%w: %s is %s", ferrors.ErrLeaseLost, stream, h.state)
	}
	if !h.lease.Live(m.opts.now()) {
		return 0, fmt.Errorf("%w: %s token %d expired", ferrors.ErrLeaseLost, stream, h.lease.Token)
	}
	return h.lease.Token, nil
}

// State reports where stream's lease currently stands.
func (m *Manager) State(stream string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.streams[stream]; h != nil {
		return h.state
	}
	return Unowned
}

// Release stops renewing stream and gives its lease back if still held.
func (m *Manager) Release(ctx context.Context, stream string) error {
	m.mu.Lock()
	h := m.streams[stream]
	delete(m.streams, stream)
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	return m.release(ctx, h, stream)
}

func (m *Manager) release(ctx context.Context, h *held, stream string) error {
	if h.cancel == nil {
		// still acquiring; acquire sees the entry gone and hands the lease back
		return nil
	}
	h.cancel()
	<-h.done

	m.mu.Lock()
	state, l := h.state, h.lease
	h.state = Unowned
	m.mu.Unlock()
	m.opts.recorder.LeaseState(stream, int(Unowned))

	if state != Held && state != Renewing {
		return nil
	}
	if err := m.svc.Release(ctx, l); err != nil {
		return fmt.Errorf("lease: release %s: %w", stream, err)
	}
	m.log.Info("Lease released", logging.LogFields{"stream": stream, "token": l.Token})
	return nil
}

// Close releases every lease and stops all renewals. Later Acquire calls
// fail with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	streams := m.streams
	m.streams = make(map[string]*held)
	m.mu.Unlock()

	var errs []error
	for stream, h := range streams {
		errs = append(errs, m.release(ctx, h, stream))
	}
	m.wg.Wait()
	return errors.Join(errs...)
}
