// Package lease grants producers exclusive, fenced ownership of a stream.
//
// A Service talks to the coordination store. A Manager keeps one lease per
// stream alive with a renewal goroutine and reports when it is lost. A Fence
// sits on the consumer side and discards envelopes tagged with a token older
// than the newest one seen for their stream.
package lease

import (
	"context"
	"time"

	"github.com/drblury/frameflow/internal/runtime/logging"
)

// Lease is an exclusivity grant for one stream. Token grows by one with
// every successful acquisition of the stream, whoever the owner.
type Lease struct {
	Stream  string
	Owner   string
	Token   uint64
	Expires time.Time
}

// Live reports whether the lease has not yet expired at now.
func (l Lease) Live(now time.Time) bool {
	return now.Before(l.Expires)
}

// Service is the coordination boundary. Acquire fails with ErrAlreadyHeld
// while another owner holds an unexpired lease; Renew fails with
// ErrLeaseLost once the lease has expired or been taken over.
type Service interface {
	Acquire(ctx context.Context, stream, owner string, ttl time.Duration) (Lease, error)
	Renew(ctx context.Context, l Lease, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, l Lease) error
}

// Recorder receives lease events. *metrics.Metrics implements it.
type Recorder interface {
	LeaseState(stream string, state int)
	LeaseLost(stream string)
	StaleDiscarded(stream string)
}

type nopRecorder struct{}

func (nopRecorder) LeaseState(string, int) {}
func (nopRecorder) LeaseLost(string)       {}
func (nopRecorder) StaleDiscarded(string)  {}

type options struct {
	now      func() time.Time
	logger   logging.ServiceLogger
	recorder Recorder
	onLost   func(Lease, error)
}

// Option configures a service, manager or fence. Each ignores the options
// that do not apply to it.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(logger logging.ServiceLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithOnLost registers a callback run once each time a held lease is lost.
// It runs on the renewal goroutine.
func WithOnLost(fn func(Lease, error)) Option {
	return func(o *options) {
		o.onLost = fn
	}
}

func newOptions(opts []Option) options {
	o := options{
		now:      time.Now,
		logger:   logging.Discard(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
