// Package backpressure queues outbound envelopes per destination, pauses
// producers between a high and a low watermark, and retries failed sends
// with bounded exponential backoff.
package backpressure

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
	"github.com/drblury/frameflow/internal/runtime/logging"
	"github.com/drblury/frameflow/transport"
)

// Sender delivers one envelope and reports the outcome.
type Sender interface {
	Deliver(ctx context.Context, topic string, env []byte) (transport.Result, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, topic string, env []byte) (transport.Result, error)

func (f SenderFunc) Deliver(ctx context.Context, topic string, env []byte) (transport.Result, error) {
	return f(ctx, topic, env)
}

// SocketSender delivers through a writer socket and waits for the outcome.
func SocketSender(s *transport.Socket) Sender {
	return SenderFunc(func(ctx context.Context, topic string, env []byte) (transport.Result, error) {
		h, err := s.Send(ctx, topic, env)
		if err != nil {
			return transport.Result{}, err
		}
		return h.Wait(ctx)
	})
}

// Config bounds every destination queue. LowWatermark must be below
// HighWatermark and MaxAttempts counts the first try.
type Config struct {
	HighWatermark  int
	LowWatermark   int
	EnqueueTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// Recorder receives queue events. *metrics.Metrics implements it.
type Recorder interface {
	Enqueued(destination string, depth int)
	Dequeued(destination string, depth int)
	Backpressure(destination string)
	Retried(destination string)
	Delivered(destination string)
	DeliveryFailed(destination string)
	Purged(destination string, count int)
}

// Message is one envelope bound for a destination.
type Message struct {
	// Key identifies the cache entry holding the source frame.
	Key string
	// Stream is the source id; it is also the transport topic.
	Stream   string
	Token    uint64
	Envelope []byte
	// Release asks the owner to drop the source frame once every copy has
	// settled.
	Release bool
}

// Ticket tracks a queued message until it is delivered, fails or is purged.
type Ticket struct {
	Message     Message
	Destination string

	done     chan struct{}
	result   transport.Result
	attempts int
	err      error
}

func newTicket(dest string, msg Message) *Ticket {
	return &Ticket{Message: msg, Destination: dest, done: make(chan struct{})}
}

// Done is closed once the ticket is settled.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the ticket is settled or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (transport.Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return transport.Result{}, ctx.Err()
	}
}

// Attempts is the number of sends tried. Valid once settled.
func (t *Ticket) Attempts() int {
	<-t.done
	return t.attempts
}

type Option func(*Controller)

func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.rec = r }
}

func WithLogger(l logging.ServiceLogger) Option {
	return func(c *Controller) { c.logger = logging.Component(l, "backpressure") }
}

// WithSettled registers fn to run once for every ticket when it is
// delivered, fails terminally or is purged. err is nil on delivery. fn runs
// before the ticket's Done channel closes, so it must not wait on the ticket.
func WithSettled(fn func(t *Ticket, res transport.Result, err error)) Option {
	return func(c *Controller) { c.onSettled = fn }
}

// Controller owns one queue and one worker per destination. Order is kept
// per destination, retries included; nothing is ordered across them.
type Controller struct {
	cfg Config

	mu     sync.RWMutex
	dests  map[string]*destination
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rec       Recorder
	logger    logging.ServiceLogger
	onSettled func(*Ticket, transport.Result, error)
}

func New(cfg Config, opts ...Option) (*Controller, error) {
	if cfg.HighWatermark <= 0 {
		return nil, fmt.Errorf("backpressure: high watermark must be positive, got %d", cfg.HighWatermark)
	}
	if cfg.LowWatermark < 0 || cfg.LowWatermark >= cfg.HighWatermark {
		return nil, fmt.Errorf("backpressure: low watermark %d must be in [0, %d)", cfg.LowWatermark, cfg.HighWatermark)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:    cfg,
		dests:  make(map[string]*destination),
		ctx:    ctx,
		cancel: cancel,
		logger: logging.Component(nil, "backpressure"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AddDestination starts a worker delivering to sender under name.
func (c *Controller) AddDestination(name string, sender Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ferrors.ErrClosed
	}
	if _, ok := c.dests[name]; ok {
		return fmt.Errorf("backpressure: destination %q already exists", name)
	}
	d := &destination{
		name:   name,
		sender: sender,
		wake:   make(chan struct{}, 1),
		resume: make(chan struct{}),
		idle:   make(chan struct{}),
	}
	close(d.idle)
	c.dests[name] = d
	c.wg.Add(1)
	go c.run(d)
	return nil
}

// Destinations returns the sorted destination names.
func (c *Controller) Destinations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.dests))
	for name := range c.dests {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (c *Controller) destination(name string) (*destination, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ferrors.ErrClosed
	}
	d, ok := c.dests[name]
	if !ok {
		return nil, fmt.Errorf("destination %q: %w", name, ferrors.ErrNotFound)
	}
	return d, nil
}

// Enqueue queues msg for dest. While dest is paused a non-blocking enqueue
// fails with ErrBackpressure at once; a blocking one waits for the queue to
// fall to the low watermark, up to EnqueueTimeout.
func (c *Controller) Enqueue(ctx context.Context, dest string, msg Message, block bool) (*Ticket, error) {
	d, err := c.destination(dest)
	if err != nil {
		return nil, err
	}

	var deadline <-chan time.Time
	d.mu.Lock()
	for d.paused && !d.closed {
		if !block {
			d.mu.Unlock()
			c.backpressure(dest)
			return nil, fmt.Errorf("enqueue %s: %w", dest, ferrors.ErrBackpressure)
		}
		if deadline == nil && c.cfg.EnqueueTimeout > 0 {
			timer := time.NewTimer(c.cfg.EnqueueTimeout)
			defer timer.Stop()
			deadline = timer.C
		}
		resume := d.resume
		d.mu.Unlock()
		select {
		case <-resume:
		case <-deadline:
			c.backpressure(dest)
			return nil, fmt.Errorf("enqueue %s: %w: %w", dest, ferrors.ErrBackpressure,
				&ferrors.TimeoutError{Op: "enqueue", After: c.cfg.EnqueueTimeout})
		case <-ctx.Done():
			return nil, fmt.Errorf("enqueue %s: %w", dest, ctx.Err())
		}
		d.mu.Lock()
	}
	if d.closed {
		d.mu.Unlock()
		return nil, ferrors.ErrClosed
	}

	t := newTicket(dest, msg)
	d.queue = append(d.queue, t)
	d.depth++
	if d.depth == 1 {
		d.idle = make(chan struct{})
	}
	if d.depth >= c.cfg.HighWatermark {
		d.paused = true
	}
	depth := d.depth
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	if c.rec != nil {
		c.rec.Enqueued(dest, depth)
	}
	return t, nil
}

func (c *Controller) backpressure(dest string) {
	c.logger.Debug("destination paused", logging.LogFields{"destination": dest})
	if c.rec != nil {
		c.rec.Backpressure(dest)
	}
}

// Depth returns the number of unsettled messages for dest.
func (c *Controller) Depth(dest string) int {
	d, err := c.destination(dest)
	if err != nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.depth
}

// Paused reports whether dest currently rejects non-blocking enqueues.
func (c *Controller) Paused(dest string) bool {
	d, err := c.destination(dest)
	if err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Purge drops every queued, not yet in-flight message of stream from all
// destinations. Their tickets settle with cause. It returns the count.
func (c *Controller) Purge(stream string, cause error) int {
	c.mu.RLock()
	dests := make([]*destination, 0, len(c.dests))
	for _, d := range c.dests {
		dests = append(dests, d)
	}
	c.mu.RUnlock()

	total := 0
	for _, d := range dests {
		d.mu.Lock()
		var purged []*Ticket
		d.queue = slices.DeleteFunc(d.queue, func(t *Ticket) bool {
			if t.Message.Stream != stream {
				return false
			}
			purged = append(purged, t)
			return true
		})
		d.mu.Unlock()

		for _, t := range purged {
			c.settle(d, t, transport.Result{}, cause)
		}
		if len(purged) > 0 {
			c.logger.Info("purged queued messages", logging.LogFields{
				"destination": d.name, "stream": stream, "count": len(purged),
			})
			if c.rec != nil {
				c.rec.Purged(d.name, len(purged))
			}
		}
		total += len(purged)
	}
	return total
}

// Close stops accepting messages and lets the queues drain until ctx ends.
// Messages still queued then settle with ErrClosed and in-flight retries
// are abandoned.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dests := make([]*destination, 0, len(c.dests))
	for _, d := range c.dests {
		dests = append(dests, d)
	}
	c.mu.Unlock()

	var drainErr error
	for _, d := range dests {
		d.mu.Lock()
		idle := d.idle
		d.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			drainErr = fmt.Errorf("backpressure: drain incomplete: %w", ctx.Err())
		}
		if drainErr != nil {
			break
		}
	}

	c.cancel()
	for _, d := range dests {
		d.mu.Lock()
		d.closed = true
		close(d.resume)
		d.mu.Unlock()
	}
	c.wg.Wait()
	return drainErr
}

type destination struct {
	name   string
	sender Sender
	wake   chan struct{}

	mu     sync.Mutex
	queue  []*Ticket
	depth  int
	paused bool
	// resume is closed when the queue falls to the low watermark
	resume chan struct{}
	// idle is closed while depth is zero
	idle   chan struct{}
	closed bool
}

func (c *Controller) run(d *destination) {
	defer c.wg.Done()
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			select {
			case <-d.wake:
				continue
			case <-c.ctx.Done():
				c.abandon(d)
				return
			}
		}
		t := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		res, err := c.deliver(d, t)
		c.settle(d, t, res, err)
	}
}

// abandon settles whatever is left after shutdown.
func (c *Controller) abandon(d *destination) {
	d.mu.Lock()
	left := d.queue
	d.queue = nil
	d.mu.Unlock()
	for _, t := range left {
		c.settle(d, t, transport.Result{}, ferrors.ErrClosed)
	}
}

func (c *Controller) deliver(d *destination, t *Ticket) (transport.Result, error) {
	b := backoff.NewExponentialBackOff()
	if c.cfg.BackoffBase > 0 {
		b.InitialInterval = c.cfg.BackoffBase
	}
	if c.cfg.BackoffMax > 0 {
		b.MaxInterval = c.cfg.BackoffMax
	}

	op := func() (transport.Result, error) {
		t.attempts++
		res, err := d.sender.Deliver(c.ctx, t.Message.Stream, t.Message.Envelope)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ferrors.ErrClosed) || errors.Is(err, ferrors.ErrUnsupportedPattern) {
			return transport.Result{}, backoff.Permanent(err)
		}
		return transport.Result{}, err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying delivery", logging.LogFields{
			"destination": d.name, "stream": t.Message.Stream, "attempt": t.attempts, "wait": wait, "error": err.Error(),
		})
		if c.rec != nil {
			c.rec.Retried(d.name)
		}
	}

	res, err := backoff.Retry(c.ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	switch {
	case err == nil:
		return res, nil
	case c.ctx.Err() != nil:
		return res, fmt.Errorf("delivery to %s abandoned: %w", d.name, ferrors.ErrClosed)
	}
	return res, &ferrors.DeliveryError{Destination: d.name, Attempts: t.attempts, Cause: err}
}

func (c *Controller) settle(d *destination, t *Ticket, res transport.Result, err error) {
	t.result, t.err = res, err

	if c.rec != nil {
		switch {
		case err == nil:
			c.rec.Delivered(d.name)
		case errors.Is(err, ferrors.ErrDeliveryFailed):
			c.rec.DeliveryFailed(d.name)
		}
	}
	if errors.Is(err, ferrors.ErrDeliveryFailed) {
		c.logger.Error("delivery failed", err, logging.LogFields{"destination": d.name, "stream": t.Message.Stream})
	}
	if c.onSettled != nil {
		c.onSettled(t, res, err)
	}

	d.mu.Lock()
	d.depth--
	depth := d.depth
	if d.paused && depth <= c.cfg.LowWatermark {
		d.paused = false
		if !d.closed {
			close(d.resume)
			d.resume = make(chan struct{})
		}
	}
	if depth == 0 {
		close(d.idle)
	}
	d.mu.Unlock()

	if c.rec != nil {
		c.rec.Dequeued(d.name, depth)
	}
	close(t.done)
}
