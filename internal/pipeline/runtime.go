// Package pipeline drives frames between stages: it owns the frame store,
// the outbound queues and the stream leases of one process and moves
// encoded envelopes over transport sockets.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/frameflow/internal/backpressure"
	"github.com/drblury/frameflow/internal/cache"
	"github.com/drblury/frameflow/internal/codec"
	"github.com/drblury/frameflow/internal/expr"
	"github.com/drblury/frameflow/internal/graph"
	"github.com/drblury/frameflow/internal/lease"
	"github.com/drblury/frameflow/internal/runtime/config"
	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
	"github.com/drblury/frameflow/internal/runtime/logging"
	"github.com/drblury/frameflow/internal/runtime/metrics"
	"github.com/drblury/frameflow/transport"
)

const tracerName = "frameflow"

// Runtime holds every structure shared by the components of one process.
// Nothing in frameflow keeps process-wide state outside of it apart from
// the default transport registry.
type Runtime struct {
	Config  config.Config
	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer

	Registry *transport.Registry
	Labels   *graph.Labels
	Store    *graph.Store
	Handles  *graph.HandleTable
	Cache    *cache.Cache[[]byte]
	Codec    *codec.Codec
	Queue    *backpressure.Controller
	Leases   *lease.Manager
	Fence    *lease.Fence
	Exprs    *expr.Cache

	closeLeases func() error
	patterns    sync.Map // destination -> socket kind
}

type runtimeOptions struct {
	registry   *transport.Registry
	registerer prometheus.Registerer
	tracer     trace.Tracer
	leases     lease.Service
}

type RuntimeOption func(*runtimeOptions)

// WithRegistry opens sockets through r instead of transport.DefaultRegistry.
func WithRegistry(r *transport.Registry) RuntimeOption {
	return func(o *runtimeOptions) { o.registry = r }
}

// WithRegisterer registers the collectors with reg. By default every
// Runtime gets a private registry.
func WithRegisterer(reg prometheus.Registerer) RuntimeOption {
	return func(o *runtimeOptions) { o.registerer = reg }
}

func WithTracer(t trace.Tracer) RuntimeOption {
	return func(o *runtimeOptions) { o.tracer = t }
}

// WithLeaseService replaces the backend named by Config.LeaseBackend. The
// caller keeps ownership of svc.
func WithLeaseService(svc lease.Service) RuntimeOption {
	return func(o *runtimeOptions) { o.leases = svc }
}

// NewRuntime validates cfg and builds the shared structures.
func NewRuntime(cfg config.Config, log logging.ServiceLogger, opts ...RuntimeOption) (*Runtime, error) {
	if log == nil {
		return nil, ferrors.ErrLoggerRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, ferrors.NewConfigValidationError(err)
	}
	cfg = cfg.WithDefaults()

	o := runtimeOptions{registry: transport.DefaultRegistry}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}

	rt := &Runtime{
		Config:   cfg,
		Logger:   log.With(logging.LogFields{"service": cfg.ServiceName}),
		Metrics:  metrics.New(o.registerer),
		Tracer:   o.tracer,
		Registry: o.registry,
		Labels:   graph.NewLabels(),
		Handles:  graph.NewHandleTable(),
		Exprs:    expr.NewCache(0),
	}
	if err := rt.Metrics.Register(); err != nil {
		return nil, fmt.Errorf("pipeline: register metrics: %w", err)
	}
	rt.Codec = codec.New(rt.Labels)

	var err error
	rt.Cache, err = cache.New[[]byte](cache.Config{
		Capacity:      cfg.CacheCapacity,
		TTL:           cfg.CacheTTL,
		InsertTimeout: cfg.CacheInsertTimeout,
	},
		cache.WithRecorder[[]byte](rt.Metrics),
		cache.WithLogger[[]byte](rt.Logger),
		cache.WithEvictionHandler(rt.evicted),
	)
	if err != nil {
		return nil, err
	}
	rt.Store = graph.NewStore(graph.WithObjectAdded(func(id graph.FrameID, _ int) {
		rt.Cache.Touch(string(id))
	}))

	rt.Queue, err = backpressure.New(backpressure.Config{
		HighWatermark:  cfg.QueueHighWatermark,
		LowWatermark:   cfg.QueueLowWatermark,
		EnqueueTimeout: cfg.EnqueueTimeout,
		MaxAttempts:    cfg.RetryMaxAttempts,
		BackoffBase:    cfg.RetryBackoffBase,
		BackoffMax:     cfg.RetryBackoffMax,
	}, backpressure.WithRecorder(rt.Metrics), backpressure.WithLogger(rt.Logger), backpressure.WithSettled(rt.settled))
	if err != nil {
		return nil, err
	}

	svc := o.leases
	if svc == nil {
		kv, err := lease.NewService(cfg, lease.WithLogger(rt.Logger))
		if err != nil {
			return nil, fmt.Errorf("pipeline: lease service: %w", err)
		}
		svc, rt.closeLeases = kv, kv.Close
	}
	rt.Leases, err = lease.NewManager(svc, lease.ManagerConfigFrom(cfg),
		lease.WithLogger(rt.Logger),
		lease.WithRecorder(rt.Metrics),
		lease.WithOnLost(rt.leaseLost),
	)
	if err != nil {
		if rt.closeLeases != nil {
			_ = rt.closeLeases()
		}
		return nil, err
	}
	rt.Fence = lease.NewFence(lease.WithLogger(rt.Logger), lease.WithRecorder(rt.Metrics))
	return rt, nil
}

// evicted destroys the frame behind a cache entry that left the cache. The
// frame may already be gone when the entry was removed through RemoveFrame.
func (rt *Runtime) evicted(key string, _ []byte, reason string) {
	if err := rt.Store.RemoveFrame(graph.FrameID(key)); err == nil {
		rt.Logger.Debug("Frame evicted", logging.LogFields{"frame_id": key, "reason": reason})
	}
}

// settled runs for every queued message once it is delivered, failed or
// purged, and releases its hold on the cached frame.
func (rt *Runtime) settled(t *backpressure.Ticket, res transport.Result, err error) {
	if t.Message.Key != "" {
		rt.Cache.DecPending(t.Message.Key)
		// Only the last copy to settle finds the entry unpinned.
		if t.Message.Release {
			rt.Cache.Remove(t.Message.Key)
		}
	}
	if err != nil {
		return
	}
	pattern := "unknown"
	if v, ok := rt.patterns.Load(t.Destination); ok {
		pattern = v.(string)
	}
	rt.Metrics.SendObserved(pattern, res.Elapsed)
}

// leaseLost applies Config.LeaseLostPolicy to the messages still queued
// for the stream.
func (rt *Runtime) leaseLost(l lease.Lease, _ error) {
	fields := logging.LogFields{"stream": l.Stream, "token": l.Token, "policy": rt.Config.LeaseLostPolicy}
	if rt.Config.LeaseLostPolicy == config.LeaseLostDrain {
		rt.Logger.Info("Draining queued messages under the lost token", fields)
		return
	}
	cause := fmt.Errorf("%w: %s token %d", ferrors.ErrLeaseLost, l.Stream, l.Token)
	fields["purged"] = rt.Queue.Purge(l.Stream, cause)
	rt.Logger.Info("Purged queued messages of lost stream", fields)
}

// Close drains the queues until ctx ends, then releases every lease.
func (rt *Runtime) Close(ctx context.Context) error {
	errs := []error{
		rt.Queue.Close(ctx),
		rt.Leases.Close(context.WithoutCancel(ctx)),
	}
	if rt.closeLeases != nil {
		errs = append(errs, rt.closeLeases())
	}
	return errors.Join(errs...)
}
