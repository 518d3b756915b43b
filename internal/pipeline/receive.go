package pipeline

import (
	"context"
	"fmt"
	"iter"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/frameflow/internal/codec"
	"github.com/drblury/frameflow/internal/graph"
	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
	"github.com/drblury/frameflow/internal/runtime/logging"
	"github.com/drblury/frameflow/transport"
)

// transportOptions maps the engine config onto socket options.
func (e *Engine) transportOptions() transport.Options {
	cfg := e.rt.Config
	opts := transport.Options{
		ReceiveTimeout:     cfg.ReceiveTimeout,
		RequestTimeout:     cfg.RequestTimeout,
		SendTimeout:        cfg.SendTimeout,
		SendHighWatermark:  cfg.SendHighWatermark,
		SendRetries:        cfg.SendRetries,
		MaxFrameSize:       cfg.MaxFrameSize,
		RoutingIDCacheSize: cfg.RoutingIDCacheSize,
		IPCPermissions:     os.FileMode(cfg.IPCPermissions),
		Broker:             &cfg,
		Logger:             logging.NewWatermillAdapter(logging.Component(e.rt.Logger, "transport")),
		Decoder:            e.rt.Codec,
		OnDrop: func(reason string, _ error) {
			e.rt.Metrics.EnvelopeDropped(reason)
		},
	}
	switch {
	case cfg.InboundSourceID != "":
		opts.Topic = transport.SourceID(cfg.InboundSourceID)
	case cfg.InboundTopicPrefix != "":
		opts.Topic = transport.Prefix(cfg.InboundTopicPrefix)
	}
	return opts
}

type receiveOptions struct {
	stage    string
	topic    *transport.TopicFilter
	detached bool
}

type ReceiveOption func(*receiveOptions)

// AsStage makes received frames owned by stage instead of graph.IngressStage.
func AsStage(stage string) ReceiveOption {
	return func(o *receiveOptions) { o.stage = stage }
}

// WithTopic overrides the inbound topic filter of the config.
func WithTopic(f transport.TopicFilter) ReceiveOption {
	return func(o *receiveOptions) { o.topic = &f }
}

// Detached yields received frames without adding them to the store.
func Detached() ReceiveOption {
	return func(o *receiveOptions) { o.detached = true }
}

// Inbound is one admitted message. Frame is set for frame messages and is
// live in the store unless the input is detached; Data always holds the
// decoded frame.
type Inbound struct {
	Topic     string
	RoutingID []byte
	Meta      codec.Meta

	Frame       *graph.Frame
	Data        *graph.FrameData
	EndOfStream *codec.EndOfStream
	UserData    *codec.UserData

	// SpanContext is the producer's span when the envelope carried one.
	SpanContext trace.SpanContext
}

// Input reads one reader socket.
type Input struct {
	e    *Engine
	sock *transport.Socket
	opts receiveOptions
	log  logging.ServiceLogger

	closeOnce sync.Once
	closeErr  error
}

// Receive opens the reader socket uri.
func (e *Engine) Receive(ctx context.Context, uri string, opts ...ReceiveOption) (*Input, error) {
	if e.closing() {
		return nil, ferrors.ErrClosed
	}
	o := receiveOptions{stage: graph.IngressStage}
	for _, opt := range opts {
		opt(&o)
	}
	ep, err := transport.ParseEndpoint(uri)
	if err != nil {
		return nil, err
	}
	if ep.Socket.IsWriter() {
		return nil, fmt.Errorf("%w: input needs a reader socket, got %s", ferrors.ErrUnsupportedPattern, ep.Socket)
	}
	topts := e.transportOptions()
	if o.topic != nil {
		topts.Topic = *o.topic
	}
	sock, err := e.rt.Registry.Open(ctx, ep, topts)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open input: %w", err)
	}

	in := &Input{
		e:    e,
		sock: sock,
		opts: o,
		log:  logging.Component(e.rt.Logger, "input").With(logging.LogFields{"endpoint": ep.String()}),
	}
	e.mu.Lock()
	if e.closing() {
		e.mu.Unlock()
		_ = sock.Close()
		return nil, ferrors.ErrClosed
	}
	e.inputs = append(e.inputs, in)
	e.mu.Unlock()
	e.log.Info("Input opened", logging.LogFields{"endpoint": ep.String(), "topic": topts.Topic.String()})
	return in, nil
}

// Messages yields admitted messages until ctx ends or the input closes.
// Envelopes carrying a fencing token older than one already seen for their
// stream are discarded without an error. Receive timeouts and frames that
// cannot be imported are yielded as errors and reading continues.
func (in *Input) Messages(ctx context.Context) iter.Seq2[Inbound, error] {
	return func(yield func(Inbound, error) bool) {
		for d, err := range in.sock.Messages(ctx) {
			if err != nil {
				if !yield(Inbound{}, err) {
					return
				}
				continue
			}
			msg, ok, err := in.admit(ctx, d)
			if !ok && err == nil {
				continue
			}
			if !yield(msg, err) {
				return
			}
		}
	}
}

func (in *Input) admit(ctx context.Context, d *transport.Delivery) (Inbound, bool, error) {
	m := d.Message
	stream := m.Meta.StreamID
	if stream == "" {
		stream = m.SourceID()
	}
	if !in.e.rt.Fence.Admit(stream, m.Meta.FencingToken) {
		return Inbound{}, false, nil
	}

	var producer trace.SpanContext
	if m.Meta.TraceParent != "" {
		ctx = propagation.TraceContext{}.Extract(ctx, propagation.MapCarrier{"traceparent": m.Meta.TraceParent})
		producer = trace.SpanContextFromContext(ctx)
	}
	_, span := in.e.rt.Tracer.Start(ctx, "frameflow.receive", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("stream", stream),
		attribute.String("message.kind", m.Kind()),
		attribute.Int64("fencing_token", int64(m.Meta.FencingToken)),
	)

	msg := Inbound{
		Topic:       d.Topic,
		RoutingID:   d.RoutingID,
		Meta:        m.Meta,
		Data:        m.Frame,
		EndOfStream: m.EndOfStream,
		UserData:    m.UserData,
		SpanContext: producer,
	}
	if m.Frame == nil || in.opts.detached {
		return msg, true, nil
	}
	f, err := in.e.rt.Store.Import(*m.Frame, in.opts.stage)
	if err != nil {
		span.RecordError(err)
		in.log.Error("Dropping frame that cannot be imported", err, logging.LogFields{"stream": stream, "frame_id": m.Frame.ID})
		return Inbound{}, false, err
	}
	// Imported frames share the cache bound with sent ones: evicting the
	// entry later destroys the frame.
	if err := in.e.rt.Cache.Insert(ctx, string(f.ID()), d.Envelope, 0); err != nil {
		_ = in.e.rt.Store.RemoveFrame(f.ID())
		span.RecordError(err)
		in.log.Error("Dropping frame that does not fit the cache", err, logging.LogFields{"stream": stream, "frame_id": m.Frame.ID})
		return Inbound{}, false, err
	}
	msg.Frame = f
	return msg, true, nil
}

// Close closes the input's socket.
func (in *Input) Close() error {
	in.closeOnce.Do(func() {
		in.closeErr = in.sock.Close()
	})
	return in.closeErr
}
