package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/frameflow/internal/backpressure"
	"github.com/drblury/frameflow/internal/codec"
	"github.com/drblury/frameflow/internal/graph"
	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
	"github.com/drblury/frameflow/internal/runtime/logging"
	"github.com/drblury/frameflow/transport"
)

// AddOutput opens the writer socket uri and queues sends to it under name.
func (e *Engine) AddOutput(ctx context.Context, name, uri string) error {
	if e.closing() {
		return ferrors.ErrClosed
	}
	ep, err := transport.ParseEndpoint(uri)
	if err != nil {
		return err
	}
	if !ep.Socket.IsWriter() {
		return fmt.Errorf("%w: output %s needs a writer socket, got %s", ferrors.ErrUnsupportedPattern, name, ep.Socket)
	}
	sock, err := e.rt.Registry.Open(ctx, ep, e.transportOptions())
	if err != nil {
		return fmt.Errorf("pipeline: open output %s: %w", name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing() {
		_ = sock.Close()
		return ferrors.ErrClosed
	}
	if _, ok := e.outputs[name]; ok {
		_ = sock.Close()
		return fmt.Errorf("pipeline: output %q already exists", name)
	}
	if err := e.rt.Queue.AddDestination(name, backpressure.SocketSender(sock)); err != nil {
		_ = sock.Close()
		return err
	}
	e.outputs[name] = sock
	e.rt.patterns.Store(name, sock.Kind().String())
	e.log.Info("Output opened", logging.LogFields{"output": name, "endpoint": ep.String()})
	return nil
}

// Outputs returns the output names in order.
func (e *Engine) Outputs() []string {
	return e.rt.Queue.Destinations()
}

type sendOptions struct {
	outputs []string
	block   bool
	routing []string
	release bool
}

type SendOption func(*sendOptions)

// To restricts a send to the named outputs. By default every output gets
// a copy.
func To(outputs ...string) SendOption {
	return func(o *sendOptions) { o.outputs = append(o.outputs, outputs...) }
}

// Blocking waits for a paused output to resume, up to EnqueueTimeout,
// instead of failing with ErrBackpressure at once.
func Blocking() SendOption {
	return func(o *sendOptions) { o.block = true }
}

// Release destroys the frame once every copy of this send has been
// acknowledged or has failed for good. Later operations on it fail with
// ErrNotFound.
func Release() SendOption {
	return func(o *sendOptions) { o.release = true }
}

// WithRouting attaches routing labels to the envelope meta.
func WithRouting(labels ...string) SendOption {
	return func(o *sendOptions) { o.routing = append(o.routing, labels...) }
}

// Send encodes frame id and queues it for delivery. The frame's stream
// must be leased by this process: once the lease is lost Send fails with
// ErrLeaseLost before anything reaches a transport. The returned tickets
// settle as the copies are delivered, fail or are purged.
func (e *Engine) Send(ctx context.Context, id graph.FrameID, opts ...SendOption) ([]*backpressure.Ticket, error) {
	f, err := e.rt.Store.Frame(id)
	if err != nil {
		return nil, err
	}
	data := f.Export()
	return e.send(ctx, string(id), data.SourceID, codec.Message{Frame: &data}, opts)
}

// SendEndOfStream tells every consumer that stream has finished.
func (e *Engine) SendEndOfStream(ctx context.Context, stream string, opts ...SendOption) ([]*backpressure.Ticket, error) {
	return e.send(ctx, "", stream, codec.Message{EndOfStream: &codec.EndOfStream{SourceID: stream}}, opts)
}

// SendUserData sends attributes that belong to stream but to no frame.
func (e *Engine) SendUserData(ctx context.Context, stream string, attrs graph.Attributes, opts ...SendOption) ([]*backpressure.Ticket, error) {
	return e.send(ctx, "", stream, codec.Message{UserData: &codec.UserData{SourceID: stream, Attributes: attrs}}, opts)
}

// send fences, encodes, caches and enqueues msg. key names the cache entry
// and is empty for control messages, which are not cached.
func (e *Engine) send(ctx context.Context, key, stream string, msg codec.Message, opts []SendOption) (tickets []*backpressure.Ticket, err error) {
	if e.closing() {
		return nil, ferrors.ErrClosed
	}
	o := sendOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := e.rt.Tracer.Start(ctx, "frameflow.send", trace.WithSpanKind(trace.SpanKindProducer))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("stream", stream), attribute.String("message.kind", msg.Kind()))

	token, err := e.rt.Leases.Token(stream)
	if err != nil {
		return nil, err
	}
	dests := o.outputs
	if len(dests) == 0 {
		dests = e.rt.Queue.Destinations()
	}
	if len(dests) == 0 {
		return nil, fmt.Errorf("pipeline: send %s: no outputs", stream)
	}

	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	msg.Meta = codec.Meta{
		Seq:          e.seq.Next(),
		StreamID:     stream,
		FencingToken: token,
		Routing:      slices.Clone(o.routing),
		TraceParent:  carrier.Get("traceparent"),
	}
	span.SetAttributes(attribute.Int64("fencing_token", int64(token)), attribute.Int64("seq", int64(msg.Meta.Seq)))

	env, err := e.rt.Codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	if key != "" {
		if err := e.rt.Cache.Insert(ctx, key, env, len(dests)); err != nil {
			return nil, err
		}
	}

	var errs []error
	for _, dest := range dests {
		t, err := e.rt.Queue.Enqueue(ctx, dest, backpressure.Message{
			Key:      key,
			Stream:   stream,
			Token:    token,
			Envelope: env,
			Release:  o.release && key != "",
		}, o.block)
		if err != nil {
			if key != "" {
				e.rt.Cache.DecPending(key)
				if o.release {
					e.rt.Cache.Remove(key)
				}
			}
			errs = append(errs, err)
			continue
		}
		tickets = append(tickets, t)
	}
	return tickets, errors.Join(errs...)
}
