// Package broker adapts Watermill publishers and subscribers to the
// transport Conn interface. Every broker scheme (channel, nats, kafka, amqp,
// http, aws) builds a Backend and lets this package carry the frames.
//
// Broker schemes only carry publish/subscribe. Each transport message
// becomes one Watermill message whose payload is the envelope part; topic
// and sequence travel as metadata.
package broker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
	"github.com/drblury/frameflow/transport"
)

// Metadata keys set on every published message.
const (
	MetadataTopic = "frameflow_topic"
	MetadataSeq   = "frameflow_seq"
)

// Backend is the Watermill side of a broker connection. Either half may be
// nil when the endpoint only needs the other.
type Backend struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// TopicName maps a transport topic to the broker topic. Nil keeps it.
	TopicName func(topic string) string
	// Close releases resources shared by both halves.
	Close func() error
}

func (b Backend) topicName(topic string) string {
	if b.TopicName == nil {
		return topic
	}
	return b.TopicName(topic)
}

func (b Backend) close() error {
	var errs []error
	if b.Publisher != nil {
		errs = append(errs, b.Publisher.Close())
	}
	if b.Subscriber != nil {
		errs = append(errs, b.Subscriber.Close())
	}
	if b.Close != nil {
		errs = append(errs, b.Close())
	}
	return errors.Join(errs...)
}

// Factory creates the Backend for an endpoint.
type Factory func(ctx context.Context, ep transport.Endpoint, opts transport.Options) (Backend, error)

// Builder turns a Factory into a transport.Builder.
func Builder(factory Factory) transport.Builder {
	return func(ctx context.Context, ep transport.Endpoint, opts transport.Options) (transport.Conn, error) {
		backend, err := factory(ctx, ep, opts)
		if err != nil {
			return nil, fmt.Errorf("%s backend: %w", ep.Scheme, err)
		}
		conn, err := NewConn(ctx, ep, opts, backend)
		if err != nil {
			_ = backend.close()
			return nil, err
		}
		return conn, nil
	}
}

// Conn carries transport packets over a Backend.
type Conn struct {
	ep      transport.Endpoint
	backend Backend
	logger  watermill.LoggerAdapter

	messages <-chan *message.Message
	cancel   context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// NewConn subscribes reader endpoints to their source topic. Brokers cannot
// match prefixes, so readers need an exact SourceID filter.
func NewConn(ctx context.Context, ep transport.Endpoint, opts transport.Options, backend Backend) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	c := &Conn{ep: ep, backend: backend, logger: logger}

	if ep.Socket.IsWriter() {
		if backend.Publisher == nil {
			return nil, fmt.Errorf("%s: backend has no publisher", ep.Scheme)
		}
		return c, nil
	}

	source, ok := opts.Topic.Exact()
	if !ok || source == "" {
		return nil, fmt.Errorf("%w: %s subscriptions need an exact source id", ferrors.ErrUnsupportedPattern, ep.Scheme)
	}
	if backend.Subscriber == nil {
		return nil, fmt.Errorf("%s: backend has no subscriber", ep.Scheme)
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := backend.Subscriber.Subscribe(subCtx, backend.topicName(source))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", source, err)
	}
	c.messages = messages
	c.cancel = cancel
	return c, nil
}

func (c *Conn) Send(ctx context.Context, p transport.Packet) error {
	if c.backend.Publisher == nil {
		return fmt.Errorf("%w: %s cannot send", ferrors.ErrUnsupportedPattern, c.ep.Socket)
	}
	if len(p.Frames) != 3 || len(p.Frames[1]) != 8 {
		return fmt.Errorf("broker: want [topic][seq][part], got %d frames", len(p.Frames))
	}
	topic := string(p.Frames[0])
	msg := message.NewMessage(watermill.NewUUID(), p.Frames[2])
	msg.Metadata.Set(MetadataTopic, topic)
	msg.Metadata.Set(MetadataSeq, strconv.FormatUint(binary.BigEndian.Uint64(p.Frames[1]), 10))
	msg.SetContext(ctx)
	return c.backend.Publisher.Publish(c.backend.topicName(topic), msg)
}

func (c *Conn) Recv(ctx context.Context) (transport.Packet, error) {
	if c.messages == nil {
		return transport.Packet{}, fmt.Errorf("%w: %s cannot receive", ferrors.ErrUnsupportedPattern, c.ep.Socket)
	}
	for {
		select {
		case msg, ok := <-c.messages:
			if !ok {
				return transport.Packet{}, ferrors.ErrClosed
			}
			msg.Ack()
			seq, err := strconv.ParseUint(msg.Metadata.Get(MetadataSeq), 10, 64)
			topic := msg.Metadata.Get(MetadataTopic)
			if err != nil || topic == "" {
				c.logger.Error("skipping foreign broker message", err, watermill.LogFields{"uuid": msg.UUID})
				continue
			}
			return transport.Packet{Frames: [][]byte{
				[]byte(topic),
				binary.BigEndian.AppendUint64(nil, seq),
				msg.Payload,
			}}, nil
		case <-ctx.Done():
			return transport.Packet{}, ctx.Err()
		}
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.closeErr = c.backend.close()
	})
	return c.closeErr
}
