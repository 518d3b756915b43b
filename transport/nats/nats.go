// Package nats provides a NATS Core broker for frameflow.
package nats

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/frameflow/transport"
	"github.com/drblury/frameflow/transport/broker"
)

// TransportName is the scheme this broker registers under.
const TransportName = transport.SchemeNATS

// SubjectPrefix namespaces frameflow subjects.
const SubjectPrefix = "frameflow."

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

// Register registers the NATS broker with the default registry.
// This should be called from an init() function in an importing package,
// or explicitly before using the transport.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build opens a NATS connection. The endpoint address wins over the
// configured URL.
func Build(ctx context.Context, ep transport.Endpoint, opts transport.Options) (transport.Conn, error) {
	return broker.Builder(backend)(ctx, ep, opts)
}

func backend(_ context.Context, ep transport.Endpoint, opts transport.Options) (broker.Backend, error) {
	url := ServerURL(ep, opts.Broker)
	marshaler := &nats.NATSMarshaler{}
	b := broker.Backend{TopicName: Subject}

	if ep.Socket.IsWriter() {
		publisher, err := PublisherFactory(
			nats.PublisherConfig{
				URL:       url,
				Marshaler: marshaler,
			},
			opts.Logger,
		)
		if err != nil {
			return broker.Backend{}, err
		}
		b.Publisher = publisher
		return b, nil
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:         url,
			Unmarshaler: marshaler,
		},
		opts.Logger,
	)
	if err != nil {
		return broker.Backend{}, err
	}
	b.Subscriber = subscriber
	return b, nil
}

// ServerURL resolves the NATS URL for ep.
func ServerURL(ep transport.Endpoint, cfg transport.BrokerConfig) string {
	if ep.Address != "" {
		return "nats://" + ep.Address
	}
	if cfg != nil {
		return cfg.GetNATSURL()
	}
	return ""
}

// Subject maps a source id to a NATS subject. Dots separate subject tokens,
// so they are replaced.
func Subject(topic string) string {
	return SubjectPrefix + strings.ReplaceAll(topic, ".", "_")
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
