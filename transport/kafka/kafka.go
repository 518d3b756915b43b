// Package kafka provides a Kafka broker for frameflow.
package kafka

import (
	"context"
	"errors"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/frameflow/transport"
	"github.com/drblury/frameflow/transport/broker"
)

// TransportName is the scheme this broker registers under.
const TransportName = transport.SchemeKafka

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build opens a Kafka connection. A comma separated broker list in the
// endpoint address wins over the configured brokers.
func Build(ctx context.Context, ep transport.Endpoint, opts transport.Options) (transport.Conn, error) {
	return broker.Builder(backend)(ctx, ep, opts)
}

func backend(_ context.Context, ep transport.Endpoint, opts transport.Options) (broker.Backend, error) {
	brokers := Brokers(ep, opts.Broker)
	if len(brokers) == 0 {
		return broker.Backend{}, errors.New("kafka: no brokers configured")
	}

	if ep.Socket.IsWriter() {
		publisher, err := PublisherFactory(
			kafka.PublisherConfig{
				Brokers:   brokers,
				Marshaler: kafka.DefaultMarshaler{},
			},
			opts.Logger,
		)
		if err != nil {
			return broker.Backend{}, err
		}
		return broker.Backend{Publisher: publisher}, nil
	}

	var consumerGroup string
	if opts.Broker != nil {
		consumerGroup = opts.Broker.GetKafkaConsumerGroup()
	}
	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: consumerGroup,
		},
		opts.Logger,
	)
	if err != nil {
		return broker.Backend{}, err
	}
	return broker.Backend{Subscriber: subscriber}, nil
}

// Brokers resolves the broker list for ep.
func Brokers(ep transport.Endpoint, cfg transport.BrokerConfig) []string {
	if ep.Address != "" {
		return strings.Split(ep.Address, ",")
	}
	if cfg != nil {
		return cfg.GetKafkaBrokers()
	}
	return nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
