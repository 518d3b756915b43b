// Package rabbitmq provides a RabbitMQ/AMQP broker for frameflow.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/frameflow/transport"
	"github.com/drblury/frameflow/transport/broker"
)

// TransportName is the scheme this broker registers under.
const TransportName = transport.SchemeAMQP

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// Register registers the AMQP broker with the default registry.
// This should be called from an init() function in an importing package,
// or explicitly before using the transport.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build opens an AMQP connection. The endpoint address wins over the
// configured URL.
func Build(ctx context.Context, ep transport.Endpoint, opts transport.Options) (transport.Conn, error) {
	return broker.Builder(backend)(ctx, ep, opts)
}

func backend(_ context.Context, ep transport.Endpoint, opts transport.Options) (broker.Backend, error) {
	url := URL(ep, opts.Broker)

	// every subscriber gets its own queue so each sub socket sees the fan-out
	amqpConfig := amqp.NewDurablePubSubConfig(
		url,
		amqp.GenerateQueueNameTopicNameWithSuffix(watermill.NewShortUUID()),
	)

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, opts.Logger)
	if err != nil {
		return broker.Backend{}, err
	}
	b := broker.Backend{Close: closeConnection(conn)}

	if ep.Socket.IsWriter() {
		b.Publisher, err = PublisherFactory(amqpConfig, opts.Logger, conn)
	} else {
		b.Subscriber, err = SubscriberFactory(amqpConfig, opts.Logger, conn)
	}
	if err != nil {
		_ = b.Close()
		return broker.Backend{}, err
	}
	return b, nil
}

func closeConnection(conn *amqp.ConnectionWrapper) func() error {
	return func() error {
		if conn == nil {
			return nil
		}
		return conn.Close()
	}
}

// URL resolves the AMQP URI for ep.
func URL(ep transport.Endpoint, cfg transport.BrokerConfig) string {
	if ep.Address != "" {
		return "amqp://" + ep.Address
	}
	if cfg != nil {
		return cfg.GetRabbitMQURL()
	}
	return ""
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
