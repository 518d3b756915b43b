// Package http provides an HTTP webhook broker for frameflow. A sub socket
// serves POST /<source> on its address; a pub socket posts to the
// publisher URL followed by the topic.
package http

import (
	"context"
	nethttp "net/http"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/frameflow/transport"
	"github.com/drblury/frameflow/transport/broker"
)

// TransportName is the scheme this broker registers under.
const TransportName = transport.SchemeHTTP

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build opens an HTTP broker connection.
func Build(ctx context.Context, ep transport.Endpoint, opts transport.Options) (transport.Conn, error) {
	return broker.Builder(backend)(ctx, ep, opts)
}

func backend(_ context.Context, ep transport.Endpoint, opts transport.Options) (broker.Backend, error) {
	b := broker.Backend{TopicName: path}

	if ep.Socket.IsWriter() {
		publisherURL := PublisherURL(ep, opts.Broker)
		publisher, err := PublisherFactory(
			http.PublisherConfig{
				MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
					return http.DefaultMarshalMessageFunc(publisherURL+topic, msg)
				},
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
		ServerAddress(ep, opts.Broker),
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		opts.Logger,
	)
	if err != nil {
		return broker.Backend{}, err
	}
	// the server must start after Subscribe registered the route
	b.Subscriber = startingSubscriber{Subscriber: subscriber, logger: opts.Logger}
	return b, nil
}

// startingSubscriber starts the HTTP server once the first route exists.
type startingSubscriber struct {
	message.Subscriber
	logger watermill.LoggerAdapter
}

func (s startingSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	messages, err := s.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	if srv, ok := s.Subscriber.(*http.Subscriber); ok {
		go func() {
			if err := srv.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
				s.logger.Error("Failed to start HTTP subscriber server", err, nil)
			}
		}()
	}
	return messages, nil
}

// path turns a topic into the route the subscriber serves.
func path(topic string) string { return "/" + topic }

// PublisherURL resolves the base URL pub sockets post to.
func PublisherURL(ep transport.Endpoint, cfg transport.BrokerConfig) string {
	if ep.Address != "" {
		return "http://" + ep.Address
	}
	if cfg != nil {
		return cfg.GetHTTPPublisherURL()
	}
	return ""
}

// ServerAddress resolves the listen address of sub sockets.
func ServerAddress(ep transport.Endpoint, cfg transport.BrokerConfig) string {
	if ep.Address != "" {
		return ep.Address
	}
	if cfg != nil {
		return cfg.GetHTTPServerAddress()
	}
	return ""
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
