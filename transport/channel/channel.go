// Package channel provides an in-memory Go channel broker for frameflow.
// Sockets using the same address share one bus, so a pub and a sub opened
// in one process talk to each other. Useful for testing and local development.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/frameflow/transport"
	"github.com/drblury/frameflow/transport/broker"
)

// TransportName is the scheme this broker registers under.
const TransportName = transport.SchemeChannel

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

type bus struct {
	pub  message.Publisher
	sub  message.Subscriber
	refs int
}

var (
	busesMu sync.Mutex
	buses   = map[string]*bus{}
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build opens a connection to the bus named by the endpoint address.
func Build(ctx context.Context, ep transport.Endpoint, opts transport.Options) (transport.Conn, error) {
	return broker.Builder(backend)(ctx, ep, opts)
}

func backend(_ context.Context, ep transport.Endpoint, opts transport.Options) (broker.Backend, error) {
	name := ep.Address

	busesMu.Lock()
	defer busesMu.Unlock()
	b, ok := buses[name]
	if !ok {
		pub, sub := Factory(gochannel.Config{OutputChannelBuffer: int64(opts.SendHighWatermark)}, opts.Logger)
		b = &bus{pub: pub, sub: sub}
		buses[name] = b
	}
	b.refs++

	return broker.Backend{
		Publisher:  sharedPublisher{b.pub},
		Subscriber: sharedSubscriber{b.sub},
		Close:      func() error { return release(name, b) },
	}, nil
}

// release closes the bus once its last connection is gone.
func release(name string, b *bus) error {
	busesMu.Lock()
	defer busesMu.Unlock()
	b.refs--
	if b.refs > 0 {
		return nil
	}
	delete(buses, name)
	return b.pub.Close()
}

// sharedPublisher and sharedSubscriber leave closing to release.
type sharedPublisher struct{ message.Publisher }

func (sharedPublisher) Close() error { return nil }

type sharedSubscriber struct{ message.Subscriber }

func (sharedSubscriber) Close() error { return nil }

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
