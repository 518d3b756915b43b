// Package transport carries envelopes between pipeline processes using
// socket patterns: publish/subscribe, router/dealer and request/reply.
//
// Drivers provide a raw Conn per endpoint scheme (tcp, ipc, udp, inproc,
// nats, kafka, ...) and register themselves with a Registry. Open wraps that
// Conn in a Socket, which implements the pattern semantics on top:
// acknowledgments, send queues, timeouts, multipart reassembly and topic
// filtering.
package transport

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/frameflow/internal/codec"
)

// Kind is the socket pattern. The set is closed.
type Kind uint8

const (
	KindPubSub Kind = iota + 1
	KindRouterDealer
	KindReqRep
)

func (k Kind) String() string {
	switch k {
	case KindPubSub:
		return "pubsub"
	case KindRouterDealer:
		return "router-dealer"
	case KindReqRep:
		return "req-rep"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Acknowledged reports whether writers of this kind wait for an ack.
func (k Kind) Acknowledged() bool { return k == KindRouterDealer || k == KindReqRep }

// SocketType is one side of a pattern.
type SocketType string

const (
	SocketPub    SocketType = "pub"
	SocketSub    SocketType = "sub"
	SocketReq    SocketType = "req"
	SocketRep    SocketType = "rep"
	SocketDealer SocketType = "dealer"
	SocketRouter SocketType = "router"
)

// IsWriter reports whether the socket sends envelopes. Writers are pub, req
// and dealer; the others read.
func (s SocketType) IsWriter() bool {
	return s == SocketPub || s == SocketReq || s == SocketDealer
}

func (s SocketType) Kind() Kind {
	switch s {
	case SocketPub, SocketSub:
		return KindPubSub
	case SocketDealer, SocketRouter:
		return KindRouterDealer
	case SocketReq, SocketRep:
		return KindReqRep
	}
	return 0
}

// Packet is one transport message. RoutingID names the peer on router and
// rep sockets; drivers of other sockets leave it empty.
type Packet struct {
	RoutingID []byte
	Frames    [][]byte
}

// Conn is a raw driver connection. Recv blocks until a packet arrives, ctx
// ends or the Conn is closed, in which case it returns ErrClosed.
type Conn interface {
	Send(ctx context.Context, p Packet) error
	Recv(ctx context.Context) (Packet, error)
	Close() error
}

// Resetter is implemented by Conns whose socket state must be rebuilt after
// a request times out without a reply.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Builder opens a Conn for an endpoint. Each driver package provides one.
type Builder func(ctx context.Context, ep Endpoint, opts Options) (Conn, error)

// BrokerConfig provides broker settings used when an endpoint address
// leaves them out.
type BrokerConfig interface {
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string
	GetRabbitMQURL() string
	GetNATSURL() string
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// Decoder turns complete envelopes into messages.
type Decoder interface {
	Decode(env []byte) (codec.Message, error)
}

// Defaults for Options.
const (
	DefaultReceiveTimeout     = time.Second
	DefaultRequestTimeout     = 5 * time.Second
	DefaultSendTimeout        = 5 * time.Second
	DefaultSendHighWatermark  = 50
	DefaultSendRetries        = 3
	DefaultRoutingIDCacheSize = 512
	DefaultIPCPermissions     = os.FileMode(0o777)
)

// Options tune a Socket and its driver.
type Options struct {
	// ReceiveTimeout bounds each wait inside Messages; a lapse yields a
	// *TimeoutError and reading continues.
	ReceiveTimeout time.Duration
	// RequestTimeout bounds the ack wait of dealer and req sends.
	RequestTimeout time.Duration
	// SendTimeout bounds a single driver send.
	SendTimeout time.Duration
	// SendHighWatermark sizes the pub send queue.
	SendHighWatermark int
	// SendRetries is how many times a failed driver send is repeated.
	SendRetries int
	// MaxFrameSize splits larger envelopes into continuation parts.
	MaxFrameSize       int
	RoutingIDCacheSize int
	IPCPermissions     os.FileMode

	// Topic filters what readers accept.
	Topic TopicFilter

	Broker  BrokerConfig
	Logger  watermill.LoggerAdapter
	Decoder Decoder
	// OnDrop observes envelopes a reader discards, with a short reason.
	OnDrop func(reason string, err error)
}

// WithDefaults fills zero values with the package defaults.
func (o Options) WithDefaults() Options {
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = DefaultReceiveTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.SendHighWatermark <= 0 {
		o.SendHighWatermark = DefaultSendHighWatermark
	}
	if o.SendRetries < 0 {
		o.SendRetries = 0
	}
	if o.RoutingIDCacheSize <= 0 {
		o.RoutingIDCacheSize = DefaultRoutingIDCacheSize
	}
	if o.IPCPermissions == 0 {
		o.IPCPermissions = DefaultIPCPermissions
	}
	if o.Logger == nil {
		o.Logger = watermill.NopLogger{}
	}
	return o
}
