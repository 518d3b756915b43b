package transport

import "slices"

// Capabilities describes what a driver supports.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// Name is the scheme the driver serves.
	Name string

	// Patterns lists the socket kinds the driver can carry.
	Patterns []Kind

	// SupportsBind indicates the driver can listen on its address.
	SupportsBind bool

	// SupportsConnect indicates the driver can dial its address.
	SupportsConnect bool

	// SupportsOrdering indicates packets between two peers arrive in send order.
	SupportsOrdering bool

	// Datagram indicates packets may be lost or truncated by the medium.
	Datagram bool

	// Broker indicates delivery goes through an external message broker.
	Broker bool

	// MaxMessageSize is the maximum packet size in bytes (0 = unlimited/unknown).
	// Sockets split larger envelopes into continuation parts.
	MaxMessageSize int
}

// Supports reports whether the driver can carry k.
func (c Capabilities) Supports(k Kind) bool {
	return slices.Contains(c.Patterns, k)
}

// Predefined capability sets for the built-in drivers.
var (
	allPatterns = []Kind{KindPubSub, KindRouterDealer, KindReqRep}

	// StreamCapabilities for ZeroMQ over tcp and ipc.
	StreamCapabilities = Capabilities{
		Name:             "stream",
		Patterns:         allPatterns,
		SupportsBind:     true,
		SupportsConnect:  true,
		SupportsOrdering: true,
	}

	// DatagramCapabilities for udp and unixgram.
	DatagramCapabilities = Capabilities{
		Name:            "datagram",
		Patterns:        []Kind{KindPubSub},
		SupportsBind:    true,
		SupportsConnect: true,
		Datagram:        true,
		MaxMessageSize:  60000,
	}

	// InprocCapabilities for the in-memory hub.
	InprocCapabilities = Capabilities{
		Name:             SchemeInproc,
		Patterns:         allPatterns,
		SupportsBind:     true,
		SupportsConnect:  true,
		SupportsOrdering: true,
	}

	// ChannelCapabilities for in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             SchemeChannel,
		Patterns:         []Kind{KindPubSub},
		SupportsBind:     true,
		SupportsConnect:  true,
		SupportsOrdering: true,
		Broker:           true,
	}

	// KafkaCapabilities for Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:             SchemeKafka,
		Patterns:         []Kind{KindPubSub},
		SupportsConnect:  true,
		SupportsOrdering: true,
		Broker:           true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:             SchemeAMQP,
		Patterns:         []Kind{KindPubSub},
		SupportsConnect:  true,
		SupportsOrdering: true,
		Broker:           true,
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:            SchemeNATS,
		Patterns:        []Kind{KindPubSub},
		SupportsConnect: true,
		Broker:          true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// AWSCapabilities for AWS SNS/SQS transport.
	AWSCapabilities = Capabilities{
		Name:            SchemeAWS,
		Patterns:        []Kind{KindPubSub},
		SupportsConnect: true,
		Broker:          true,
		MaxMessageSize:  262144, // 256KB
	}

	// HTTPCapabilities for HTTP-based transport.
	HTTPCapabilities = Capabilities{
		Name:            SchemeHTTP,
		Patterns:        []Kind{KindPubSub},
		SupportsBind:    true,
		SupportsConnect: true,
		Broker:          true,
	}
)

// GetCapabilities returns the capabilities for a scheme in the default
// registry. Returns a Capabilities with only Name set if the scheme is unknown.
func GetCapabilities(scheme string) Capabilities {
	return DefaultRegistry.GetCapabilities(scheme)
}
