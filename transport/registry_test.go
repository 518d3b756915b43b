package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
)

type nopConn struct{ closed bool }

func (c *nopConn) Send(context.Context, Packet) error { return nil }

func (c *nopConn) Recv(ctx context.Context) (Packet, error) {
	<-ctx.Done()
	return Packet{}, ctx.Err()
}

func (c *nopConn) Close() error {
	c.closed = true
	return nil
}

func nopBuilder(context.Context, Endpoint, Options) (Conn, error) { return &nopConn{}, nil }

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.NotNil(t, reg.builders)
	assert.NotNil(t, reg.capabilities)
	assert.Empty(t, reg.Names())
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test", nopBuilder)

	assert.True(t, reg.Has("test"))
	assert.False(t, reg.Has("other"))
	assert.Equal(t, []string{"test"}, reg.Names())

	caps := reg.GetCapabilities("test")
	assert.True(t, caps.Supports(KindReqRep))
	assert.True(t, caps.SupportsBind)
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"udp", "inproc", "tcp"} {
		reg.Register(name, nopBuilder)
	}
	assert.Equal(t, []string{"inproc", "tcp", "udp"}, reg.Names())
}

func TestRegistry_GetCapabilitiesUnknown(t *testing.T) {
	caps := NewRegistry().GetCapabilities("nope")
	assert.Equal(t, "nope", caps.Name)
	assert.False(t, caps.Supports(KindPubSub))
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("udp", nopBuilder, DatagramCapabilities)
	reg.RegisterWithCapabilities("kafka", nopBuilder, KafkaCapabilities)

	tests := []struct {
		name    string
		uri     string
		wantErr error
	}{
		{"pubsub over datagram", "pub+connect:udp://127.0.0.1:9000", nil},
		{"router over datagram", "router+bind:udp://127.0.0.1:9000", ferrors.ErrUnsupportedPattern},
		{"kafka connect", "sub+connect:kafka://", nil},
		{"kafka cannot bind", "sub+bind:kafka://", ferrors.ErrUnsupportedPattern},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := reg.Build(context.Background(), MustParseEndpoint(tt.uri), Options{})
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, conn)
		})
	}

	_, err := reg.Build(context.Background(), MustParseEndpoint("pub+bind:tcp://127.0.0.1:1"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport scheme")
}

func TestRegistry_OpenCapsFrameSize(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("aws", nopBuilder, AWSCapabilities)

	sock, err := reg.Open(context.Background(), MustParseEndpoint("pub+connect:aws://frames"), Options{MaxFrameSize: 1 << 30})
	require.NoError(t, err)
	defer sock.Close()
	assert.Equal(t, AWSCapabilities.MaxMessageSize, sock.Options().MaxFrameSize)
}

func TestPredefinedCapabilities(t *testing.T) {
	assert.True(t, StreamCapabilities.Supports(KindRouterDealer))
	assert.True(t, InprocCapabilities.Supports(KindReqRep))
	assert.False(t, DatagramCapabilities.Supports(KindReqRep))
	assert.True(t, DatagramCapabilities.Datagram)
	for _, caps := range []Capabilities{ChannelCapabilities, KafkaCapabilities, NATSCapabilities, RabbitMQCapabilities, HTTPCapabilities, AWSCapabilities} {
		assert.True(t, caps.Broker, caps.Name)
		assert.Equal(t, []Kind{KindPubSub}, caps.Patterns, caps.Name)
	}
}
