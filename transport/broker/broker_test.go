package broker

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
	"github.com/drblury/frameflow/transport"
)

type recordingPublisher struct {
	mu       sync.Mutex
	topics   []string
	messages []*message.Message
	closed   bool
}

func (p *recordingPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range messages {
		p.topics = append(p.topics, topic)
		p.messages = append(p.messages, m)
	}
	return nil
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return nil
}

type chanSubscriber struct {
	ch     chan *message.Message
	topic  string
	closed bool
}

func (s *chanSubscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	s.topic = topic
	return s.ch, nil
}

func (s *chanSubscriber) Close() error {
	s.closed = true
	return nil
}

func packet(topic string, seq uint64, part []byte) transport.Packet {
	return transport.Packet{Frames: [][]byte{[]byte(topic), binary.BigEndian.AppendUint64(nil, seq), part}}
}

func TestConnSendSetsMetadata(t *testing.T) {
	pub := &recordingPublisher{}
	ep := transport.MustParseEndpoint("pub+connect:nats://")
	conn, err := NewConn(context.Background(), ep, transport.Options{}, Backend{
		Publisher: pub,
		TopicName: func(topic string) string { return "ff." + topic },
	})
	require.NoError(t, err)

	require.NoError(t, conn.Send(context.Background(), packet("cam-1", 42, []byte("part"))))

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "ff.cam-1", pub.topics[0])
	msg := pub.messages[0]
	assert.Equal(t, []byte("part"), []byte(msg.Payload))
	assert.Equal(t, "cam-1", msg.Metadata.Get(MetadataTopic))
	assert.Equal(t, "42", msg.Metadata.Get(MetadataSeq))

	assert.Error(t, conn.Send(context.Background(), transport.Packet{Frames: [][]byte{[]byte("x")}}))

	require.NoError(t, conn.Close())
	assert.True(t, pub.closed)
}

func TestConnRecvAcksAndRebuildsFrames(t *testing.T) {
	sub := &chanSubscriber{ch: make(chan *message.Message, 4)}
	ep := transport.MustParseEndpoint("sub+connect:nats://")
	conn, err := NewConn(context.Background(), ep, transport.Options{Topic: transport.SourceID("cam-1")}, Backend{Subscriber: sub})
	require.NoError(t, err)
	assert.Equal(t, "cam-1", sub.topic)

	foreign := message.NewMessage("1", []byte("not ours"))
	ours := message.NewMessage("2", []byte("part"))
	ours.Metadata.Set(MetadataTopic, "cam-1")
	ours.Metadata.Set(MetadataSeq, "7")
	sub.ch <- foreign
	sub.ch <- ours

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p, err := conn.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, packet("cam-1", 7, []byte("part")), p)

	for _, m := range []*message.Message{foreign, ours} {
		select {
		case <-m.Acked():
		default:
			t.Fatalf("message %s was not acked", m.UUID)
		}
	}

	close(sub.ch)
	_, err = conn.Recv(context.Background())
	assert.True(t, errors.Is(err, ferrors.ErrClosed))

	require.NoError(t, conn.Close())
	assert.True(t, sub.closed)
}

func TestConnRecvHonorsContext(t *testing.T) {
	sub := &chanSubscriber{ch: make(chan *message.Message)}
	conn, err := NewConn(context.Background(), transport.MustParseEndpoint("sub+connect:kafka://"),
		transport.Options{Topic: transport.SourceID("cam-1")}, Backend{Subscriber: sub})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = conn.Recv(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewConnRejects(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		opts    transport.Options
		backend Backend
		wantErr error
	}{
		{
			name:    "reader without exact source",
			uri:     "sub+connect:nats://",
			opts:    transport.Options{Topic: transport.Prefix("cam")},
			backend: Backend{Subscriber: &chanSubscriber{}},
			wantErr: ferrors.ErrUnsupportedPattern,
		},
		{
			name:    "writer without publisher",
			uri:     "pub+connect:nats://",
			backend: Backend{Subscriber: &chanSubscriber{}},
		},
		{
			name:    "reader without subscriber",
			uri:     "sub+connect:nats://",
			opts:    transport.Options{Topic: transport.SourceID("cam-1")},
			backend: Backend{Publisher: &recordingPublisher{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConn(context.Background(), transport.MustParseEndpoint(tt.uri), tt.opts, tt.backend)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
			}
		})
	}
}

func TestBuilderWrapsFactoryErrors(t *testing.T) {
	build := Builder(func(context.Context, transport.Endpoint, transport.Options) (Backend, error) {
		return Backend{}, errors.New("boom")
	})
	_, err := build(context.Background(), transport.MustParseEndpoint("pub+connect:kafka://"), transport.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka backend: boom")
}

func TestCloseRunsBackendClose(t *testing.T) {
	closed := false
	conn, err := NewConn(context.Background(), transport.MustParseEndpoint("pub+connect:amqp://"), transport.Options{}, Backend{
		Publisher: &recordingPublisher{},
		Close: func() error {
			closed = true
			return errors.New("conn close")
		},
	})
	require.NoError(t, err)
	err = conn.Close()
	assert.EqualError(t, err, "conn close")
	assert.True(t, closed)
	assert.Equal(t, err, conn.Close())
}
