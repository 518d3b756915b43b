package frameflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriversRegistered(t *testing.T) {
	for _, scheme := range []string{"inproc", "tcp", "ipc", "udp", "unixgram", "nats", "kafka", "amqp", "aws", "http", "channel"} {
		caps := GetCapabilities(scheme)
		assert.NotEmpty(t, caps.Patterns, scheme)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{LeaseLostPolicy: "keep"}, DiscardLogger())
	var cve ConfigValidationError
	require.ErrorAs(t, err, &cve)

	_, err = New(Config{}, nil)
	assert.ErrorIs(t, err, ErrLoggerRequired)
}

func TestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := Config{
		OutboundEndpoint: "dealer+connect:inproc://libapi-e2e",
		ReceiveTimeout:   50 * time.Millisecond,
	}
	producer, err := New(cfg, DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = producer.Shutdown(context.Background()) })
	consumer, err := New(Config{InboundEndpoint: "router+bind:inproc://libapi-e2e", ReceiveTimeout: 50 * time.Millisecond}, DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumer.Shutdown(context.Background()) })

	in, err := consumer.Start(ctx)
	require.NoError(t, err)
	require.NotNil(t, in)
	out, err := producer.Start(ctx)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, []string{DefaultOutput}, producer.Outputs())

	_, err = producer.AcquireStream(ctx, "cam-1")
	require.NoError(t, err)
	id := producer.CreateFrame("cam-1", time.Now())
	car := producer.Runtime().Labels.Intern("car")
	_, err = producer.AddObject(id, VideoObject{Label: car, Confidence: 0.9, Box: NewLTWH(10, 10, 40, 20)})
	require.NoError(t, err)
	_, err = producer.AddObject(id, VideoObject{Label: car, Confidence: 0.2, Box: NewLTWH(60, 10, 40, 20)})
	require.NoError(t, err)

	tickets, err := producer.Send(ctx, id)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	_, err = tickets[0].Wait(ctx)
	require.NoError(t, err)

	var got bool
	for msg, err := range in.Messages(ctx) {
		if err != nil {
			require.ErrorIs(t, err, ErrTimeout)
			continue
		}
		require.NotNil(t, msg.Frame)
		assert.Equal(t, IngressStage, msg.Frame.Stage())

		confident, err := consumer.Filter(msg.Frame.ID(), `label == "car" && confidence > 0.5`)
		require.NoError(t, err)
		require.Len(t, confident, 1)
		assert.InDelta(t, 0.9, confident[0].Confidence, 1e-6)
		got = true
		break
	}
	assert.True(t, got, "frame received")
}
