package aws

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/frameflow/transport"
)

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.Equal(t, 262144, caps.MaxMessageSize)
	assert.False(t, caps.SupportsBind)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

func TestSettingsFrom(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		cfg     transport.BrokerConfig
		want    Settings
		wantErr string
	}{
		{
			name: "nil config keeps the prefix",
			uri:  "pub+connect:aws://prod",
			want: Settings{TopicPrefix: "prod"},
		},
		{
			name: "config values",
			uri:  "pub+connect:aws://",
			cfg:  &mockConfig{awsRegion: "us-west-2", awsAccountID: " '123456789012' ", awsAccessKeyID: "AK", awsSecretAccessKey: "SK"},
			want: Settings{Region: "us-west-2", AccountID: "123456789012", AccessKeyID: "AK", SecretAccessKey: "SK"},
		},
		{
			name: "custom endpoint without account",
			uri:  "sub+connect:aws://",
			cfg:  &mockConfig{awsEndpoint: "http://localhost:4566"},
			want: Settings{AccountID: LocalStackAccountID, Endpoint: &url.URL{Scheme: "http", Host: "localhost:4566"}},
		},
		{
			name: "custom endpoint with malformed account",
			uri:  "sub+connect:aws://",
			cfg:  &mockConfig{awsEndpoint: "http://localhost:4566", awsAccountID: "'123'"},
			want: Settings{AccountID: LocalStackAccountID, Endpoint: &url.URL{Scheme: "http", Host: "localhost:4566"}},
		},
		{
			name:    "endpoint without host",
			uri:     "pub+connect:aws://",
			cfg:     &mockConfig{awsEndpoint: "localhost"},
			wantErr: "needs a scheme and host",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SettingsFrom(transport.MustParseEndpoint(tt.uri), tt.cfg)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTopicName(t *testing.T) {
	assert.Equal(t, "cam-1", Settings{}.TopicName("cam-1"))
	assert.Equal(t, "prod-cam-1", Settings{TopicPrefix: "prod"}.TopicName("cam-1"))
}

func stubAWS(t *testing.T) {
	t.Helper()
	originalConfigLoader := DefaultConfigLoader
	originalTopicResolver := TopicResolverFactory
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalConfigLoader
		TopicResolverFactory = originalTopicResolver
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})

	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		return &sns.GenerateArnTopicResolver{}, nil
	}
}

func TestBuild(t *testing.T) {
	cfg := &mockConfig{awsRegion: "us-east-1", awsAccountID: "123456789012"}

	t.Run("writer builds publisher only", func(t *testing.T) {
		stubAWS(t)
		pub := &mockPublisher{}
		PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, "us-east-1", cfg.AWSConfig.Region)
			return pub, nil
		}
		SubscriberFactory = func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			t.Fatal("subscriber must not be created for a writer")
			return nil, nil
		}

		conn, err := Build(context.Background(), transport.MustParseEndpoint("pub+connect:aws://"), transport.Options{Broker: cfg}.WithDefaults())
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	})

	t.Run("reader subscribes to the prefixed topic", func(t *testing.T) {
		stubAWS(t)
		sub := &mockSubscriber{}
		SubscriberFactory = func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return sub, nil
		}

		opts := transport.Options{Broker: cfg, Topic: transport.SourceID("cam-1")}.WithDefaults()
		conn, err := Build(context.Background(), transport.MustParseEndpoint("sub+connect:aws://prod"), opts)
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, "prod-cam-1", sub.topic)
	})

	t.Run("returns error when config loader fails", func(t *testing.T) {
		stubAWS(t)
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}

		_, err := Build(context.Background(), transport.MustParseEndpoint("pub+connect:aws://"), transport.Options{Broker: cfg}.WithDefaults())
		assert.ErrorContains(t, err, "config error")
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubAWS(t)
		PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), transport.MustParseEndpoint("pub+connect:aws://"), transport.Options{Broker: cfg}.WithDefaults())
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("returns error when subscriber factory fails", func(t *testing.T) {
		stubAWS(t)
		SubscriberFactory = func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		opts := transport.Options{Broker: cfg, Topic: transport.SourceID("cam-1")}.WithDefaults()
		_, err := Build(context.Background(), transport.MustParseEndpoint("sub+connect:aws://"), opts)
		assert.ErrorContains(t, err, "subscriber error")
	})
}

func TestBuildUsesSettings(t *testing.T) {
	t.Run("static credentials and endpoint reach the publisher", func(t *testing.T) {
		stubAWS(t)
		var loadOpts awsconfig.LoadOptions
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			for _, opt := range opts {
				require.NoError(t, opt(&loadOpts))
			}
			return aws.Config{Region: loadOpts.Region, Credentials: loadOpts.Credentials}, nil
		}
		var account string
		TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
			account = accountID
			return &sns.GenerateArnTopicResolver{}, nil
		}
		PublisherFactory = func(cfg sns.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, "eu-central-1", cfg.AWSConfig.Region)
			creds, err := cfg.AWSConfig.Credentials.Retrieve(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "AK", creds.AccessKeyID)
			assert.Len(t, cfg.OptFns, 1)
			return &mockPublisher{}, nil
		}

		cfg := &mockConfig{awsRegion: "eu-central-1", awsAccessKeyID: "AK", awsSecretAccessKey: "SK", awsEndpoint: "http://localhost:4566"}
		conn, err := Build(context.Background(), transport.MustParseEndpoint("pub+connect:aws://prod"), transport.Options{Broker: cfg}.WithDefaults())
		require.NoError(t, err)
		require.NoError(t, conn.Close())
		assert.Equal(t, LocalStackAccountID, account)
	})

	t.Run("missing region fails", func(t *testing.T) {
		stubAWS(t)
		DefaultConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, nil
		}
		_, err := Build(context.Background(), transport.MustParseEndpoint("pub+connect:aws://"), transport.Options{}.WithDefaults())
		assert.ErrorContains(t, err, "region is not configured")
	})
}

type mockConfig struct {
	awsRegion          string
	awsAccountID       string
	awsAccessKeyID     string
	awsSecretAccessKey string
	awsEndpoint        string
}

func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetHTTPServerAddress() string  { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return "" }
func (m *mockConfig) GetAWSRegion() string          { return m.awsRegion }
func (m *mockConfig) GetAWSAccountID() string       { return m.awsAccountID }
func (m *mockConfig) GetAWSAccessKeyID() string     { return m.awsAccessKeyID }
func (m *mockConfig) GetAWSSecretAccessKey() string { return m.awsSecretAccessKey }
func (m *mockConfig) GetAWSEndpoint() string        { return m.awsEndpoint }

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }

type mockSubscriber struct{ topic string }

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	m.topic = topic
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
