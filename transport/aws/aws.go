// Package aws provides an AWS SNS/SQS broker for frameflow.
//
// The endpoint address is a topic prefix: pub+connect:aws://prod publishes
// the envelopes of source cam-1 to the SNS topic prod-cam-1, and an empty
// address keeps the bare source id. Sub sockets read through an SQS queue
// named after the topic, so readers of one source on the same account
// share the queue and split its envelopes between them.
//
// Region, account, credentials and a custom endpoint (LocalStack) come from
// the broker config.
package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/frameflow/transport"
	"github.com/drblury/frameflow/transport/broker"
)

// TransportName is the scheme this broker registers under.
const TransportName = transport.SchemeAWS

// LocalStackAccountID stands in for the account when a custom endpoint is
// configured without a valid one.
const LocalStackAccountID = "000000000000"

const accountIDLength = 12

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// Settings is everything one endpoint needs to reach SNS and SQS.
type Settings struct {
	// TopicPrefix is the endpoint address.
	TopicPrefix string
	Region      string
	AccountID   string
	// AccessKeyID and SecretAccessKey are used together or not at all.
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the AWS service endpoints.
	Endpoint *url.URL
}

// SettingsFrom combines the endpoint with the broker config. A custom
// service endpoint without a 12-digit account falls back to
// LocalStackAccountID.
func SettingsFrom(ep transport.Endpoint, cfg transport.BrokerConfig) (Settings, error) {
	s := Settings{TopicPrefix: ep.Address}
	if cfg == nil {
		return s, nil
	}
	s.Region = cfg.GetAWSRegion()
	s.AccountID = strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	s.AccessKeyID = cfg.GetAWSAccessKeyID()
	s.SecretAccessKey = cfg.GetAWSSecretAccessKey()

	if raw := cfg.GetAWSEndpoint(); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return Settings{}, fmt.Errorf("aws endpoint: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return Settings{}, fmt.Errorf("aws endpoint %q needs a scheme and host", raw)
		}
		s.Endpoint = u
		if len(s.AccountID) != accountIDLength {
			s.AccountID = LocalStackAccountID
		}
	}
	return s, nil
}

// TopicName maps a source id to its SNS topic.
func (s Settings) TopicName(source string) string {
	if s.TopicPrefix == "" {
		return source
	}
	return s.TopicPrefix + "-" + source
}

func (s Settings) staticCredentials() bool {
	return s.AccessKeyID != "" && s.SecretAccessKey != ""
}

// load resolves the SDK config. The configured region wins over whatever
// the default chain finds.
func (s Settings) load(ctx context.Context) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if s.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.Region))
	}
	if s.staticCredentials() {
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: s.AccessKeyID, SecretAccessKey: s.SecretAccessKey}, nil
			})))
	}
	cfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if s.Region != "" {
		cfg.Region = s.Region
	}
	if cfg.Region == "" {
		return aws.Config{}, errors.New("aws region is not configured")
	}
	return cfg, nil
}

func (s Settings) snsOptions() []func(*amazonsns.Options) {
	if s.Endpoint == nil {
		return nil
	}
	return []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *s.Endpoint},
		}),
	}
}

func (s Settings) sqsOptions() []func(*amazonsqs.Options) {
	if s.Endpoint == nil {
		return nil
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *s.Endpoint},
		}),
	}
}

// Build opens an SNS publisher for writer endpoints and an SNS-fed SQS
// subscriber for readers.
func Build(ctx context.Context, ep transport.Endpoint, opts transport.Options) (transport.Conn, error) {
	return broker.Builder(backend)(ctx, ep, opts)
}

func backend(ctx context.Context, ep transport.Endpoint, opts transport.Options) (broker.Backend, error) {
	s, err := SettingsFrom(ep, opts.Broker)
	if err != nil {
		return broker.Backend{}, err
	}
	awsCfg, err := s.load(ctx)
	if err != nil {
		return broker.Backend{}, err
	}
	resolver, err := TopicResolverFactory(s.AccountID, awsCfg.Region)
	if err != nil {
		return broker.Backend{}, fmt.Errorf("sns topic resolver: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	logger.Info("Opening AWS broker", watermill.LogFields{
		"region":             awsCfg.Region,
		"account_id":         s.AccountID,
		"topic_prefix":       s.TopicPrefix,
		"custom_endpoint":    s.Endpoint != nil,
		"static_credentials": s.staticCredentials(),
	})

	b := broker.Backend{TopicName: s.TopicName}
	if ep.Socket.IsWriter() {
		b.Publisher, err = PublisherFactory(sns.PublisherConfig{
			AWSConfig:     awsCfg,
			OptFns:        s.snsOptions(),
			TopicResolver: resolver,
			Marshaler:     sns.DefaultMarshalerUnmarshaler{},
		}, logger)
	} else {
		b.Subscriber, err = SubscriberFactory(sns.SubscriberConfig{
			AWSConfig:            awsCfg,
			OptFns:               s.snsOptions(),
			TopicResolver:        resolver,
			GenerateSqsQueueName: queueName,
		}, sqs.SubscriberConfig{
			AWSConfig: awsCfg,
			OptFns:    s.sqsOptions(),
		}, logger)
	}
	if err != nil {
		return broker.Backend{}, err
	}
	return b, nil
}

// queueName names the SQS queue behind a subscription after its topic.
func queueName(_ context.Context, topic sns.TopicArn) (string, error) {
	name, err := sns.ExtractTopicNameFromTopicArn(topic)
	if err != nil {
		return "", err
	}
	return string(name), nil
}
