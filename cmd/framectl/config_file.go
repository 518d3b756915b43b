package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/drblury/frameflow/internal/runtime/config"
)

// fileConfig is the TOML layout of a frameflow config. Durations are
// strings accepted by time.ParseDuration, such as "250ms" or "5s".
type fileConfig struct {
	ServiceName string `toml:"service_name"`

	Transport struct {
		Outbound           string   `toml:"outbound"`
		Inbound            string   `toml:"inbound"`
		SourceID           string   `toml:"source_id"`
		TopicPrefix        string   `toml:"topic_prefix"`
		ReceiveTimeout     string   `toml:"receive_timeout"`
		RequestTimeout     string   `toml:"request_timeout"`
		SendTimeout        string   `toml:"send_timeout"`
		SendHighWatermark  int      `toml:"send_high_watermark"`
		SendRetries        int      `toml:"send_retries"`
		MaxFrameSize       int      `toml:"max_frame_size"`
		RoutingIDCacheSize int      `toml:"routing_id_cache_size"`
		IPCPermissions     uint32   `toml:"ipc_permissions"`
		KafkaBrokers       []string `toml:"kafka_brokers"`
		KafkaConsumerGroup string   `toml:"kafka_consumer_group"`
		RabbitMQURL        string   `toml:"rabbitmq_url"`
		NATSURL            string   `toml:"nats_url"`
		HTTPServerAddress  string   `toml:"http_server_address"`
		HTTPPublisherURL   string   `toml:"http_publisher_url"`
		AWSRegion          string   `toml:"aws_region"`
		AWSAccountID       string   `toml:"aws_account_id"`
		AWSAccessKeyID     string   `toml:"aws_access_key_id"`
		AWSSecretAccessKey string   `toml:"aws_secret_access_key"`
		AWSEndpoint        string   `toml:"aws_endpoint"`
	} `toml:"transport"`

	Cache struct {
		Capacity      int    `toml:"capacity"`
		TTL           string `toml:"ttl"`
		InsertTimeout string `toml:"insert_timeout"`
	} `toml:"cache"`

	Queue struct {
		HighWatermark    int    `toml:"high_watermark"`
		LowWatermark     int    `toml:"low_watermark"`
		EnqueueTimeout   string `toml:"enqueue_timeout"`
		RetryMaxAttempts int    `toml:"retry_max_attempts"`
		RetryBackoffBase string `toml:"retry_backoff_base"`
		RetryBackoffMax  string `toml:"retry_backoff_max"`
	} `toml:"queue"`

	Lease struct {
		Backend        string `toml:"backend"`
		LostPolicy     string `toml:"lost_policy"`
		TTL            string `toml:"ttl"`
		RenewInterval  string `toml:"renew_interval"`
		AcquireTimeout string `toml:"acquire_timeout"`
		RenewTimeout   string `toml:"renew_timeout"`
		PebbleDir      string `toml:"pebble_dir"`
		NATSBucket     string `toml:"nats_bucket"`
		OwnerID        string `toml:"owner_id"`
	} `toml:"lease"`

	ExprErrorsFatal     bool   `toml:"expr_errors_fatal"`
	ShutdownGracePeriod string `toml:"shutdown_grace_period"`

	Metrics struct {
		Enabled bool `toml:"enabled"`
		Port    int  `toml:"port"`
	} `toml:"metrics"`
}

// loadConfig reads the TOML file at path. Unknown keys are rejected.
func loadConfig(path string) (config.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(&fc); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return config.Config{}, fmt.Errorf("decode config %s: %s", path, strict.String())
		}
		return config.Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return fc.config()
}

func (fc fileConfig) config() (config.Config, error) {
	var errs []error
	duration := func(key, raw string) time.Duration {
		if raw == "" {
			return 0
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	t := fc.Transport
	cfg := config.Config{
		ServiceName:        fc.ServiceName,
		OutboundEndpoint:   t.Outbound,
		InboundEndpoint:    t.Inbound,
		InboundSourceID:    t.SourceID,
		InboundTopicPrefix: t.TopicPrefix,
		ReceiveTimeout:     duration("transport.receive_timeout", t.ReceiveTimeout),
		RequestTimeout:     duration("transport.request_timeout", t.RequestTimeout),
		SendTimeout:        duration("transport.send_timeout", t.SendTimeout),
		SendHighWatermark:  t.SendHighWatermark,
		SendRetries:        t.SendRetries,
		MaxFrameSize:       t.MaxFrameSize,
		RoutingIDCacheSize: t.RoutingIDCacheSize,
		IPCPermissions:     t.IPCPermissions,
		KafkaBrokers:       t.KafkaBrokers,
		KafkaConsumerGroup: t.KafkaConsumerGroup,
		RabbitMQURL:        t.RabbitMQURL,
		NATSURL:            t.NATSURL,
		HTTPServerAddress:  t.HTTPServerAddress,
		HTTPPublisherURL:   t.HTTPPublisherURL,
		AWSRegion:          t.AWSRegion,
		AWSAccountID:       t.AWSAccountID,
		AWSAccessKeyID:     t.AWSAccessKeyID,
		AWSSecretAccessKey: t.AWSSecretAccessKey,
		AWSEndpoint:        t.AWSEndpoint,

		CacheCapacity:      fc.Cache.Capacity,
		CacheTTL:           duration("cache.ttl", fc.Cache.TTL),
		CacheInsertTimeout: duration("cache.insert_timeout", fc.Cache.InsertTimeout),

		QueueHighWatermark: fc.Queue.HighWatermark,
		QueueLowWatermark:  fc.Queue.LowWatermark,
		EnqueueTimeout:     duration("queue.enqueue_timeout", fc.Queue.EnqueueTimeout),
		RetryMaxAttempts:   fc.Queue.RetryMaxAttempts,
		RetryBackoffBase:   duration("queue.retry_backoff_base", fc.Queue.RetryBackoffBase),
		RetryBackoffMax:    duration("queue.retry_backoff_max", fc.Queue.RetryBackoffMax),

		LeaseBackend:        fc.Lease.Backend,
		LeaseLostPolicy:     fc.Lease.LostPolicy,
		LeaseTTL:            duration("lease.ttl", fc.Lease.TTL),
		LeaseRenewInterval:  duration("lease.renew_interval", fc.Lease.RenewInterval),
		LeaseAcquireTimeout: duration("lease.acquire_timeout", fc.Lease.AcquireTimeout),
		LeaseRenewTimeout:   duration("lease.renew_timeout", fc.Lease.RenewTimeout),
		LeasePebbleDir:      fc.Lease.PebbleDir,
		LeaseNATSBucket:     fc.Lease.NATSBucket,
		OwnerID:             fc.Lease.OwnerID,

		ExprErrorsFatal:     fc.ExprErrorsFatal,
		ShutdownGracePeriod: duration("shutdown_grace_period", fc.ShutdownGracePeriod),

		MetricsEnabled: fc.Metrics.Enabled,
		MetricsPort:    fc.Metrics.Port,
	}
	return cfg, errors.Join(errs...)
}
