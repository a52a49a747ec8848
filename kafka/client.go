// Package kafka builds franz-go clients for the bets topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/aws"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

type AuthType string

const (
	AuthNone        AuthType = "none"
	AuthSCRAMSHA256 AuthType = "scram-sha-256"
	AuthSCRAMSHA512 AuthType = "scram-sha-512"
	AuthAWSMSKIAM   AuthType = "aws-msk-iam"
)

type Config struct {
	Brokers []string
	Topic   string
	// Group is the consumer group. Only consumers need it.
	Group string

	AuthType AuthType
	User     string
	Pass     string
	TLS      bool

	// Linger is how long the producer waits to fill a batch.
	Linger time.Duration
}

func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	switch c.AuthType {
	case "", AuthNone, AuthAWSMSKIAM:
	case AuthSCRAMSHA256, AuthSCRAMSHA512:
		if c.User == "" || c.Pass == "" {
			return fmt.Errorf("auth %s requires user and password", c.AuthType)
		}
	default:
		return fmt.Errorf("unknown auth type %q", c.AuthType)
	}
	return nil
}

// commonOpts returns the seed, TLS and SASL options shared by producers and
// consumers.
func (c *Config) commonOpts(ctx context.Context) ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}

	switch c.AuthType {
	case AuthSCRAMSHA256:
		opts = append(opts, kgo.SASL(scram.Auth{User: c.User, Pass: c.Pass}.AsSha256Mechanism()))
	case AuthSCRAMSHA512:
		opts = append(opts, kgo.SASL(scram.Auth{User: c.User, Pass: c.Pass}.AsSha512Mechanism()))
	case AuthAWSMSKIAM:
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		opts = append(opts, kgo.SASL(aws.ManagedStreamingIAM(func(ctx context.Context) (aws.Auth, error) {
			creds, err := awsCfg.Credentials.Retrieve(ctx)
			if err != nil {
				return aws.Auth{}, err
			}
			return aws.Auth{
				AccessKey:    creds.AccessKeyID,
				SecretKey:    creds.SecretAccessKey,
				SessionToken: creds.SessionToken,
			}, nil
		})))
	}

	if c.TLS || c.AuthType == AuthAWSMSKIAM {
		opts = append(opts, kgo.DialTLS())
	}
	return opts, nil
}

// NewConsumer creates a group consumer for the topic with auto-commit
// disabled; offsets are committed by the caller after records are persisted.
func NewConsumer(ctx context.Context, cfg *Config) (*kgo.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if cfg.Group == "" {
		return nil, errors.New("consumer group is required")
	}

	opts, err := cfg.commonOpts(ctx)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return client, nil
}

// Client is a producer bound to one topic.
type Client struct {
	client *kgo.Client
	topic  string
}

func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	opts, err := cfg.commonOpts(ctx)
	if err != nil {
		return nil, err
	}
	linger := cfg.Linger
	if linger <= 0 {
		linger = 50 * time.Millisecond
	}
	opts = append(opts,
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(linger),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Client{client: client, topic: cfg.Topic}, nil
}

func (k *Client) Close() {
	k.client.Close()
}

func (k *Client) Topic() string { return k.topic }

// Produce sends key/value asynchronously; fn is called once the broker
// acknowledges or the record fails.
func (k *Client) Produce(ctx context.Context, key, value []byte, fn func(*kgo.Record, error)) {
	k.client.Produce(ctx, &kgo.Record{Topic: k.topic, Key: key, Value: value}, fn)
}

// Flush blocks until every buffered record has been acknowledged.
func (k *Client) Flush(ctx context.Context) error {
	return k.client.Flush(ctx)
}

// Ping checks that at least one broker is reachable.
func (k *Client) Ping(ctx context.Context) error {
	return k.client.Ping(ctx)
}

// EnsureTopic creates the topic if it does not exist yet.
func (k *Client) EnsureTopic(ctx context.Context, partitions int, replication int) error {
	return EnsureTopic(ctx, k.client, k.topic, partitions, replication)
}

// EnsureTopic creates topic through client. An existing topic is not an error.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions, replication int) error {
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopic(ctx, int32(partitions), int16(replication), nil, topic)
	if err == nil {
		err = resp.Err
	}
	if err != nil {
		if errors.Is(err, kerr.TopicAlreadyExists) {
			return nil
		}
		return fmt.Errorf("create topic %q: %w", topic, err)
	}
	return nil
}
