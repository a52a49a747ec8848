package cli

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/baldanca/betlake/config"
	"github.com/baldanca/betlake/sink"
)

// loadAWSConfig uses the default provider chain unless static keys are set,
// which is the MinIO case.
func loadAWSConfig(ctx context.Context, c config.S3) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	if c.AccessKey != "" && c.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	return awsCfg, nil
}

func newS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.S3)
	if err != nil {
		return nil, err
	}
	endpoint := cfg.S3Endpoint()
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// newLakeSink returns the bucket sink with streamed uploads, creating the
// bucket first when it is missing.
func newLakeSink(ctx context.Context, cfg *config.Config) (*sink.Sink, error) {
	if err := cfg.ValidateS3(); err != nil {
		return nil, err
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := sink.EnsureBucket(ctx, client, cfg.S3.Bucket); err != nil {
		return nil, err
	}
	return sink.New(client, cfg.S3.Bucket, cfg.S3.Prefix).WithUploader(transfermanager.New(client)), nil
}

// newSQSClient talks to real AWS (or whatever the default chain points at).
// Static MinIO keys are not applied.
func newSQSClient(ctx context.Context, cfg *config.Config) (*sqs.Client, error) {
	awsCfg, err := loadAWSConfig(ctx, config.S3{Region: cfg.S3.Region})
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(awsCfg), nil
}
