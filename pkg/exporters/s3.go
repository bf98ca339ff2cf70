package exporters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/HatiCode/voltcast/pkg/storage"
)

// S3Config locates the bucket the monthly table is uploaded to. Endpoint
// and PathStyle allow S3-compatible stores such as MinIO.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Exporter uploads the monthly table as a parquet object at
// {prefix}/{dataset}/monthly_usage/{run_id}.parquet.
type S3Exporter struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Exporter(ctx context.Context, cfg S3Config) (*S3Exporter, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket cannot be empty")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Exporter{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (e *S3Exporter) Name() string { return "s3" }

// Key returns the object key used for s.
func (e *S3Exporter) Key(s storage.Snapshot) string {
	return path.Join(e.prefix, s.Dataset, "monthly_usage", s.RunID+".parquet")
}

func (e *S3Exporter) Export(ctx context.Context, s storage.Snapshot) error {
	if err := storage.ValidateDataset(s.Dataset); err != nil {
		return err
	}
	if s.RunID == "" {
		return errors.New("s3 export requires a run id")
	}

	data, err := encodeParquet(s)
	if err != nil {
		return err
	}

	if _, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(e.Key(s)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
	}); err != nil {
		return fmt.Errorf("upload monthly table to s3: %w", err)
	}
	return nil
}

func (e *S3Exporter) Close() error { return nil }
