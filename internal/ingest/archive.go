package ingest

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"neo-scan-engine/internal/config"
)

// SnapshotArchiver stores raw CAD payloads in S3 so an ingestion run can be
// audited or replayed against the exact dataset it saw.
type SnapshotArchiver struct {
	client *s3.Client
	bucket string
}

// NewSnapshotArchiver builds an archiver from config. Returns nil when no
// bucket is configured.
func NewSnapshotArchiver(ctx context.Context, cfg config.Config) (*SnapshotArchiver, error) {
	if cfg.SnapshotS3Bucket == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.SnapshotS3Region),
	}
	if cfg.SnapshotS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.SnapshotS3Endpoint,
					HostnameImmutable: cfg.SnapshotS3PathStyle,
					SigningRegion:     cfg.SnapshotS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.SnapshotS3PathStyle
	})
	return &SnapshotArchiver{client: client, bucket: cfg.SnapshotS3Bucket}, nil
}

// Archive uploads one raw payload and returns its object key.
func (a *SnapshotArchiver) Archive(ctx context.Context, raw []byte) (string, error) {
	key := fmt.Sprintf("cad/%s.json", time.Now().UTC().Format("2006-01-02T15-04-05Z"))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put cad snapshot: %w", err)
	}
	return key, nil
}
