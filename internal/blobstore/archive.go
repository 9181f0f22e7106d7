package blobstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NoopArchiver is the default Archiver: it does nothing. Blobs tagged for
// archival are simply dropped at sweep time when no Archiver is
// configured.
type NoopArchiver struct{}

func (NoopArchiver) Archive(ctx context.Context, blobID string, rec Blob, tags []string) error {
	return nil
}

// S3Archiver copies swept, retention-tagged blobs to an S3-compatible
// bucket before their local file is deleted. It is optional: most
// deployments never set ArchiveTags, in which case the sweeper never
// looks at an Archiver at all.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiverConfig configures NewS3Archiver.
type S3ArchiverConfig struct {
	Bucket   string
	Prefix   string // key prefix, e.g. "pwproxy-blobs/"
	Endpoint string // optional, for S3-compatible stores (MinIO, R2, etc.)
	Region   string
}

// NewS3Archiver loads AWS config from the environment/shared config chain
// (the same resolution order as any other aws-sdk-go-v2 client) and
// returns an Archiver backed by it.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blobstore: S3Archiver requires a bucket")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive uploads rec.Bytes to "<prefix><blobID>" in the configured
// bucket, tagging the object with the blob's original tags joined by
// commas in an "x-amz-meta-tags" style user metadata entry.
func (a *S3Archiver) Archive(ctx context.Context, blobID string, rec Blob, tags []string) error {
	key := a.prefix + blobID
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(rec.Bytes),
		ContentType: aws.String(rec.MimeType),
		Metadata:    map[string]string{"pwproxy-tags": joinTags(tags)},
	})
	if err != nil {
		return fmt.Errorf("blobstore: s3 archive %q: %w", key, err)
	}
	return nil
}

func joinTags(tags []string) string {
	var buf bytes.Buffer
	for i, t := range tags {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(t)
	}
	return buf.String()
}
