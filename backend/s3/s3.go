// Package s3 implements the ChunkBackend contract against an
// S3-compatible object store using github.com/aws/aws-sdk-go, grounded
// on rclone's backend/s3/s3.go (static credentials, custom endpoint and
// region, path-style addressing for non-AWS S3-compatible stores).
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/DurantVivado/cloudraidfs/backend"
)

// Config holds the S3-type backend fields from the YAML config's
// backends map.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// Backend stores each chunk as an object keyed by the same naming
// scheme used by the local and WebDAV drivers.
type Backend struct {
	name   string
	bucket string
	client *s3.S3
}

// New constructs an S3 backend from cfg.
func New(name string, cfg Config) (*Backend, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg := aws.NewConfig().
		WithRegion(region).
		WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")).
		WithS3ForcePathStyle(true).
		WithDisableSSL(!cfg.UseSSL)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("s3 backend %s: %w", name, err)
	}
	return &Backend{name: name, bucket: cfg.Bucket, client: s3.New(sess)}, nil
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) objectKey(stripeID uint64, chunkIndex int) string {
	return fmt.Sprintf("stripe_%020d_chunk_%02d.dat", stripeID, chunkIndex)
}

func (b *Backend) Read(ctx context.Context, stripeID uint64, chunkIndex int) ([]byte, error) {
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(stripeID, chunkIndex)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case s3.ErrCodeNoSuchKey, "NotFound":
				return nil, backend.ErrNotFound
			}
		}
		return nil, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, backend.ErrNotFound
	}
	return data, nil
}

func (b *Backend) Write(ctx context.Context, stripeID uint64, chunkIndex int, data []byte) error {
	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(stripeID, chunkIndex)),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (b *Backend) Delete(ctx context.Context, stripeID uint64, chunkIndex int) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(stripeID, chunkIndex)),
	})
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
		return nil
	}
	return err
}
