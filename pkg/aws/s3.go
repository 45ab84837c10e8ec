package aws

import (
	"bytes"
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver stores raw provider payloads for audit.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds an archiver for bucket. Path-style addressing is used
// when cfg targets a custom endpoint such as LocalStack.
func NewS3Archiver(cfg sdkaws.Config, bucket string) *S3Archiver {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.BaseEndpoint != nil
	})
	return &S3Archiver{client: client, bucket: bucket}
}

// Put uploads body under key.
func (a *S3Archiver) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      sdkaws.String(a.bucket),
		Key:         sdkaws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: sdkaws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", a.bucket, key, err)
	}
	return nil
}
