package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"civicreport/config"
	"civicreport/ids"
)

const (
	s3Attempts = 3
	s3Backoff  = 500 * time.Millisecond
)

// putObjectAPI is the part of the s3 client the uploader needs.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader stores documents in an S3 compatible bucket, keyed by a
// storage id derived from the document content.
type S3Uploader struct {
	client  putObjectAPI
	bucket  string
	timeout time.Duration
	backoff time.Duration
}

// NewS3Uploader creates an uploader for an S3 compatible endpoint.
func NewS3Uploader(cfg config.S3Config) *S3Uploader {
	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(cfg.Endpoint),
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
		Region:       cfg.Region,
		UsePathStyle: true,
	})
	return newS3Uploader(client, cfg.Bucket, cfg.Timeout)
}

func newS3Uploader(client putObjectAPI, bucket string, timeout time.Duration) *S3Uploader {
	return &S3Uploader{
		client:  client,
		bucket:  bucket,
		timeout: timeout,
		backoff: s3Backoff,
	}
}

func (u *S3Uploader) Name() string { return "S3" }

func (u *S3Uploader) Upload(ctx context.Context, doc Document) (string, error) {
	body, err := doc.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}
	storageID := ids.StorageIDFromContent(body)

	var lastErr error
	for attempt := 1; attempt <= s3Attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, time.Duration(attempt-1)*u.backoff); err != nil {
				return "", fmt.Errorf("upload of %s abandoned: %w", storageID, err)
			}
		}

		lastErr = u.put(ctx, storageID, body)
		if lastErr == nil {
			log.Infof("Stored report %s as %s (%d bytes)", doc.ReportID, storageID, len(body))
			return storageID, nil
		}
		log.Warnf("Upload attempt %d/%d for report %s failed: %v", attempt, s3Attempts, doc.ReportID, lastErr)
	}
	return "", fmt.Errorf("failed to upload report %s after %d attempts: %w", doc.ReportID, s3Attempts, lastErr)
}

func (u *S3Uploader) put(ctx context.Context, key string, body []byte) error {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	return err
}
