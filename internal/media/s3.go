package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"enquirychat/internal/logger"
)

// S3Store keeps attachments in a private bucket and hands out presigned
// GET URLs that expire after ttl.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
	now     func() time.Time
}

// NewS3 builds a store from the default AWS credential chain
func NewS3(ctx context.Context, region, bucket string, ttl time.Duration) (*S3Store, error) {
	if bucket == "" {
		return nil, errors.New("media: bucket name is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3FromClient(s3.NewFromConfig(cfg), bucket, ttl), nil
}

func NewS3FromClient(client *s3.Client, bucket string, ttl time.Duration) *S3Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *S3Store) Put(ctx context.Context, name, contentType string, r io.Reader, size int64) (Object, error) {
	key := Key(s.now(), name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return Object{}, fmt.Errorf("put %s: %w", key, err)
	}
	logger.Info("media_uploaded", "key", key, "size", size, "content_type", contentType)

	obj := Object{Key: key, Name: name, Size: size, ContentType: contentType, Kind: KindOf(contentType)}
	if obj.URL, err = s.URL(ctx, key); err != nil {
		logger.Warn("media_presign_failed", "key", key, "error", err)
	}
	return obj, nil
}

// URL presigns an inline GET for key
func (s *S3Store) URL(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(s.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String("inline"),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}
