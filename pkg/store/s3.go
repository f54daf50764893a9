package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// expiresMetaKey holds the snapshot expiry in object metadata, RFC 3339.
// S3 has no native per-object TTL, so expiry is enforced on Load.
const expiresMetaKey = "ripple-expires-at"

// S3API is the subset of the S3 client the store uses. *s3.Client
// satisfies it.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// S3Store keeps snapshots as objects in an S3 bucket. Latency makes it a
// poor fit for hot sessions; it suits archival of idle sessions and
// deployments that already standardize on object storage.
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	st := store.NewS3Store(s3.NewFromConfig(cfg), "my-bucket")
type S3Store struct {
	client S3API
	bucket string
	prefix string
	closed atomic.Bool
}

// S3StoreOption configures an S3Store.
type S3StoreOption func(*s3StoreConfig)

type s3StoreConfig struct {
	prefix string
}

// WithS3Prefix sets the object key prefix. Default: "sessions/".
func WithS3Prefix(prefix string) S3StoreOption {
	return func(c *s3StoreConfig) {
		c.prefix = prefix
	}
}

// NewS3Store creates an S3-backed snapshot store.
func NewS3Store(client S3API, bucket string, opts ...S3StoreOption) *S3Store {
	cfg := &s3StoreConfig{prefix: "sessions/"}
	for _, opt := range opts {
		opt(cfg)
	}
	return &S3Store{client: client, bucket: bucket, prefix: cfg.prefix}
}

func (s *S3Store) key(token string) string {
	return s.prefix + token
}

func (s *S3Store) Save(ctx context.Context, token string, data []byte, expiresAt time.Time) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(token)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			expiresMetaKey: expiresAt.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return fmt.Errorf("store: s3 put: %w", err)
	}
	return nil
}

func (s *S3Store) Load(ctx context.Context, token string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(token)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: s3 get: %w", err)
	}
	defer out.Body.Close()

	if raw, ok := out.Metadata[expiresMetaKey]; ok {
		expiresAt, perr := time.Parse(time.RFC3339Nano, raw)
		if perr == nil && time.Now().After(expiresAt) {
			return nil, nil
		}
	}

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("store: s3 read body: %w", err)
	}
	return data, nil
}

func (s *S3Store) Delete(ctx context.Context, token string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(token)),
	})
	if err != nil {
		return fmt.Errorf("store: s3 delete: %w", err)
	}
	return nil
}

// Touch rewrites the expiry metadata via a same-key copy.
func (s *S3Store) Touch(ctx context.Context, token string, expiresAt time.Time) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	key := s.key(token)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(url.PathEscape(s.bucket + "/" + key)),
		MetadataDirective: types.MetadataDirectiveReplace,
		Metadata: map[string]string{
			expiresMetaKey: expiresAt.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("store: s3 touch: %w", err)
	}
	return nil
}

func (s *S3Store) SaveAll(ctx context.Context, records map[string]Record) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	for token, rec := range records {
		if time.Until(rec.ExpiresAt) <= 0 {
			continue
		}
		if err := s.Save(ctx, token, rec.Data, rec.ExpiresAt); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the store closed. The S3 client stays usable by the caller.
func (s *S3Store) Close() error {
	s.closed.Store(true)
	return nil
}
