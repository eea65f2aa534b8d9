package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/szaher/convmem/internal/memory"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps one JSON object per conversation in a bucket.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store creates a store over an existing client.
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// OpenS3 loads the default AWS configuration and creates a store. A
// non-empty endpoint selects an S3-compatible service with path-style
// addressing.
func OpenS3(ctx context.Context, bucket, prefix, region, endpoint string) (*S3Store, error) {
	if bucket == "" {
		return nil, errors.New("s3 store: bucket is required")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Store(client, bucket, prefix), nil
}

func (s *S3Store) objectKey(key string) string {
	return s.prefix + url.PathEscape(key) + ".json"
}

// Get returns the state for key.
func (s *S3Store) Get(ctx context.Context, key string) (memory.State, bool, error) {
	if err := checkKey(key); err != nil {
		return memory.State{}, false, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return memory.State{}, false, nil
	}
	if err != nil {
		return memory.State{}, false, fmt.Errorf("s3 get %s: %w", s.objectKey(key), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return memory.State{}, false, fmt.Errorf("s3 read %s: %w", s.objectKey(key), err)
	}
	st, err := decodeState(data)
	if err != nil {
		return memory.State{}, false, err
	}
	return st, true, nil
}

// Put stores the state for key.
func (s *S3Store) Put(ctx context.Context, key string, state memory.State) error {
	if err := checkKey(key); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", s.objectKey(key), err)
	}
	return nil
}
