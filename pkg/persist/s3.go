package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/surrealdb/surrealsync/pkg/models"
)

// S3Config configures the S3 snapshot backend.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// Static credentials. Leave empty to use the default AWS credential chain.
	AccessKeyID     string
	SecretAccessKey string
	Key             string // Object key of the snapshot
	UsePathStyle    bool
}

// S3API is the subset of the S3 client used for snapshots.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("persist: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// S3Persistence stores the snapshot as a single S3 object.
type S3Persistence struct {
	client S3API
	bucket string
	key    string
	codec  Codec
}

var (
	_ QueuePersistence = (*S3Persistence)(nil)
	_ Clearer          = (*S3Persistence)(nil)
)

func NewS3Persistence(client S3API, bucket, key string, codec Codec) *S3Persistence {
	if key == "" {
		key = "surrealsync/outbound-queue.snapshot"
	}
	return &S3Persistence{client: client, bucket: bucket, key: key, codec: codec}
}

func (p *S3Persistence) PersistToDisk(ctx context.Context, ops []*models.Operation) error {
	data, err := p.codec.Encode(NewSnapshot(ops))
	if err != nil {
		return err
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("persist: S3 put object failed: %w", err)
	}
	return nil
}

func (p *S3Persistence) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	resp, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("persist: S3 get object failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("persist: S3 read body failed: %w", err)
	}
	return p.codec.Decode(data)
}

func (p *S3Persistence) LoadFromDisk(ctx context.Context) ([]*models.Operation, error) {
	s, err := p.LoadSnapshot(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.Operations, nil
}

func (p *S3Persistence) Clear(ctx context.Context) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key),
	})
	if err != nil {
		return fmt.Errorf("persist: S3 delete object failed: %w", err)
	}
	return nil
}
