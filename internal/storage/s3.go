package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// S3Config configures an S3Backend. Endpoint is optional; when set the
// client uses path-style addressing, which is what MinIO and most
// self-hosted S3 implementations expect.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// S3Backend implements Backend against an S3-compatible service.
// Containers map to buckets.
type S3Backend struct {
	client *s3.Client
}

// NewS3Backend creates an S3 backend from config.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Backend{client: client}, nil
}

// NewS3BackendFromClient wraps an existing S3 client. Used in tests.
func NewS3BackendFromClient(client *s3.Client) *S3Backend {
	return &S3Backend{client: client}
}

// isS3NotFound reports whether an S3 API error means bucket or key absent.
func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &noBucket) || errors.As(err, &notFound)
}

// ContainerExists reports whether the bucket exists.
func (b *S3Backend) ContainerExists(ctx context.Context, container string) (bool, error) {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(container),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head bucket %s: %w", container, err)
	}
	return true, nil
}

// CreateContainer creates the bucket. An already-owned bucket is a no-op.
func (b *S3Backend) CreateContainer(ctx context.Context, container string) error {
	_, err := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(container),
	})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", container, err)
	}
	log.Debug().Str("bucket", container).Msg("created s3 bucket")
	return nil
}

// ListContainers returns all bucket names.
func (b *S3Backend) ListContainers(ctx context.Context) ([]string, error) {
	out, err := b.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	names := make([]string, 0, len(out.Buckets))
	for _, bucket := range out.Buckets {
		names = append(names, aws.ToString(bucket.Name))
	}
	return names, nil
}

// ObjectExists reports whether the key exists in the bucket.
func (b *S3Backend) ObjectExists(ctx context.Context, container, name string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s/%s: %w", container, name, err)
	}
	return true, nil
}

// GetObject retrieves an object; the caller must close the body.
func (b *S3Backend) GetObject(ctx context.Context, container, name string) (*Object, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("get object %s/%s: %w", container, name, err)
	}

	info := ObjectInfo{
		Name:         name,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}
	return &Object{Info: info, Body: out.Body}, nil
}

// StatObject returns object metadata via HeadObject.
func (b *S3Backend) StatObject(ctx context.Context, container, name string) (*ObjectInfo, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("head object %s/%s: %w", container, name, err)
	}

	return &ObjectInfo{
		Name:         name,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}

// PutObject uploads an object.
func (b *S3Backend) PutObject(ctx context.Context, container, name string, body io.Reader, info ObjectInfo) (*ObjectInfo, error) {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(container),
		Key:      aws.String(name),
		Body:     body,
		Metadata: info.Metadata,
	}
	if info.Size > 0 {
		input.ContentLength = aws.Int64(info.Size)
	}
	if info.ContentType != "" {
		input.ContentType = aws.String(info.ContentType)
	}

	out, err := b.client.PutObject(ctx, input)
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrContainerNotFound
		}
		return nil, fmt.Errorf("put object %s/%s: %w", container, name, err)
	}

	return &ObjectInfo{
		Name:         name,
		Size:         info.Size,
		ContentType:  info.ContentType,
		ETag:         aws.ToString(out.ETag),
		LastModified: time.Now().UTC(),
		Metadata:     info.Metadata,
	}, nil
}

// RemoveObject deletes an object. S3 DeleteObject is already idempotent.
func (b *S3Backend) RemoveObject(ctx context.Context, container, name string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil
		}
		return fmt.Errorf("delete object %s/%s: %w", container, name, err)
	}
	return nil
}

// ListObjects returns metadata for every object in a bucket, paginating
// through ListObjectsV2.
func (b *S3Backend) ListObjects(ctx context.Context, container string) ([]ObjectInfo, error) {
	var infos []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(container),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if isS3NotFound(err) {
				return nil, ErrContainerNotFound
			}
			return nil, fmt.Errorf("list objects %s: %w", container, err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, ObjectInfo{
				Name:         aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         aws.ToString(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	return infos, nil
}

var _ Backend = (*S3Backend)(nil)
