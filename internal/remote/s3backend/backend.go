// Package s3backend implements the remote.Client interface (internal/remote)
// against an S3-API object store: bucket/region/path-style wiring and
// a GetObject/PutObject/HeadObject/ListObjects/HealthCheck shape, minus
// adaptive multipart transport tuning (no component here needs adaptive
// multipart tuning for single-file sync traffic).
//
// S3 has no native directory tree, so the hierarchy the Remote client
// interface exposes is emulated with three key families per object:
//
//	meta/<cloudID>              the item's current metadata (small JSON blob)
//	content/<cloudID>           the file's byte content (files only)
//	index/<parentCloudID>/<id>  an empty marker enumerated by ListDirectory
//
// Rename and Move update the meta blob and re-point the index marker;
// ListDirectory lists by the index prefix rather than scanning all keys.
package s3backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudmount/cloudmount/internal/remote"
	cloudmounterrors "github.com/cloudmount/cloudmount/pkg/errors"
	"github.com/cloudmount/cloudmount/pkg/logging"
)

// Config configures the reference S3 backend: region/endpoint/path-style
// and connection pooling, minus adaptive throughput-tuning knobs.
type Config struct {
	Region         string
	Endpoint       string
	ForcePathStyle bool
	PoolSize       int
	MaxRetries     int
}

// Backend is the reference remote.Client implementation.
type Backend struct {
	client *s3.Client
	bucket string
	pool   *ConnectionPool
	logger zerolog.Logger

	metrics Metrics
}

var _ remote.Client = (*Backend)(nil)

// New creates a Backend bound to bucket, verifying connectivity with one
// HeadBucket call before returning.
func New(ctx context.Context, bucket string, cfg Config) (*Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	pool, err := NewConnectionPool(cfg.PoolSize, func() (*s3.Client, error) {
		return client, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	b := &Backend{
		client: client,
		bucket: bucket,
		pool:   pool,
		logger: logging.Component("remote.s3"),
	}

	if err := b.healthCheck(ctx); err != nil {
		return nil, fmt.Errorf("S3 backend health check failed: %w", err)
	}
	return b, nil
}

func metaKey(cloudID string) string         { return "meta/" + cloudID }
func contentKey(cloudID string) string      { return "content/" + cloudID }
func indexKey(parent, cloudID string) string { return "index/" + parent + "/" + cloudID }
func indexPrefix(parent string) string      { return "index/" + parent + "/" }

func (b *Backend) ListDirectory(ctx context.Context, folderCloudID string) ([]remote.Item, error) {
	start := time.Now()
	client := b.pool.Get()
	defer b.pool.Put(client)

	var items []remote.Item
	var token *string
	for {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(indexPrefix(folderCloudID)),
			ContinuationToken: token,
		})
		if err != nil {
			b.metrics.recordError(err)
			return nil, b.translateError(err, "ListDirectory", folderCloudID)
		}
		for _, obj := range out.Contents {
			cloudID := strings.TrimPrefix(aws.ToString(obj.Key), indexPrefix(folderCloudID))
			item, err := b.getMetaByID(ctx, client, cloudID)
			if err != nil {
				return nil, err
			}
			if item != nil {
				items = append(items, *item)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	b.metrics.record(time.Since(start), false)
	return items, nil
}

func (b *Backend) GetMetadata(ctx context.Context, cloudID, parentCloudID string) (*remote.Item, error) {
	client := b.pool.Get()
	defer b.pool.Put(client)
	return b.getMetaByID(ctx, client, cloudID)
}

func (b *Backend) getMetaByID(ctx context.Context, client *s3.Client, cloudID string) (*remote.Item, error) {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(metaKey(cloudID)),
	})
	if err != nil {
		if isErrorType[*s3types.NoSuchKey](err) {
			return nil, nil
		}
		b.metrics.recordError(err)
		return nil, b.translateError(err, "GetMetadata", cloudID)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read metadata body: %w", err)
	}
	var item remote.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", cloudID, err)
	}
	item.ETag = aws.ToString(out.ETag)
	return &item, nil
}

func (b *Backend) putMeta(ctx context.Context, client *s3.Client, item remote.Item) (string, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encode metadata for %s: %w", item.CloudID, err)
	}
	out, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(metaKey(item.CloudID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		b.metrics.recordError(err)
		return "", b.translateError(err, "PutMetadata", item.CloudID)
	}
	return aws.ToString(out.ETag), nil
}

func (b *Backend) Download(ctx context.Context, cloudID string, w io.WriterAt, rng *remote.ByteRange) error {
	start := time.Now()
	client := b.pool.Get()
	defer b.pool.Put(client)

	var rangeHeader *string
	var writeOffset int64
	if rng != nil {
		rangeHeader = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End-1))
		writeOffset = rng.Start
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(contentKey(cloudID)),
		Range:  rangeHeader,
	})
	if err != nil {
		b.metrics.recordError(err)
		return b.translateError(err, "Download", cloudID)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("read download body for %s: %w", cloudID, err)
	}
	if _, err := w.WriteAt(data, writeOffset); err != nil {
		return fmt.Errorf("write downloaded content for %s: %w", cloudID, err)
	}
	b.metrics.recordBytesDown(int64(len(data)))
	b.metrics.record(time.Since(start), false)
	return nil
}

func (b *Backend) Upload(ctx context.Context, r io.Reader, size int64, parentCloudID, name string) (remote.UploadResult, error) {
	start := time.Now()
	client := b.pool.Get()
	defer b.pool.Put(client)

	data, err := io.ReadAll(r)
	if err != nil {
		return remote.UploadResult{}, fmt.Errorf("read upload content: %w", err)
	}

	cloudID := uuid.NewString()
	out, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(contentKey(cloudID)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		b.metrics.recordError(err)
		return remote.UploadResult{}, b.translateError(err, "Upload", name)
	}
	etag := aws.ToString(out.ETag)

	item := remote.Item{
		CloudID:       cloudID,
		ParentCloudID: parentCloudID,
		Name:          name,
		Size:          int64(len(data)),
		ETag:          etag,
		Type:          remote.TypeFile,
	}
	if _, err := b.putMeta(ctx, client, item); err != nil {
		return remote.UploadResult{}, err
	}
	if err := b.putIndexMarker(ctx, client, item); err != nil {
		return remote.UploadResult{}, err
	}

	b.metrics.recordBytesUp(int64(len(data)))
	b.metrics.record(time.Since(start), false)
	return remote.UploadResult{CloudID: cloudID, ETag: etag, Size: size}, nil
}

func (b *Backend) UpdateContent(ctx context.Context, cloudID, etag string, r io.Reader, size int64) (remote.UploadResult, error) {
	start := time.Now()
	client := b.pool.Get()
	defer b.pool.Put(client)

	item, err := b.getMetaByID(ctx, client, cloudID)
	if err != nil {
		return remote.UploadResult{}, err
	}
	if item == nil {
		return remote.UploadResult{}, cloudmounterrors.NewError(cloudmounterrors.ErrCodeNotFound, "object not found").
			WithComponent("remote.s3").WithOperation("UpdateContent")
	}
	if etag != "" && item.ETag != etag {
		return remote.UploadResult{}, cloudmounterrors.NewError(cloudmounterrors.ErrCodePreconditionFail, "etag mismatch on update").
			WithComponent("remote.s3").WithOperation("UpdateContent")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return remote.UploadResult{}, fmt.Errorf("read update content: %w", err)
	}
	out, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(contentKey(cloudID)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		b.metrics.recordError(err)
		return remote.UploadResult{}, b.translateError(err, "UpdateContent", cloudID)
	}

	item.Size = int64(len(data))
	item.ETag = aws.ToString(out.ETag)
	if _, err := b.putMeta(ctx, client, *item); err != nil {
		return remote.UploadResult{}, err
	}

	b.metrics.recordBytesUp(int64(len(data)))
	b.metrics.record(time.Since(start), false)
	return remote.UploadResult{CloudID: cloudID, ETag: item.ETag, Size: item.Size}, nil
}

func (b *Backend) CreateFolder(ctx context.Context, parentCloudID, name string) (remote.Item, error) {
	client := b.pool.Get()
	defer b.pool.Put(client)

	item := remote.Item{
		CloudID:       uuid.NewString(),
		ParentCloudID: parentCloudID,
		Name:          name,
		Type:          remote.TypeFolder,
	}
	etag, err := b.putMeta(ctx, client, item)
	if err != nil {
		return remote.Item{}, err
	}
	item.ETag = etag
	if err := b.putIndexMarker(ctx, client, item); err != nil {
		return remote.Item{}, err
	}
	return item, nil
}

func (b *Backend) putIndexMarker(ctx context.Context, client *s3.Client, item remote.Item) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(indexKey(item.ParentCloudID, item.CloudID)),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		b.metrics.recordError(err)
		return b.translateError(err, "PutIndexMarker", item.CloudID)
	}
	return nil
}

func (b *Backend) deleteIndexMarker(ctx context.Context, client *s3.Client, parentCloudID, cloudID string) error {
	_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(indexKey(parentCloudID, cloudID)),
	})
	if err != nil && !isErrorType[*s3types.NoSuchKey](err) {
		return b.translateError(err, "DeleteIndexMarker", cloudID)
	}
	return nil
}

func (b *Backend) Rename(ctx context.Context, cloudID, etag, newName string) error {
	client := b.pool.Get()
	defer b.pool.Put(client)

	item, err := b.getMetaByID(ctx, client, cloudID)
	if err != nil {
		return err
	}
	if item == nil {
		return cloudmounterrors.NewError(cloudmounterrors.ErrCodeNotFound, "object not found").WithComponent("remote.s3").WithOperation("Rename")
	}
	if etag != "" && item.ETag != etag {
		return cloudmounterrors.NewError(cloudmounterrors.ErrCodePreconditionFail, "etag mismatch on rename").WithComponent("remote.s3").WithOperation("Rename")
	}
	item.Name = newName
	_, err = b.putMeta(ctx, client, *item)
	return err
}

func (b *Backend) Move(ctx context.Context, cloudID, etag, newParentCloudID string) error {
	client := b.pool.Get()
	defer b.pool.Put(client)

	item, err := b.getMetaByID(ctx, client, cloudID)
	if err != nil {
		return err
	}
	if item == nil {
		return cloudmounterrors.NewError(cloudmounterrors.ErrCodeNotFound, "object not found").WithComponent("remote.s3").WithOperation("Move")
	}
	if etag != "" && item.ETag != etag {
		return cloudmounterrors.NewError(cloudmounterrors.ErrCodePreconditionFail, "etag mismatch on move").WithComponent("remote.s3").WithOperation("Move")
	}
	oldParent := item.ParentCloudID
	item.ParentCloudID = newParentCloudID
	if _, err := b.putMeta(ctx, client, *item); err != nil {
		return err
	}
	if err := b.putIndexMarker(ctx, client, *item); err != nil {
		return err
	}
	return b.deleteIndexMarker(ctx, client, oldParent, cloudID)
}

func (b *Backend) Delete(ctx context.Context, cloudID, etag string) error {
	client := b.pool.Get()
	defer b.pool.Put(client)

	item, err := b.getMetaByID(ctx, client, cloudID)
	if err != nil {
		return err
	}
	if item == nil {
		return nil
	}
	if etag != "" && item.ETag != etag {
		return cloudmounterrors.NewError(cloudmounterrors.ErrCodePreconditionFail, "etag mismatch on delete").WithComponent("remote.s3").WithOperation("Delete")
	}

	if item.Type == remote.TypeFile {
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(contentKey(cloudID)),
		}); err != nil && !isErrorType[*s3types.NoSuchKey](err) {
			return b.translateError(err, "Delete", cloudID)
		}
	}
	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(metaKey(cloudID)),
	}); err != nil && !isErrorType[*s3types.NoSuchKey](err) {
		return b.translateError(err, "Delete", cloudID)
	}
	return b.deleteIndexMarker(ctx, client, item.ParentCloudID, cloudID)
}

func (b *Backend) Healthy(ctx context.Context) bool {
	return b.healthCheck(ctx) == nil
}

func (b *Backend) healthCheck(ctx context.Context) error {
	client := b.pool.Get()
	defer b.pool.Put(client)
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	return err
}

// Close releases the connection pool.
func (b *Backend) Close() error { return b.pool.Close() }

func (b *Backend) translateError(err error, operation, key string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err):
		return cloudmounterrors.NewError(cloudmounterrors.ErrCodeNotFound, fmt.Sprintf("object not found: %s", key)).
			WithComponent("remote.s3").WithOperation(operation).WithCause(err)
	case isErrorType[*s3types.NoSuchBucket](err):
		return cloudmounterrors.NewError(cloudmounterrors.ErrCodeRemotePersistent, fmt.Sprintf("bucket not found: %s", b.bucket)).
			WithComponent("remote.s3").WithOperation(operation).WithCause(err)
	default:
		return cloudmounterrors.NewError(cloudmounterrors.ErrCodeNetworkError, fmt.Sprintf("%s failed for %s", operation, key)).
			WithComponent("remote.s3").WithOperation(operation).WithCause(err)
	}
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
