// Package s3storage keeps a copy of every stored attachment in a MinIO/S3
// bucket so bytes lost from the local disk can be recovered.
package s3storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/model"
)

// ErrObjectNotFound is returned when the bucket holds no copy.
var ErrObjectNotFound = errors.New("backup object not found")

// Backup wraps MinIO/S3 interactions for attachment copies.
type Backup struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Backup, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Backup{client: client, bucket: cfg.BackupBucket, region: cfg.S3Region}, nil
}

// EnsureBucket makes sure the backup bucket exists before use.
func (b *Backup) EnsureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", b.bucket, err)
	}
	if !exists {
		if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: b.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", b.bucket, err)
		}
	}
	return nil
}

// ObjectKey mirrors the on-disk layout: relativeDir/diskFilename.
func ObjectKey(a *model.Attachment) string {
	return path.Join(a.RelativeDir, a.DiskFilename)
}

// Upload copies a's bytes from r into the bucket.
func (b *Backup) Upload(ctx context.Context, a *model.Attachment, r io.Reader) error {
	opts := minio.PutObjectOptions{
		ContentType:  a.MimeType,
		UserMetadata: map[string]string{"sha256": a.Hash, "attachment-id": a.ID},
	}
	if _, err := b.client.PutObject(ctx, b.bucket, ObjectKey(a), r, a.Size, opts); err != nil {
		return fmt.Errorf("upload backup object: %w", err)
	}
	return nil
}

// Open streams the stored copy of a. The caller closes the reader.
func (b *Backup) Open(ctx context.Context, a *model.Attachment) (io.ReadCloser, error) {
	key := ObjectKey(a)
	if _, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("stat backup object: %w", err)
	}
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get backup object: %w", err)
	}
	return obj, nil
}

// Remove deletes the stored copy of a. A missing object is not an error.
func (b *Backup) Remove(ctx context.Context, a *model.Attachment) error {
	if err := b.client.RemoveObject(ctx, b.bucket, ObjectKey(a), minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("remove backup object: %w", err)
	}
	return nil
}
