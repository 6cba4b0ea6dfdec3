package artifact

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds S3-compatible connection settings
type MinIOConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	BucketName string
	UseSSL     bool
}

// MinIOStore keeps artifacts as objects in one bucket
type MinIOStore struct {
	client     *minio.Client
	bucketName string
}

// NewMinIOStore connects and creates the bucket if it does not exist
func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinIOStore{client: client, bucketName: cfg.BucketName}, nil
}

func (s *MinIOStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, s.bucketName, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to save object: %w", err)
	}
	return nil
}

// Get stats the object first since GetObject is lazy and would only fail on Read
func (s *MinIOStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinIOError(err)
	}

	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, mapMinIOError(err)
	}

	return obj, nil
}

func (s *MinIOStore) Stat(ctx context.Context, key string) (Info, error) {
	oi, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		return Info{}, mapMinIOError(err)
	}
	return Info{Key: oi.Key, Size: oi.Size, ModTime: oi.LastModified}, nil
}

// Delete is idempotent; S3 reports success for missing keys
func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		if mapMinIOError(err) == ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (s *MinIOStore) List(ctx context.Context, prefix string) ([]Info, error) {
	// returning early must stop the client's listing goroutine
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var items []Info
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		items = append(items, Info{Key: obj.Key, Size: obj.Size, ModTime: obj.LastModified})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func mapMinIOError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return ErrNotFound
	}
	return fmt.Errorf("minio: %w", err)
}
