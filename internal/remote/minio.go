package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vidfriends/clipvault/internal/config"
)

// MinioStore implements Store against a MinIO server.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the configured MinIO endpoint and creates the
// bucket when it does not exist yet.
func NewMinioStore(ctx context.Context, cfg config.ObjectStoreConfig) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = "localhost:9000"
	}
	// minio.New wants host:port without a scheme
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("minio store: bucket is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, classifyMinio(err))
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, classifyMinio(err))
		}
	}

	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, meta Metadata) error {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "video/mp4"
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: encodeMetadata(meta),
	})
	if err != nil {
		return fmt.Errorf("minio store upload %s: %w", key, classifyMinio(err))
	}
	return nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("minio store list %s: %w", prefix, classifyMinio(info.Err))
		}
		out = append(out, Object{Key: info.Key, Size: info.Size, ModifiedAt: info.LastModified.UTC()})
	}
	return out, nil
}

func (s *MinioStore) Stat(ctx context.Context, key string) (Object, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Object{}, fmt.Errorf("minio store stat %s: %w", key, classifyMinio(err))
	}
	obj := Object{Key: info.Key, Size: info.Size, ModifiedAt: info.LastModified.UTC()}
	decodeMetadata(&obj, info.UserMetadata)
	return obj, nil
}

func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio store get %s: %w", key, classifyMinio(err))
	}
	// GetObject is lazy; Stat surfaces a missing key before the first read
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, fmt.Errorf("minio store get %s: %w", key, classifyMinio(err))
	}
	return obj, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		err = classifyMinio(err)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("minio store delete %s: %w", key, err)
	}
	return nil
}

func classifyMinio(err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case resp.Code == "SlowDown" || resp.Code == "RequestTimeout" || resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}
