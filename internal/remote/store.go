// Package remote provides the per-user object store that synced clips are
// uploaded to and listed from.
package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/vidfriends/clipvault/internal/config"
)

const (
	metaCreatedAt = "created-at"
	metaDigest    = "content-digest"
)

// Metadata travels with an uploaded object.
type Metadata struct {
	CreatedAt   time.Time
	Digest      string
	ContentType string
}

// Object describes a stored object. CreatedAt is the capture time taken from
// object metadata and is zero when the listing does not carry it; callers
// should Stat the key to learn it.
type Object struct {
	Key        string
	Size       int64
	CreatedAt  time.Time
	Digest     string
	ModifiedAt time.Time
}

// Store is the remote object store.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, meta Metadata) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Stat(ctx context.Context, key string) (Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.ObjectStoreConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "s3":
		logger.Info("using s3 object store", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)
		return NewS3Store(ctx, cfg)
	case "minio":
		logger.Info("using minio object store", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)
		return NewMinioStore(ctx, cfg)
	case "memory":
		logger.Warn("using in-memory object store; synced clips are not durable")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
	}
}

func encodeMetadata(meta Metadata) map[string]string {
	out := make(map[string]string, 2)
	if !meta.CreatedAt.IsZero() {
		out[metaCreatedAt] = meta.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if meta.Digest != "" {
		out[metaDigest] = meta.Digest
	}
	return out
}

// decodeMetadata accepts keys in any case and with or without the
// x-amz-meta- prefix since S3 and MinIO report them differently.
func decodeMetadata(obj *Object, meta map[string]string) {
	for k, v := range meta {
		name := strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		switch name {
		case metaCreatedAt:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				obj.CreatedAt = t.UTC()
			}
		case metaDigest:
			obj.Digest = v
		}
	}
}
