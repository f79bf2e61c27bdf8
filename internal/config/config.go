package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config captures the runtime configuration for the clipvault device agent.
type Config struct {
	AppPort  int
	DataDir  string
	LogLevel string

	// JournalDSN selects the sync journal backend. A postgres:// or
	// postgresql:// URL uses PostgreSQL, anything else is a SQLite file path.
	JournalDSN string

	FFmpegPath         string
	CaptureInputFormat string
	CaptureInput       string
	MaxClipDuration    time.Duration

	UploadWorkers     int
	UploadMaxAttempts int
	UploadBaseBackoff time.Duration
	UploadMaxBackoff  time.Duration
	ProgressInterval  time.Duration

	ThumbnailOffset     time.Duration
	ThumbnailTimeout    time.Duration
	ThumbnailFailureTTL time.Duration
	SyncRequestsPerMin  int
	AuthSecret          string
	AuthTokenTTL        time.Duration
	ObjectStore         ObjectStoreConfig
}

// ObjectStoreConfig describes the remote object store holding synced clips.
type ObjectStoreConfig struct {
	// Backend is one of "s3", "minio" or "memory".
	Backend   string
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Load reads configuration from environment variables, applying sensible defaults
// for a single-user device install while allowing overrides through environment variables.
func Load() (Config, error) {
	dataDir := getString("CLIPVAULT_DATA_DIR", defaultDataDir())

	cfg := Config{
		AppPort:  getInt("CLIPVAULT_PORT", 8080),
		DataDir:  dataDir,
		LogLevel: getString("CLIPVAULT_LOG_LEVEL", "info"),

		JournalDSN: getString("CLIPVAULT_JOURNAL_DSN", filepath.Join(dataDir, "journal.db")),

		FFmpegPath:         getString("CLIPVAULT_FFMPEG_PATH", "ffmpeg"),
		CaptureInputFormat: getString("CLIPVAULT_CAPTURE_FORMAT", "v4l2"),
		CaptureInput:       getString("CLIPVAULT_CAPTURE_INPUT", "/dev/video0"),
		MaxClipDuration:    getDuration("CLIPVAULT_MAX_CLIP_DURATION", 60*time.Second),

		UploadWorkers:     getInt("CLIPVAULT_UPLOAD_WORKERS", 2),
		UploadMaxAttempts: getInt("CLIPVAULT_UPLOAD_MAX_ATTEMPTS", 5),
		UploadBaseBackoff: getDuration("CLIPVAULT_UPLOAD_BACKOFF", time.Second),
		UploadMaxBackoff:  getDuration("CLIPVAULT_UPLOAD_MAX_BACKOFF", 30*time.Second),
		ProgressInterval:  getDuration("CLIPVAULT_PROGRESS_INTERVAL", 250*time.Millisecond),

		ThumbnailOffset:     getDuration("CLIPVAULT_THUMBNAIL_OFFSET", time.Second),
		ThumbnailTimeout:    getDuration("CLIPVAULT_THUMBNAIL_TIMEOUT", 20*time.Second),
		ThumbnailFailureTTL: getDuration("CLIPVAULT_THUMBNAIL_FAILURE_TTL", time.Minute),
		SyncRequestsPerMin:  getInt("CLIPVAULT_SYNC_REQUESTS_PER_MIN", 30),
		AuthSecret:          getString("CLIPVAULT_AUTH_SECRET", ""),
		AuthTokenTTL:        getDuration("CLIPVAULT_AUTH_TOKEN_TTL", 30*24*time.Hour),

		ObjectStore: ObjectStoreConfig{
			Backend:   getString("CLIPVAULT_REMOTE_BACKEND", "s3"),
			Bucket:    getString("CLIPVAULT_BUCKET", "clipvault"),
			Region:    getString("CLIPVAULT_REGION", "us-east-1"),
			Endpoint:  getString("CLIPVAULT_ENDPOINT", ""),
			AccessKey: getString("CLIPVAULT_ACCESS_KEY", ""),
			SecretKey: getString("CLIPVAULT_SECRET_KEY", ""),
			UseSSL:    getBool("CLIPVAULT_USE_SSL", true),
		},
	}

	return cfg, nil
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil && dir != "" {
		return filepath.Join(dir, ".clipvault")
	}
	return ".clipvault"
}

func getString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
