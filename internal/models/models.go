package models

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// SyncState is the replication stage of an asset.
type SyncState string

const (
	SyncLocal     SyncState = "local"
	SyncUploading SyncState = "uploading"
	SyncSynced    SyncState = "synced"
	SyncFailed    SyncState = "failed"
)

// Valid reports whether s is one of the known sync states.
func (s SyncState) Valid() bool {
	switch s {
	case SyncLocal, SyncUploading, SyncSynced, SyncFailed:
		return true
	}
	return false
}

// Asset represents one recorded clip and its replication status.
type Asset struct {
	ID        string    `json:"id"`
	LocalPath string    `json:"localPath,omitempty"`
	RemoteKey string    `json:"remoteKey,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	SyncState SyncState `json:"syncState"`
	SizeBytes int64     `json:"sizeBytes"`
}

// HasLocal reports whether a durable on-device copy exists.
func (a Asset) HasLocal() bool { return a.LocalPath != "" }

// HasRemote reports whether a remote copy exists.
func (a Asset) HasRemote() bool { return a.RemoteKey != "" }

// Visible reports whether the asset may be shown in the gallery.
func (a Asset) Visible() bool { return a.HasLocal() || a.HasRemote() }

// TaskState tracks an upload task through the queue.
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskInProgress TaskState = "in_progress"
	TaskSucceeded  TaskState = "succeeded"
	TaskFailed     TaskState = "failed"
	TaskCancelled  TaskState = "cancelled"
)

// UploadTask is a read-only snapshot of a queued or running transfer.
type UploadTask struct {
	AssetID   string    `json:"assetId"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	State     TaskState `json:"state"`
}

// ThumbnailState describes the availability of a preview frame.
type ThumbnailState string

const (
	ThumbnailPending     ThumbnailState = "pending"
	ThumbnailReady       ThumbnailState = "ready"
	ThumbnailUnavailable ThumbnailState = "unavailable"
)

// Thumbnail is a derived still frame for an asset. It is never authoritative.
type Thumbnail struct {
	AssetID     string
	State       ThumbnailState
	Data        []byte
	ContentType string
	GeneratedAt time.Time
}

// VideoExt is the container extension used for persisted clips.
const VideoExt = "mp4"

// RemotePrefix returns the key prefix that scopes a user's objects.
func RemotePrefix(userID string) string {
	return fmt.Sprintf("videos/%s/", userID)
}

// RemoteKey builds the object key for an asset owned by userID.
func RemoteKey(userID, assetID, ext string) string {
	if ext == "" {
		ext = VideoExt
	}
	return fmt.Sprintf("%s%s.%s", RemotePrefix(userID), assetID, ext)
}

// ParseRemoteKey extracts the asset id from key. Keys outside prefix or in a
// nested directory below it are rejected.
func ParseRemoteKey(prefix, key string) (string, bool) {
	if prefix == "" || !strings.HasPrefix(key, prefix) {
		return "", false
	}
	name := strings.TrimPrefix(key, prefix)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	ext := path.Ext(name)
	id := strings.TrimSuffix(name, ext)
	if id == "" {
		return "", false
	}
	return id, true
}
