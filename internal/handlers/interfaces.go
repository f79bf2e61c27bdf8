package handlers

import (
	"context"

	"github.com/vidfriends/clipvault/internal/catalog"
	"github.com/vidfriends/clipvault/internal/gallery"
	"github.com/vidfriends/clipvault/internal/models"
)

// SessionManager signs the device in and out of the remote namespace.
type SessionManager interface {
	Issue(ctx context.Context, userID string) (string, error)
	CurrentUserID(ctx context.Context) (string, error)
	Revoke(ctx context.Context) error
}

// Gallery captures the operations the video endpoints need.
type Gallery interface {
	Refresh(ctx context.Context) (catalog.Snapshot, error)
	Thumbnail(ctx context.Context, id string) (models.Thumbnail, error)
	ThumbnailBlocking(ctx context.Context, id string) (models.Thumbnail, error)
	Select(ctx context.Context, id string) (gallery.Playback, error)
	Delete(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
	Upload(id string) (models.UploadTask, bool)
}
