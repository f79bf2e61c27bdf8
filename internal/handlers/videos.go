package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vidfriends/clipvault/internal/auth"
	"github.com/vidfriends/clipvault/internal/gallery"
	"github.com/vidfriends/clipvault/internal/localstore"
	"github.com/vidfriends/clipvault/internal/logging"
	"github.com/vidfriends/clipvault/internal/models"
	"github.com/vidfriends/clipvault/internal/remote"
	"github.com/vidfriends/clipvault/internal/thumbnails"
)

// VideoHandler serves the gallery endpoints.
type VideoHandler struct {
	Gallery     Gallery
	SyncLimiter RateLimiter
}

type videoResponse struct {
	models.Asset
	Upload *models.UploadTask `json:"upload,omitempty"`
}

type partialResponse struct {
	Error   string   `json:"error"`
	Skipped []string `json:"skipped,omitempty"`
}

type listResponse struct {
	Videos      []videoResponse  `json:"videos"`
	Partial     *partialResponse `json:"partial,omitempty"`
	RefreshedAt time.Time        `json:"refreshedAt"`
}

// List handles GET /api/v1/videos.
func (h VideoHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}

	snapshot, err := h.Gallery.Refresh(ctx)
	if err != nil {
		logging.FromContext(ctx).Error("refresh gallery", "error", err)
		respondError(ctx, w, http.StatusInternalServerError, "failed to load videos")
		return
	}

	resp := listResponse{
		Videos:      make([]videoResponse, 0, len(snapshot.Assets)),
		RefreshedAt: snapshot.RefreshedAt,
	}
	for _, asset := range snapshot.Assets {
		item := videoResponse{Asset: asset}
		if task, ok := h.Gallery.Upload(asset.ID); ok {
			item.Upload = &task
		}
		resp.Videos = append(resp.Videos, item)
	}
	if snapshot.Partial != nil {
		resp.Partial = &partialResponse{Error: snapshot.Partial.Error(), Skipped: snapshot.Partial.Entries}
	}

	respondJSON(ctx, w, http.StatusOK, resp)
}

// Thumbnail handles GET /api/v1/videos/{id}/thumbnail. A pending preview is
// reported with 202 unless the caller asks to wait for it.
func (h VideoHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	id := r.PathValue("id")

	var (
		thumb models.Thumbnail
		err   error
	)
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		thumb, err = h.Gallery.ThumbnailBlocking(ctx, id)
	} else {
		thumb, err = h.Gallery.Thumbnail(ctx, id)
	}
	if err != nil && !errors.Is(err, thumbnails.ErrThumbnailUnavailable) {
		h.fail(ctx, w, id, "load thumbnail", err)
		return
	}

	switch thumb.State {
	case models.ThumbnailReady:
		contentType := thumb.ContentType
		if contentType == "" {
			contentType = "image/jpeg"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(thumb.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(thumb.Data)
	case models.ThumbnailPending:
		respondJSON(ctx, w, http.StatusAccepted, map[string]string{"state": string(models.ThumbnailPending)})
	default:
		respondJSON(ctx, w, http.StatusNotFound, map[string]string{"state": string(models.ThumbnailUnavailable)})
	}
}

// Stream handles GET /api/v1/videos/{id}/stream, serving the local copy with
// range support or relaying the remote object.
func (h VideoHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	id := r.PathValue("id")

	playback, err := h.Gallery.Select(ctx, id)
	if err != nil {
		h.fail(ctx, w, id, "select video", err)
		return
	}

	if playback.LocalPath != "" {
		file, err := os.Open(playback.LocalPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				respondError(ctx, w, http.StatusNotFound, "video not found")
				return
			}
			logging.FromContext(ctx).Error("open local video", "asset_id", id, "error", err)
			respondError(ctx, w, http.StatusInternalServerError, "failed to open video")
			return
		}
		defer file.Close()

		w.Header().Set("Content-Type", "video/mp4")
		http.ServeContent(w, r, filepath.Base(playback.LocalPath), playback.Asset.CreatedAt, file)
		return
	}

	defer playback.Stream.Close()
	w.Header().Set("Content-Type", "video/mp4")
	if playback.Asset.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(playback.Asset.SizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, playback.Stream); err != nil {
		logging.FromContext(ctx).Warn("relay remote video", "asset_id", id, "error", err)
	}
}

// Sync handles POST /api/v1/videos/{id}/sync and re-enqueues the upload.
func (h VideoHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	if !allowRequest(h.SyncLimiter, r, "sync") {
		logging.FromContext(ctx).Warn("sync rate limited", "client", clientIP(r))
		respondError(ctx, w, http.StatusTooManyRequests, "too many sync requests")
		return
	}
	id := r.PathValue("id")

	if err := h.Gallery.Retry(ctx, id); err != nil {
		h.fail(ctx, w, id, "enqueue upload", err)
		return
	}

	resp := map[string]any{"id": id, "status": "queued"}
	if task, ok := h.Gallery.Upload(id); ok {
		resp["upload"] = task
	}
	respondJSON(ctx, w, http.StatusAccepted, resp)
}

// Delete handles DELETE /api/v1/videos/{id}.
func (h VideoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	id := r.PathValue("id")

	if err := h.Gallery.Delete(ctx, id); err != nil {
		h.fail(ctx, w, id, "delete video", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h VideoHandler) ready(ctx context.Context, w http.ResponseWriter) bool {
	if h.Gallery == nil {
		logging.FromContext(ctx).Error("gallery dependency unavailable")
		respondError(ctx, w, http.StatusInternalServerError, "gallery unavailable")
		return false
	}
	return true
}

func (h VideoHandler) fail(ctx context.Context, w http.ResponseWriter, id, action string, err error) {
	switch {
	case errors.Is(err, gallery.ErrAssetNotFound), errors.Is(err, localstore.ErrNotFound), errors.Is(err, remote.ErrNotFound):
		respondError(ctx, w, http.StatusNotFound, "video not found")
	case errors.Is(err, localstore.ErrInvalidID):
		respondError(ctx, w, http.StatusBadRequest, "invalid video id")
	case errors.Is(err, gallery.ErrNoLocalCopy):
		respondError(ctx, w, http.StatusConflict, "video has no local copy to upload")
	case errors.Is(err, auth.ErrAuthRequired):
		respondError(ctx, w, http.StatusUnauthorized, "sign in to sync videos")
	default:
		logging.FromContext(ctx).Error(action, "asset_id", id, "error", err)
		respondError(ctx, w, http.StatusInternalServerError, "failed to "+action)
	}
}
