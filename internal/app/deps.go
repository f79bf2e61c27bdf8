package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/vidfriends/clipvault/internal/auth"
	"github.com/vidfriends/clipvault/internal/capture"
	"github.com/vidfriends/clipvault/internal/catalog"
	"github.com/vidfriends/clipvault/internal/config"
	"github.com/vidfriends/clipvault/internal/gallery"
	"github.com/vidfriends/clipvault/internal/handlers"
	"github.com/vidfriends/clipvault/internal/journal"
	"github.com/vidfriends/clipvault/internal/localstore"
	"github.com/vidfriends/clipvault/internal/middleware"
	"github.com/vidfriends/clipvault/internal/remote"
	"github.com/vidfriends/clipvault/internal/thumbnails"
	"github.com/vidfriends/clipvault/internal/upload"
)

const (
	sessionFile   = "session.jwt"
	secretFile    = "session.key"
	captureSubdir = ".capture"
)

// components holds every long-lived collaborator of a clipvault process.
type components struct {
	cfg    config.Config
	logger *slog.Logger

	local    *localstore.Store
	journal  journal.Repository
	store    remote.Store
	sessions *auth.Manager
	uploads  *upload.Queue
	thumbs   *thumbnails.Cache
	catalog  *catalog.Catalog
	gallery  *gallery.Controller
	recorder *gallery.Recorder
}

// buildDependencies wires together the concrete implementations selected by
// cfg. The returned cleanup drains background work and closes the journal.
func buildDependencies(ctx context.Context, cfg config.Config, logger *slog.Logger) (*components, func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}

	local, err := localstore.New(cfg.DataDir, logger)
	if err != nil {
		return nil, nil, err
	}

	repo, err := journal.Open(ctx, cfg.JournalDSN, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open sync journal: %w", err)
	}

	store, err := remote.New(ctx, cfg.ObjectStore, logger)
	if err != nil {
		_ = repo.Close()
		return nil, nil, fmt.Errorf("configure object store: %w", err)
	}

	secret, err := sessionSecret(cfg)
	if err != nil {
		_ = repo.Close()
		return nil, nil, err
	}
	sessions := auth.NewManager(secret, cfg.AuthTokenTTL, auth.NewFileTokenStore(filepath.Join(cfg.DataDir, sessionFile)))

	uploads := upload.NewQueue(local, store, repo, sessions, upload.Options{
		Workers: cfg.UploadWorkers,
		Policy: upload.Policy{
			BaseDelay:   cfg.UploadBaseBackoff,
			Factor:      2,
			MaxAttempts: cfg.UploadMaxAttempts,
			MaxDelay:    cfg.UploadMaxBackoff,
		},
		ProgressInterval: cfg.ProgressInterval,
		Logger:           logger,
	})

	decoder := thumbnails.NewFFmpegDecoder(cfg.FFmpegPath, cfg.ThumbnailOffset, cfg.ThumbnailTimeout)
	thumbs := thumbnails.NewCache(decoder, store, thumbnails.Options{
		FailureTTL: cfg.ThumbnailFailureTTL,
		Timeout:    cfg.ThumbnailTimeout,
		Logger:     logger,
	})

	cat := catalog.New(local, store, repo, sessions, catalog.Options{
		Uploads:    uploads,
		Thumbnails: thumbs,
		Logger:     logger,
	})

	controller := gallery.NewController(cat, thumbs, uploads, store, logger)
	detach := controller.Start()

	var session *capture.Session
	if cfg.CaptureInput != "" {
		tempDir := filepath.Join(cfg.DataDir, captureSubdir)
		if err := os.MkdirAll(tempDir, 0o700); err != nil {
			detach()
			_ = repo.Close()
			return nil, nil, fmt.Errorf("create capture directory: %w", err)
		}
		device := capture.NewFFmpegDevice(cfg.FFmpegPath, cfg.CaptureInputFormat, cfg.CaptureInput, tempDir)
		session = capture.NewSession(device, capture.Options{Ceiling: cfg.MaxClipDuration, Logger: logger})
	}

	c := &components{
		cfg:      cfg,
		logger:   logger,
		local:    local,
		journal:  repo,
		store:    store,
		sessions: sessions,
		uploads:  uploads,
		thumbs:   thumbs,
		catalog:  cat,
		gallery:  controller,
		recorder: gallery.NewRecorder(session, local, uploads, logger),
	}

	cleanup := func(ctx context.Context) error {
		detach()
		var g errgroup.Group
		g.Go(func() error { return uploads.Shutdown(ctx) })
		g.Go(func() error { return thumbs.Close(ctx) })
		err := g.Wait()
		return errors.Join(err, repo.Close())
	}

	return c, cleanup, nil
}

// handlerDependencies exposes the components the HTTP layer needs.
func handlerDependencies(c *components) handlers.Dependencies {
	return handlers.Dependencies{
		Sessions:    c.sessions,
		Gallery:     c.gallery,
		SyncLimiter: middleware.PerMinute(c.cfg.SyncRequestsPerMin),
	}
}

// recoverState clears crash leftovers and resumes interrupted uploads.
func (c *components) recoverState(ctx context.Context) error {
	removed, err := c.local.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover local store: %w", err)
	}
	if removed > 0 {
		c.logger.Info("removed interrupted saves", "count", removed)
	}
	if err := c.uploads.Recover(ctx); err != nil {
		return fmt.Errorf("recover uploads: %w", err)
	}
	return nil
}

// sessionSecret returns the configured signing secret or one persisted under
// the data directory, generating it on first use.
func sessionSecret(cfg config.Config) (string, error) {
	if cfg.AuthSecret != "" {
		return cfg.AuthSecret, nil
	}

	path := filepath.Join(cfg.DataDir, secretFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read session secret: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write session secret: %w", err)
	}
	return secret, nil
}
