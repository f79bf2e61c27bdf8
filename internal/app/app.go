package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/vidfriends/clipvault/internal/auth"
	"github.com/vidfriends/clipvault/internal/config"
	"github.com/vidfriends/clipvault/internal/handlers"
	"github.com/vidfriends/clipvault/internal/httpserver"
	"github.com/vidfriends/clipvault/internal/journal"
	"github.com/vidfriends/clipvault/internal/logging"
	"github.com/vidfriends/clipvault/internal/middleware"
	"github.com/vidfriends/clipvault/internal/models"
)

const usage = "expected command: serve, record, import, list, sync, delete, login, logout, or migrate"

// Run bootstraps the clipvault device agent.
func Run(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	cmd := command{cfg: cfg, stdout: stdout}
	switch args[0] {
	case "serve":
		cmd.logger = logging.New(stdout, cfg.LogLevel)
		slog.SetDefault(cmd.logger)
		return cmd.serve(ctx)
	case "record":
		cmd.logger = logging.New(stderr, cfg.LogLevel)
		return cmd.record(ctx, args[1:])
	case "import":
		cmd.logger = logging.New(stderr, cfg.LogLevel)
		return cmd.importClips(ctx, args[1:])
	case "list":
		cmd.logger = logging.New(stderr, cfg.LogLevel)
		return cmd.list(ctx, args[1:])
	case "sync":
		cmd.logger = logging.New(stderr, cfg.LogLevel)
		return cmd.sync(ctx, args[1:])
	case "delete":
		cmd.logger = logging.New(stderr, cfg.LogLevel)
		return cmd.delete(ctx, args[1:])
	case "login":
		cmd.logger = logging.New(stderr, cfg.LogLevel)
		return cmd.login(ctx, args[1:])
	case "logout":
		cmd.logger = logging.New(stderr, cfg.LogLevel)
		return cmd.logout(ctx)
	case "migrate":
		cmd.logger = logging.New(stderr, cfg.LogLevel)
		return cmd.migrate(ctx)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

type command struct {
	cfg    config.Config
	logger *slog.Logger
	stdout io.Writer
}

// open builds the components and returns a cleanup bounded by the shutdown
// timeout.
func (c command) open(ctx context.Context) (*components, func(), error) {
	comps, cleanup, err := buildDependencies(ctx, c.cfg, c.logger)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			c.logger.Error("shutdown", "error", err)
		}
	}
	return comps, closeFn, nil
}

func (c command) serve(ctx context.Context) error {
	comps, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := comps.recoverState(ctx); err != nil {
		return err
	}
	if _, err := comps.gallery.Refresh(ctx); err != nil {
		c.logger.Warn("initial gallery refresh failed", "error", err)
	}

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, handlerDependencies(comps))

	handler := middleware.RequestLogger(c.logger)(mux)

	srv := httpserver.New(c.cfg.AppPort, handler)

	c.logger.Info("starting http server", "port", c.cfg.AppPort, "data_dir", c.cfg.DataDir)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case <-ctx.Done():
		c.logger.Info("context canceled, shutting down server")
	case sig := <-signalCh:
		c.logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-srvErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func (c command) record(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	duration := fs.Duration("duration", c.cfg.MaxClipDuration, "maximum clip length")
	wait := fs.Bool("wait", true, "wait for the upload to finish")
	if err := fs.Parse(args); err != nil {
		return err
	}

	comps, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	// Ctrl-C ends the take early; the clip is still kept.
	recordCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	asset, err := comps.recorder.Record(recordCtx, *duration)
	stop()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "recorded %s (%d bytes)\n", asset.ID, asset.SizeBytes)

	if *wait {
		return c.waitUploads(ctx, comps, asset.ID)
	}
	return nil
}

func (c command) importClips(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	wait := fs.Bool("wait", true, "wait for uploads to finish")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("expected at least one clip path")
	}

	comps, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	ids := make([]string, 0, fs.NArg())
	for _, path := range fs.Args() {
		asset, err := comps.recorder.Import(ctx, path)
		if err != nil {
			return err
		}
		ids = append(ids, asset.ID)
		fmt.Fprintf(c.stdout, "imported %s as %s\n", filepath.Base(path), asset.ID)
	}

	if *wait {
		return c.waitUploads(ctx, comps, ids...)
	}
	return nil
}

func (c command) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the gallery as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	comps, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	snapshot, err := comps.gallery.Refresh(ctx)
	if err != nil {
		return err
	}
	if snapshot.Partial != nil {
		c.logger.Warn("gallery is incomplete", "error", snapshot.Partial.Error())
	}

	if *asJSON {
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot.Assets)
	}
	return writeAssetTable(c.stdout, snapshot.Assets)
}

func writeAssetTable(w io.Writer, assets []models.Asset) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSTATE\tSIZE\tLOCATION")
	for _, asset := range assets {
		location := "remote"
		switch {
		case asset.HasLocal() && asset.HasRemote():
			location = "local+remote"
		case asset.HasLocal():
			location = "local"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			asset.ID, asset.CreatedAt.Local().Format(time.DateTime), asset.SyncState, asset.SizeBytes, location)
	}
	return tw.Flush()
}

// sync uploads the given assets, or every pending one when none are named.
func (c command) sync(ctx context.Context, args []string) error {
	comps, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if len(args) == 0 {
		if _, err := comps.uploads.ReconcileStale(ctx); err != nil {
			return err
		}
		n, err := comps.uploads.EnqueuePending(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "queued %d clip(s)\n", n)
	} else {
		for _, id := range args {
			if err := comps.gallery.Retry(ctx, id); err != nil {
				return fmt.Errorf("sync %s: %w", id, err)
			}
		}
	}
	return c.waitUploads(ctx, comps, args...)
}

func (c command) delete(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("expected at least one asset id")
	}

	comps, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if _, err := comps.catalog.Refresh(ctx); err != nil {
		return err
	}
	for _, id := range args {
		if err := comps.gallery.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		fmt.Fprintf(c.stdout, "deleted %s\n", id)
	}
	return nil
}

func (c command) login(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("expected user id")
	}
	sessions, err := c.sessions()
	if err != nil {
		return err
	}
	if _, err := sessions.Issue(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "signed in as %s\n", args[0])
	return nil
}

func (c command) logout(ctx context.Context) error {
	sessions, err := c.sessions()
	if err != nil {
		return err
	}
	if err := sessions.Revoke(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "signed out")
	return nil
}

func (c command) sessions() (*auth.Manager, error) {
	secret, err := sessionSecret(c.cfg)
	if err != nil {
		return nil, err
	}
	store := auth.NewFileTokenStore(filepath.Join(c.cfg.DataDir, sessionFile))
	return auth.NewManager(secret, c.cfg.AuthTokenTTL, store), nil
}

// migrate applies the journal schema without starting anything else.
func (c command) migrate(ctx context.Context) error {
	repo, err := journal.Open(ctx, c.cfg.JournalDSN, c.logger)
	if err != nil {
		return err
	}
	if err := repo.Close(); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "journal schema is up to date")
	return nil
}

func (c command) waitUploads(ctx context.Context, comps *components, ids ...string) error {
	waitCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := comps.uploads.Wait(waitCtx); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(c.stdout, "stopped waiting; pending uploads resume on the next run")
			return nil
		}
		return err
	}
	for _, id := range ids {
		task, ok := comps.uploads.Task(id)
		if !ok {
			continue
		}
		if task.LastError != "" && task.State != models.TaskSucceeded {
			fmt.Fprintf(c.stdout, "%s: %s after %d attempt(s): %s\n", id, task.State, task.Attempts, task.LastError)
			continue
		}
		fmt.Fprintf(c.stdout, "%s: %s\n", id, task.State)
	}
	return nil
}
