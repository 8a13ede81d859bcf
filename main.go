// Package main runs the Andros capture node: it records every configured
// ALSA device to rotating WAV files with clock correlation logs and serves
// per-device health and peak telemetry.
//
// Usage:
//
//	andros [-config path/to/config.json] [-log-level debug] [-log-json]
//
// If -config is not specified, andros looks for config.json in the same
// directory as the binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oszuidwest/andros/internal/audio"
	"github.com/oszuidwest/andros/internal/capture"
	"github.com/oszuidwest/andros/internal/config"
	"github.com/oszuidwest/andros/internal/eventlog"
	"github.com/oszuidwest/andros/internal/notify"
	"github.com/oszuidwest/andros/internal/observe"
	"github.com/oszuidwest/andros/internal/recording"
	"github.com/oszuidwest/andros/internal/util"
)

// shutdownTimeout bounds the HTTP server shutdown.
const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	listDevices := flag.Bool("list-devices", false, "List ALSA capture devices and exit")
	checkS3 := flag.Bool("check-s3", false, "Test the archive bucket connection and exit")
	testNotify := flag.Bool("test-notify", false, "Send a test notification and exit")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "Write logs as JSON")
	flag.Parse()

	if err := setupLogging(*logLevel, *logJSON); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", buildTime)
		return
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	slog.Info("using config file", "path", *configPath)

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	switch {
	case *listDevices:
		for _, d := range audio.ListDevices(snap.Capture.ArecordPath) {
			fmt.Printf("%s\t%s\n", d.ID, d.Name)
		}
		return
	case *checkS3:
		s3cfg := snap.S3()
		if err := recording.TestS3Connection(&s3cfg); err != nil {
			slog.Error("archive connection failed", "bucket", s3cfg.Bucket, "error", err)
			os.Exit(1)
		}
		slog.Info("archive connection ok", "bucket", s3cfg.Bucket)
		return
	case *testNotify:
		if err := notify.SendTest(context.Background(), cfg); err != nil {
			slog.Error("test notification failed", "error", err)
			os.Exit(1)
		}
		slog.Info("test notification sent")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), util.ShutdownSignals()...)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("capture node failed", "error", err)
		os.Exit(2)
	}
	slog.Info("shutdown complete")
}

// setupLogging installs the default slog logger.
func setupLogging(level string, asJSON bool) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return fmt.Errorf("invalid -log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if asJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// run wires the capture node and blocks until ctx is done or a pipeline fails.
func run(ctx context.Context, cfg *config.Config) (err error) {
	snap := cfg.Snapshot()
	devices := snap.CaptureDevices()
	if len(devices) == 0 {
		return capture.ErrNoDevices
	}
	for _, d := range devices {
		if err := util.CheckPathWritable(filepath.Join(snap.System.DataDir, d.Name)); err != nil {
			return fmt.Errorf("device %s: data directory: %w", d.Name, err)
		}
	}

	provider, err := observe.InitProvider(observe.ProviderConfig{ServiceVersion: Version})
	if err != nil {
		return util.WrapError("initialize metrics", err)
	}
	defer func() {
		err = errors.Join(err, provider.Shutdown(context.Background()))
	}()

	events, err := eventlog.NewLogger(snap.EventLogPath())
	if err != nil {
		return util.WrapError("open event log", err)
	}
	defer func() {
		err = errors.Join(err, events.Close())
	}()

	notifier := notify.NewHealthNotifier(cfg)
	defer notifier.Wait()

	var archiver *recording.Archiver
	if s3cfg := snap.S3(); s3cfg.IsConfigured() {
		archiver, err = recording.NewArchiver(recording.ArchiverConfig{
			S3:                s3cfg,
			DeleteAfterUpload: snap.DeleteAfterUpload(),
			Events:            events,
			Metrics:           provider.Metrics,
		})
		if err != nil {
			return util.WrapError("create archiver", err)
		}
		slog.Info("archive enabled", "bucket", s3cfg.Bucket, "prefix", s3cfg.Prefix)
	}

	opts := capture.Options{
		Driver: &audio.ArecordDriver{
			Path:        snap.Capture.ArecordPath,
			ReadTimeout: snap.ReadTimeout(),
		},
		DataDir:        snap.System.DataDir,
		Rotation:       snap.Rotation(),
		ReopenDelay:    snap.ReopenDelay(),
		MaxReopenDelay: snap.MaxReopenDelay(),
		SilenceTimeout: snap.SilenceTimeout(),
		RelayEnabled:   snap.RelayEnabled(),
		RelayCapacity:  snap.Capture.RelayCapacity,
		RelayPolicy:    snap.RelayPolicy(),
		Events:         events,
		Metrics:        provider.Metrics,
		OnHealthChange: notifier.HandleChange,
	}
	if archiver != nil {
		opts.OnFinalized = func(f recording.FinalizedFile) {
			if !archiver.Enqueue(f) {
				slog.Warn("upload queue full, file left for retention cleanup", "device", f.Device, "file", filepath.Base(f.Audio))
			}
		}
	}

	mgr, err := capture.NewManager(devices, opts)
	if err != nil {
		return util.WrapError("create capture pipelines", err)
	}

	cleaner := recording.NewCleaner(recording.CleanerConfig{
		Targets:         mgr.CleanupTargets(),
		Retention:       snap.Retention(),
		RemoteRetention: snap.RemoteRetention(),
		S3:              snap.S3(),
		Events:          events,
	})

	watcher := config.NewWatcher(cfg, func(old, new *config.Config) {
		cfg.SetNotifications(new.Snapshot().Notifications)
		if sections := config.RestartRequired(old, new); len(sections) > 0 {
			slog.Warn("config changed, restart required to apply", "sections", sections)
		}
	})

	version := NewVersionChecker()
	httpServer := NewServer(cfg, mgr, archiver, version, provider.Handler(), events.Path()).Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return cleaner.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		version.Run(gctx)
		return nil
	})

	// The archiver outlives the pipelines so files finalized while they
	// drain are still queued.
	archiveCtx, stopArchive := context.WithCancel(context.Background())
	archiveDone := make(chan error, 1)
	if archiver != nil {
		go func() { archiveDone <- archiver.Run(archiveCtx) }()
	} else {
		archiveDone <- nil
	}

	slog.Info("capture node started", "devices", len(devices), "data_dir", snap.System.DataDir, "relay", snap.RelayEnabled())
	<-gctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	runErr := g.Wait()
	stopArchive()
	return errors.Join(runErr, <-archiveDone)
}
