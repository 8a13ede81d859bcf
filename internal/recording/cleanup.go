package recording

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oszuidwest/andros/internal/eventlog"
)

// cleanupHour is the local hour at which the daily cleanup runs.
const cleanupHour = 3

// RemoteStore is the subset of the S3 client used for remote expiry.
type RemoteStore interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// CleanupTarget is one device's local recording directories.
type CleanupTarget struct {
	Device string
	Dirs   []string
	// IsCurrent reports whether a path is still being written.
	IsCurrent func(path string) bool
}

// CleanerConfig configures a Cleaner.
type CleanerConfig struct {
	Targets []CleanupTarget
	// Retention is how long local files are kept. Zero keeps them forever.
	Retention time.Duration
	// RemoteRetention is how long archived objects are kept. Zero keeps them forever.
	RemoteRetention time.Duration
	S3              S3Config
	// Remote overrides the S3 client used for remote expiry.
	Remote RemoteStore
	Events *eventlog.Logger
}

// Cleaner removes recordings older than their retention period.
type Cleaner struct {
	cfg    CleanerConfig
	remote RemoteStore
}

// NewCleaner creates a cleaner. Remote expiry is enabled when a store is
// given or S3 is configured.
func NewCleaner(cfg CleanerConfig) *Cleaner {
	c := &Cleaner{cfg: cfg, remote: cfg.Remote}
	if c.remote == nil && cfg.RemoteRetention > 0 && cfg.S3.IsConfigured() {
		c.remote = createS3Client(&cfg.S3)
	}
	return c
}

// nextCleanup returns the next 03:00 after now.
func nextCleanup(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), cleanupHour, 0, 0, 0, now.Location())
	if !now.Before(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run runs the daily cleanup until ctx is done.
func (c *Cleaner) Run(ctx context.Context) error {
	for {
		next := nextCleanup(time.Now())
		slog.Info("cleanup scheduler: next run scheduled", "at", next.Format(time.DateTime))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("cleanup scheduler stopped")
			return nil
		case <-timer.C:
			c.RunOnce(ctx, time.Now())
		}
	}
}

// RunOnce performs one cleanup pass and returns the number of local files
// and remote objects deleted.
func (c *Cleaner) RunOnce(ctx context.Context, now time.Time) (local, remote int) {
	slog.Info("cleanup: starting daily cleanup", "devices", len(c.cfg.Targets))

	for _, t := range c.cfg.Targets {
		var n, r int
		if c.cfg.Retention > 0 {
			n = c.cleanupLocalFiles(t, now.Add(-c.cfg.Retention))
		}
		if c.remote != nil && c.cfg.RemoteRetention > 0 {
			r = c.cleanupRemote(ctx, t.Device, now.Add(-c.cfg.RemoteRetention))
		}
		local += n
		remote += r

		if n+r > 0 {
			if err := c.cfg.Events.LogRecording(eventlog.CleanupCompleted, t.Device, &eventlog.RecordingDetails{
				FilesDeleted: n + r,
			}); err != nil {
				slog.Warn("failed to write event log", "error", err)
			}
		}
	}

	slog.Info("cleanup: daily cleanup completed", "local", local, "remote", remote)
	return local, remote
}

// cleanupLocalFiles removes recording files that started before cutoff.
func (c *Cleaner) cleanupLocalFiles(t CleanupTarget, cutoff time.Time) int {
	var deleted int
	for _, dir := range t.Dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			slog.Warn("cleanup: failed to read local directory", "device", t.Device, "path", dir, "error", err)
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			started, ok := fileStartTime(entry.Name())
			if !ok || !started.Before(cutoff) {
				continue
			}

			filePath := filepath.Join(dir, entry.Name())
			if t.IsCurrent != nil && t.IsCurrent(filePath) {
				continue
			}
			if err := os.Remove(filePath); err != nil {
				slog.Warn("cleanup: failed to delete local file", "device", t.Device, "path", filePath, "error", err)
				continue
			}
			deleted++
			slog.Debug("cleanup: deleted local file", "device", t.Device, "file", entry.Name())
		}
	}

	if deleted > 0 {
		slog.Info("cleanup: deleted local files", "device", t.Device, "count", deleted)
	}
	return deleted
}

// cleanupRemote removes archived objects that started before cutoff.
func (c *Cleaner) cleanupRemote(ctx context.Context, device string, cutoff time.Time) int {
	ctx, cancel := context.WithTimeoutCause(ctx, 5*time.Minute, errors.New("s3 cleanup timeout"))
	defer cancel()

	prefix := path.Join(c.cfg.S3.Prefix, device) + "/"
	var deleted int
	var continuationToken *string

	for {
		output, err := c.remote.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.cfg.S3.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			slog.Warn("cleanup: failed to list S3 objects", "device", device, "bucket", c.cfg.S3.Bucket, "error", err)
			return deleted
		}

		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)
			started, ok := fileStartTime(key)
			if !ok || !started.Before(cutoff) {
				continue
			}
			if _, err := c.remote.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(c.cfg.S3.Bucket),
				Key:    obj.Key,
			}); err != nil {
				slog.Warn("cleanup: failed to delete S3 object", "device", device, "key", key, "error", err)
				continue
			}
			deleted++
			slog.Debug("cleanup: deleted S3 object", "device", device, "key", key)
		}

		if !aws.ToBool(output.IsTruncated) {
			break
		}
		continuationToken = output.NextContinuationToken
	}

	if deleted > 0 {
		slog.Info("cleanup: deleted S3 objects", "device", device, "count", deleted)
	}
	return deleted
}
