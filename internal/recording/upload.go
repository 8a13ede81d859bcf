package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oszuidwest/andros/internal/eventlog"
	"github.com/oszuidwest/andros/internal/observe"
)

const (
	// uploadQueueSize bounds the number of finalized files waiting for upload.
	uploadQueueSize = 100
	// uploadTimeout bounds one object upload.
	uploadTimeout = 5 * time.Minute
	// retryInterval is how often failed uploads are retried.
	retryInterval = 5 * time.Minute
	// sweepInterval is how often uploaded files are checked for local deletion.
	sweepInterval = time.Minute
)

// MaxUploadRetryAge is the maximum age for retrying uploads.
const MaxUploadRetryAge = 24 * time.Hour

// ObjectStore is the subset of the S3 client the archiver uses.
type ObjectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// createS3Client creates an S3 client with the given configuration.
func createS3Client(cfg *S3Config) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		"",
	)

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
		},
	}

	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.New(s3.Options{}, options...)
}

// TestS3Connection tests connectivity to an S3 bucket by uploading and deleting a test file.
func TestS3Connection(cfg *S3Config) error {
	if !cfg.IsConfigured() {
		return ErrS3NotConfigured
	}

	client := createS3Client(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	testKey := path.Join(cfg.Prefix, fmt.Sprintf("test-connection-%d.txt", time.Now().UnixNano()))
	testContent := []byte("andros capture node connection test")

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(testKey),
		Body:          bytes.NewReader(testContent),
		ContentLength: aws.Int64(int64(len(testContent))),
	})
	if err != nil {
		return fmt.Errorf("upload test file: %w", err)
	}

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(testKey),
	})
	if err != nil {
		slog.Warn("failed to delete test file", "key", testKey, "error", err)
	}

	return nil
}

// ArchiverConfig configures an Archiver.
type ArchiverConfig struct {
	S3 S3Config
	// DeleteAfterUpload removes local files this long after a successful
	// upload. Zero keeps them until retention cleanup.
	DeleteAfterUpload time.Duration
	Events            *eventlog.Logger
	Metrics           *observe.Metrics
	// Store overrides the S3 client.
	Store ObjectStore
}

// pendingUpload tracks a failed upload for retry.
type pendingUpload struct {
	file         FinalizedFile
	firstAttempt time.Time
	retryCount   int
	lastError    string
}

// ArchiveStats is a snapshot of archiver activity.
type ArchiveStats struct {
	Queued        int       `json:"queued"`
	PendingRetry  int       `json:"pending_retry"`
	Uploaded      uint64    `json:"uploaded"`
	Failed        uint64    `json:"failed"`
	LastUpload    time.Time `json:"last_upload,omitzero"`
	LastUploadErr string    `json:"last_upload_error,omitempty"`
}

// Archiver uploads finalized recordings to S3 from a single worker goroutine.
type Archiver struct {
	cfg     ArchiverConfig
	store   ObjectStore
	metrics *observe.Metrics
	queue   chan FinalizedFile

	mu         sync.Mutex
	retryQueue []pendingUpload
	uploaded   map[string]time.Time // local path -> upload time
	stats      ArchiveStats
}

// NewArchiver creates an archiver. It returns ErrS3NotConfigured when no
// store is given and the S3 settings are incomplete.
func NewArchiver(cfg ArchiverConfig) (*Archiver, error) {
	store := cfg.Store
	if store == nil {
		if !cfg.S3.IsConfigured() {
			return nil, ErrS3NotConfigured
		}
		store = createS3Client(&cfg.S3)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Archiver{
		cfg:      cfg,
		store:    store,
		metrics:  metrics,
		queue:    make(chan FinalizedFile, uploadQueueSize),
		uploaded: make(map[string]time.Time),
	}, nil
}

// Enqueue queues f for upload without blocking. It reports false when the queue is full.
func (a *Archiver) Enqueue(f FinalizedFile) bool {
	select {
	case a.queue <- f:
		slog.Debug("queued file for upload", "device", f.Device, "file", filepath.Base(f.Audio))
		return true
	default:
		slog.Warn("upload queue full", "device", f.Device, "file", filepath.Base(f.Audio))
		return false
	}
}

// Run processes the upload queue until ctx is done, then drains the
// remaining items and returns.
func (a *Archiver) Run(ctx context.Context) error {
	retry := time.NewTicker(retryInterval)
	defer retry.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	// Queued uploads outlive cancellation; each is bounded by uploadTimeout.
	uploadCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case f := <-a.queue:
					a.upload(uploadCtx, f)
				default:
					return nil
				}
			}
		case f := <-a.queue:
			a.upload(uploadCtx, f)
		case <-retry.C:
			a.processRetryQueue(ctx, time.Now())
		case <-sweep.C:
			a.sweepUploaded(time.Now())
		}
	}
}

// upload sends both artifacts of f and returns true on success.
func (a *Archiver) upload(ctx context.Context, f FinalizedFile) bool {
	start := time.Now()
	err := a.putFile(ctx, f.Device, f.Audio, "audio/wav")
	if err == nil {
		err = a.putFile(ctx, f.Device, f.Clock, "text/csv")
	}
	elapsed := time.Since(start)
	key := a.objectKey(f.Device, f.Audio)

	if err != nil {
		a.metrics.RecordUpload(ctx, f.Device, "error", elapsed)
		slog.Error("upload failed", "device", f.Device, "s3_key", key, "error", err)
		a.logEvent(eventlog.UploadFailed, f, key, err.Error(), 0)
		a.mu.Lock()
		a.stats.Failed++
		a.stats.LastUploadErr = err.Error()
		a.mu.Unlock()
		a.addToRetryQueue(f, err.Error())
		return false
	}

	a.metrics.RecordUpload(ctx, f.Device, "ok", elapsed)
	slog.Info("upload completed", "device", f.Device, "s3_key", key, "duration", elapsed)
	a.logEvent(eventlog.UploadCompleted, f, key, "", 0)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Uploaded++
	a.stats.LastUpload = time.Now()
	a.stats.LastUploadErr = ""
	if a.cfg.DeleteAfterUpload > 0 {
		a.uploaded[f.Audio] = a.stats.LastUpload
		a.uploaded[f.Clock] = a.stats.LastUpload
	}
	return true
}

func (a *Archiver) putFile(ctx context.Context, device, localPath, contentType string) error {
	ctx, cancel := context.WithTimeoutCause(ctx, uploadTimeout, errors.New("s3 upload timeout"))
	defer cancel()

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(localPath), err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close file after upload", "device", device, "error", err)
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Base(localPath), err)
	}

	_, err = a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.S3.Bucket),
		Key:           aws.String(a.objectKey(device, localPath)),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	})
	return err
}

// objectKey returns <prefix>/<device>/<file>.
func (a *Archiver) objectKey(device, localPath string) string {
	return path.Join(a.cfg.S3.Prefix, device, filepath.Base(localPath))
}

// addToRetryQueue adds a failed upload to the retry queue.
func (a *Archiver) addToRetryQueue(f FinalizedFile, errMsg string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.retryQueue {
		if a.retryQueue[i].file.Audio == f.Audio {
			a.retryQueue[i].lastError = errMsg
			return
		}
	}

	a.retryQueue = append(a.retryQueue, pendingUpload{
		file:         f,
		firstAttempt: time.Now(),
		lastError:    errMsg,
	})
	slog.Info("upload queued for retry", "device", f.Device, "file", filepath.Base(f.Audio))
}

// processRetryQueue attempts to upload all pending files.
func (a *Archiver) processRetryQueue(ctx context.Context, now time.Time) {
	a.mu.Lock()
	pending := a.retryQueue
	a.retryQueue = nil
	a.mu.Unlock()

	for i := range pending {
		p := pending[i]

		if now.Sub(p.firstAttempt) > MaxUploadRetryAge {
			slog.Warn("upload abandoned after 24h",
				"device", p.file.Device, "file", filepath.Base(p.file.Audio), "attempts", p.retryCount+1)
			a.logEvent(eventlog.UploadAbandoned, p.file, a.objectKey(p.file.Device, p.file.Audio), p.lastError, p.retryCount)
			continue
		}
		if _, err := os.Stat(p.file.Audio); os.IsNotExist(err) {
			slog.Warn("retry file no longer exists", "device", p.file.Device, "path", p.file.Audio)
			continue
		}

		p.retryCount++
		slog.Info("retrying upload", "device", p.file.Device, "file", filepath.Base(p.file.Audio), "attempt", p.retryCount)
		if !a.upload(ctx, p.file) {
			a.mu.Lock()
			for j := range a.retryQueue {
				if a.retryQueue[j].file.Audio == p.file.Audio {
					p.lastError = a.retryQueue[j].lastError
					a.retryQueue[j] = p
				}
			}
			a.mu.Unlock()
		}
	}
}

// sweepUploaded removes local files that were uploaded more than DeleteAfterUpload ago.
func (a *Archiver) sweepUploaded(now time.Time) int {
	if a.cfg.DeleteAfterUpload <= 0 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := now.Add(-a.cfg.DeleteAfterUpload)
	var deleted int
	for p, uploadTime := range a.uploaded {
		if !uploadTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(p); err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("failed to remove uploaded file", "path", p, "error", err)
				continue
			}
		} else {
			deleted++
			slog.Debug("removed uploaded file", "path", p)
		}
		delete(a.uploaded, p)
	}
	return deleted
}

func (a *Archiver) logEvent(t eventlog.EventType, f FinalizedFile, key, errMsg string, retry int) {
	if err := a.cfg.Events.LogRecording(t, f.Device, &eventlog.RecordingDetails{
		Filename:   filepath.Base(f.Audio),
		ClockFile:  filepath.Base(f.Clock),
		Frames:     f.Frames,
		S3Key:      key,
		Error:      errMsg,
		RetryCount: retry,
	}); err != nil {
		slog.Warn("failed to write event log", "error", err)
	}
}

// Stats returns a snapshot of archiver activity.
func (a *Archiver) Stats() ArchiveStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.Queued = len(a.queue)
	s.PendingRetry = len(a.retryQueue)
	return s
}
