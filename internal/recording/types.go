// Package recording writes captured audio to rotating WAV files with
// per-file clock correlation logs, and archives and expires them.
package recording

import (
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrS3NotConfigured is returned when archive settings are incomplete.
var ErrS3NotConfigured = errors.New("S3 is not configured")

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint        string `json:"endpoint,omitempty"`          // Custom S3 endpoint (empty for AWS)
	Bucket          string `json:"bucket,omitempty"`            // S3 bucket name
	AccessKeyID     string `json:"access_key_id,omitempty"`     // AWS access key ID
	SecretAccessKey string `json:"secret_access_key,omitempty"` // AWS secret access key
	// Prefix is prepended to every object key.
	Prefix string `json:"prefix,omitempty"`
}

// IsConfigured returns true if S3 settings are configured.
func (c *S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// fileStartTime extracts the epoch start from a "<nanos>.wav" or
// "<nanos>.csv" file name.
func fileStartTime(name string) (time.Time, bool) {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	if ext != ".wav" && ext != ".csv" {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(strings.TrimSuffix(base, ext), 10, 64)
	if err != nil || nanos < 0 {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}
