// Package config provides application configuration management.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/oszuidwest/andros/internal/audio"
	"github.com/oszuidwest/andros/internal/recording"
	"github.com/oszuidwest/andros/internal/relay"
	"github.com/oszuidwest/andros/internal/types"
	"github.com/oszuidwest/andros/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort          = 8080
	DefaultRotationSeconds  = 10
	DefaultBlockFrames      = 1024
	DefaultReopenDelayMs    = 1000
	DefaultSilenceTimeoutMs = 2000
	DefaultReadTimeoutMs    = 2000
	DefaultRelayPolicy      = "drop_new"
	DefaultArecordPath      = audio.DefaultArecordPath
	DefaultEventLogName     = "events.jsonl"
	DefaultZabbixPort       = 10051
)

// Default capture devices of the node.
var defaultDevices = []DeviceConfig{
	{Name: "i2s", Hardware: "hw:CARD=ANDROSi2s,DEV=1", Channels: 4, SampleRate: 192000},
	{Name: "umc", Hardware: "hw:CARD=U192k,DEV=0", Channels: 2, SampleRate: 48000},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	Port     int    `json:"port" validate:"min=1,max=65535"` // HTTP server port
	DataDir  string `json:"data_dir" validate:"required"`    // Root of per-device recording directories
	EventLog string `json:"event_log"`                       // Event log path (empty = <data_dir>/events.jsonl)
	NodeName string `json:"node_name"`                       // Node identity in notifications
}

// CaptureConfig holds capture pipeline tuning shared by all devices.
type CaptureConfig struct {
	RotationSeconds  int    `json:"rotation_seconds" validate:"min=1,max=3600"`
	BlockFrames      int    `json:"block_frames" validate:"min=64,max=65536"`
	ReopenDelayMs    int    `json:"reopen_delay_ms" validate:"min=1"`
	MaxReopenDelayMs int    `json:"max_reopen_delay_ms" validate:"omitempty,gtefield=ReopenDelayMs"` // 0 = fixed delay
	RelayEnabled     *bool  `json:"relay_enabled"`                                                   // Decouple disk writes from capture
	RelayCapacity    int    `json:"relay_capacity" validate:"min=0"`                                 // 0 = relay default
	RelayPolicy      string `json:"relay_policy" validate:"oneof=drop_new drop_oldest"`
	SilenceTimeoutMs int    `json:"silence_timeout_ms" validate:"min=1"`
	ArecordPath      string `json:"arecord_path" validate:"required"`
	ReadTimeoutMs    int    `json:"read_timeout_ms" validate:"min=1"`
}

// DeviceConfig describes one capture device.
type DeviceConfig struct {
	Name       string `json:"name" validate:"required,alphanum"` // Directory and telemetry name
	Hardware   string `json:"hardware" validate:"required"`      // ALSA PCM identifier
	Channels   int    `json:"channels" validate:"min=1,max=32"`
	SampleRate int    `json:"sample_rate" validate:"min=8000,max=768000"`
	Enabled    *bool  `json:"enabled,omitempty"` // Nil means enabled
}

// IsEnabled reports whether the device should be captured.
func (d *DeviceConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// ArchiveConfig holds S3 archive and retention settings.
type ArchiveConfig struct {
	Endpoint                 string `json:"endpoint,omitempty" validate:"omitempty,url"`
	Bucket                   string `json:"bucket,omitempty"`
	AccessKeyID              string `json:"access_key_id,omitempty"`
	SecretAccessKey          string `json:"secret_access_key,omitempty"`
	Prefix                   string `json:"prefix,omitempty"`
	RetentionDays            int    `json:"retention_days" validate:"min=0"`              // Local retention (0 = keep forever)
	RemoteRetentionDays      int    `json:"remote_retention_days" validate:"min=0"`       // Bucket retention (0 = keep forever)
	DeleteAfterUploadMinutes int    `json:"delete_after_upload_minutes" validate:"min=0"` // 0 = keep local copies
}

// ZabbixConfig holds settings for sending trapper items to a Zabbix server.
type ZabbixConfig struct {
	Server    string `json:"server,omitempty" validate:"omitempty,hostname_rfc1123|ip"`
	Port      int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Host      string `json:"host,omitempty"`
	Key       string `json:"key,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty" validate:"omitempty,min=100"`
}

// NotificationsConfig holds notification channel settings.
type NotificationsConfig struct {
	WebhookURL string       `json:"webhook_url,omitempty" validate:"omitempty,url"` // Health change webhook
	Zabbix     ZabbixConfig `json:"zabbix"`
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System        SystemConfig        `json:"system"`
	Capture       CaptureConfig       `json:"capture"`
	Devices       []DeviceConfig      `json:"devices" validate:"min=1,unique=Name,dive"`
	Archive       ArchiveConfig       `json:"archive"`
	Notifications NotificationsConfig `json:"notifications"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	c := &Config{filePath: filePath}
	c.applyDefaults()
	return c
}

// Path returns the file the config is loaded from.
func (c *Config) Path() string {
	return c.filePath
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return c.parseLocked(data)
}

// Parse builds a Config from JSON data without touching the file system.
func Parse(filePath string, data []byte) (*Config, error) {
	c := &Config{filePath: filePath}
	if err := c.parseLocked(data); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseLocked(data []byte) error {
	// Decoding into the default devices would let file entries inherit
	// their fields; devices are defaulted only when the file has none.
	c.Devices = nil
	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}
	c.applyDefaults()
	return c.validate()
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	verr := types.NewValidationError()
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return util.WrapError("validate config", err)
		}
		for _, e := range ve {
			verr.Add(fieldPath(e), formatValidationMessage(e), e.Value())
		}
	}
	c.validateRotation(verr)

	if len(verr.Errors) > 0 {
		return verr
	}
	return nil
}

// validateRotation rejects a rotation longer than one WAV file can hold for
// any enabled device.
func (c *Config) validateRotation(verr *types.ValidationError) {
	rotation := time.Duration(c.Capture.RotationSeconds) * time.Second
	for _, d := range c.Devices {
		if !d.IsEnabled() || d.Channels <= 0 || d.SampleRate <= 0 {
			continue
		}
		limit := recording.WAVSpec{Channels: d.Channels, SampleRate: d.SampleRate}.MaxDuration()
		if rotation > limit {
			verr.Add("capture.rotation_seconds",
				fmt.Sprintf("exceeds the %d s a WAV file can hold for device %s", int64(limit/time.Second), d.Name),
				c.Capture.RotationSeconds)
		}
	}
}

// fieldPath turns "Config.capture.relay_policy" into "capture.relay_policy".
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// formatValidationMessage creates a human-readable message from a validator error.
func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		if e.Kind() == reflect.Slice {
			return fmt.Sprintf("must contain at least %s item(s)", e.Param())
		}
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gtefield":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "unique":
		return fmt.Sprintf("must have a unique %s", strings.ToLower(e.Param()))
	case "hostname_rfc1123|ip":
		return "must be a valid hostname or IP address"
	case "alphanum":
		return "must contain only letters and digits"
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	// System defaults
	if c.System.Port == 0 {
		c.System.Port = DefaultWebPort
	}
	if c.System.DataDir == "" {
		c.System.DataDir = defaultDataDir()
	}
	if c.System.NodeName == "" {
		if host, err := os.Hostname(); err == nil {
			c.System.NodeName = host
		}
	}
	// Capture defaults
	if c.Capture.RotationSeconds == 0 {
		c.Capture.RotationSeconds = DefaultRotationSeconds
	}
	if c.Capture.BlockFrames == 0 {
		c.Capture.BlockFrames = DefaultBlockFrames
	}
	if c.Capture.ReopenDelayMs == 0 {
		c.Capture.ReopenDelayMs = DefaultReopenDelayMs
	}
	if c.Capture.RelayEnabled == nil {
		enabled := true
		c.Capture.RelayEnabled = &enabled
	}
	if c.Capture.RelayPolicy == "" {
		c.Capture.RelayPolicy = DefaultRelayPolicy
	}
	if c.Capture.SilenceTimeoutMs == 0 {
		c.Capture.SilenceTimeoutMs = DefaultSilenceTimeoutMs
	}
	if c.Capture.ArecordPath == "" {
		c.Capture.ArecordPath = DefaultArecordPath
	}
	if c.Capture.ReadTimeoutMs == 0 {
		c.Capture.ReadTimeoutMs = DefaultReadTimeoutMs
	}
	// Notification defaults
	if c.Notifications.Zabbix.Port == 0 {
		c.Notifications.Zabbix.Port = DefaultZabbixPort
	}
	// Device defaults
	if c.Devices == nil {
		c.Devices = slices.Clone(defaultDevices)
	}
}

// defaultDataDir returns $HOME/andros/data, or the working directory when
// no home is available.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return filepath.Join(home, "andros", "data")
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// WebhookURL returns the health webhook URL.
func (c *Config) WebhookURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Notifications.WebhookURL
}

// Zabbix returns the Zabbix trapper settings.
func (c *Config) Zabbix() ZabbixConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Notifications.Zabbix
}

// NodeName returns the node identity.
func (c *Config) NodeName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.NodeName
}

// SetNotifications replaces the notification settings, typically after a
// reload from disk.
func (c *Config) SetNotifications(n NotificationsConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications = n
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	System        SystemConfig
	Capture       CaptureConfig
	Devices       []DeviceConfig
	Archive       ArchiveConfig
	Notifications NotificationsConfig
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	capture := c.Capture
	if c.Capture.RelayEnabled != nil {
		enabled := *c.Capture.RelayEnabled
		capture.RelayEnabled = &enabled
	}
	return Snapshot{
		System:        c.System,
		Capture:       capture,
		Devices:       slices.Clone(c.Devices),
		Archive:       c.Archive,
		Notifications: c.Notifications,
	}
}

// HasWebhook reports whether webhook notifications are configured.
func (s *Snapshot) HasWebhook() bool {
	return s.Notifications.WebhookURL != ""
}

// HasZabbix reports whether Zabbix notifications are configured.
func (s *Snapshot) HasZabbix() bool {
	z := s.Notifications.Zabbix
	return util.IsConfigured(z.Server, z.Host, z.Key)
}

// CaptureDevices returns the enabled devices as capture configs.
func (s *Snapshot) CaptureDevices() []audio.DeviceConfig {
	var out []audio.DeviceConfig
	for _, d := range s.Devices {
		if !d.IsEnabled() {
			continue
		}
		out = append(out, audio.DeviceConfig{
			Name:        d.Name,
			Hardware:    d.Hardware,
			Channels:    d.Channels,
			SampleRate:  d.SampleRate,
			BlockFrames: s.Capture.BlockFrames,
		})
	}
	return out
}

// EventLogPath returns the event log file, defaulting to one inside the data directory.
func (s *Snapshot) EventLogPath() string {
	if s.System.EventLog != "" {
		return s.System.EventLog
	}
	return filepath.Join(s.System.DataDir, DefaultEventLogName)
}

// RelayEnabled reports whether writes go through a relay.
func (s *Snapshot) RelayEnabled() bool {
	return s.Capture.RelayEnabled == nil || *s.Capture.RelayEnabled
}

// RelayPolicy returns the configured drop policy.
func (s *Snapshot) RelayPolicy() relay.DropPolicy {
	p, err := relay.ParsePolicy(s.Capture.RelayPolicy)
	if err != nil {
		return relay.DropNew
	}
	return p
}

// Rotation returns the WAV file length.
func (s *Snapshot) Rotation() time.Duration {
	return time.Duration(s.Capture.RotationSeconds) * time.Second
}

// ReopenDelay returns the delay before reopening a faulted device.
func (s *Snapshot) ReopenDelay() time.Duration {
	return time.Duration(s.Capture.ReopenDelayMs) * time.Millisecond
}

// MaxReopenDelay returns the backoff ceiling, or zero for a fixed delay.
func (s *Snapshot) MaxReopenDelay() time.Duration {
	return time.Duration(s.Capture.MaxReopenDelayMs) * time.Millisecond
}

// SilenceTimeout returns how long a device may stay silent before NoData.
func (s *Snapshot) SilenceTimeout() time.Duration {
	return time.Duration(s.Capture.SilenceTimeoutMs) * time.Millisecond
}

// ReadTimeout returns the bound on a single hardware read.
func (s *Snapshot) ReadTimeout() time.Duration {
	return time.Duration(s.Capture.ReadTimeoutMs) * time.Millisecond
}

// S3 returns the archive bucket settings.
func (s *Snapshot) S3() recording.S3Config {
	return recording.S3Config{
		Endpoint:        s.Archive.Endpoint,
		Bucket:          s.Archive.Bucket,
		AccessKeyID:     s.Archive.AccessKeyID,
		SecretAccessKey: s.Archive.SecretAccessKey,
		Prefix:          s.Archive.Prefix,
	}
}

// Retention returns the local retention period, or zero to keep files.
func (s *Snapshot) Retention() time.Duration {
	return time.Duration(s.Archive.RetentionDays) * 24 * time.Hour
}

// RemoteRetention returns the bucket retention period, or zero to keep objects.
func (s *Snapshot) RemoteRetention() time.Duration {
	return time.Duration(s.Archive.RemoteRetentionDays) * 24 * time.Hour
}

// DeleteAfterUpload returns how long archived files stay on disk, or zero.
func (s *Snapshot) DeleteAfterUpload() time.Duration {
	return time.Duration(s.Archive.DeleteAfterUploadMinutes) * time.Minute
}
