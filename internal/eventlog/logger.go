// Package eventlog provides unified event logging for the capture node.
// It captures session events (opened, fault, reopen), recording events
// (file finalized, uploads, cleanup) and health transitions in a single
// JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Session event types.
const (
	SessionOpened EventType = "session_opened"
	SessionFault  EventType = "session_fault"
	SessionReopen EventType = "session_reopen"
	RelayDrop     EventType = "relay_drop"
)

// Recording event types.
const (
	FileFinalized    EventType = "file_finalized"
	StorageError     EventType = "storage_error"
	UploadCompleted  EventType = "upload_completed"
	UploadFailed     EventType = "upload_failed"
	UploadAbandoned  EventType = "upload_abandoned"
	CleanupCompleted EventType = "cleanup_completed"
)

// Health event types.
const (
	HealthChanged EventType = "health_changed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	Device    string    `json:"device,omitempty"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// SessionDetails contains capture session event details.
type SessionDetails struct {
	SessionID string `json:"session_id,omitempty"`
	Hardware  string `json:"hardware,omitempty"`
	Strategy  string `json:"strategy,omitempty"`
	State     string `json:"state,omitempty"`
	Error     string `json:"error,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Dropped   uint64 `json:"dropped,omitempty"`
}

// RecordingDetails contains recording and archive event details.
type RecordingDetails struct {
	Filename     string `json:"filename,omitempty"`
	ClockFile    string `json:"clock_file,omitempty"`
	Frames       int64  `json:"frames,omitempty"`
	S3Key        string `json:"s3_key,omitempty"`
	Error        string `json:"error,omitempty"`
	RetryCount   int    `json:"retry,omitempty"`
	FilesDeleted int    `json:"files_deleted,omitempty"`
}

// HealthDetails contains a health transition.
type HealthDetails struct {
	From     string `json:"from"`
	To       string `json:"to"`
	FromCode int    `json:"from_code"`
	ToCode   int    `json:"to_code"`
}

// Logger writes events to a JSON lines file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// DefaultLogPath returns the event log path below the data directory.
func DefaultLogPath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "events.jsonl")
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file. A nil Logger discards the event.
func (l *Logger) Log(event *Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return l.encoder.Encode(event)
}

// LogSession logs a capture session event.
func (l *Logger) LogSession(eventType EventType, device, message string, details *SessionDetails) error {
	return l.Log(&Event{
		Type:    eventType,
		Device:  device,
		Message: message,
		Details: details,
	})
}

// LogRecording logs a recording or archive event.
func (l *Logger) LogRecording(eventType EventType, device string, details *RecordingDetails) error {
	return l.Log(&Event{
		Type:    eventType,
		Device:  device,
		Details: details,
	})
}

// LogHealth logs a health transition.
func (l *Logger) LogHealth(device string, from, to fmt.Stringer, fromCode, toCode int) error {
	return l.Log(&Event{
		Type:   HealthChanged,
		Device: device,
		Details: &HealthDetails{
			From:     from.String(),
			To:       to.String(),
			FromCode: fromCode,
			ToCode:   toCode,
		},
	})
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll       TypeFilter = ""
	FilterSession   TypeFilter = "session"
	FilterRecording TypeFilter = "recording"
	FilterHealth    TypeFilter = "health"
)

// ParseFilter converts a query value into a TypeFilter.
func ParseFilter(s string) (TypeFilter, error) {
	switch f := TypeFilter(s); f {
	case FilterAll, FilterSession, FilterRecording, FilterHealth:
		return f, nil
	default:
		return FilterAll, fmt.Errorf("unknown event filter %q", s)
	}
}

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events from the log file with pagination support.
// Returns up to n events starting from offset, filtered by type.
// Events are returned in reverse chronological order (newest first).
// The n parameter is capped at MaxReadLimit.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	hasMore := false
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			hasMore = true
			break
		}
		events = append(events, event)
	}

	return events, hasMore, nil
}

// Matches reports whether t belongs to the filter's category.
func (f TypeFilter) Matches(t EventType) bool {
	switch f {
	case FilterSession:
		return IsSessionEvent(t)
	case FilterRecording:
		return IsRecordingEvent(t)
	case FilterHealth:
		return t == HealthChanged
	default:
		return true
	}
}

// IsSessionEvent returns true if the event type is a capture session event.
func IsSessionEvent(t EventType) bool {
	return t == SessionOpened || t == SessionFault || t == SessionReopen || t == RelayDrop
}

// IsRecordingEvent returns true if the event type is a recording event.
func IsRecordingEvent(t EventType) bool {
	return t == FileFinalized || t == StorageError || t == UploadCompleted ||
		t == UploadFailed || t == UploadAbandoned || t == CleanupCompleted
}
