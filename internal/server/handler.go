// Package server serves the capture node's HTTP status API and WebSocket feed.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oszuidwest/andros/internal/audio"
	"github.com/oszuidwest/andros/internal/capture"
	"github.com/oszuidwest/andros/internal/eventlog"
	"github.com/oszuidwest/andros/internal/recording"
	"github.com/oszuidwest/andros/internal/types"
)

// Defaults for the HTTP API.
const (
	DefaultTelemetryWait = 50 * time.Millisecond
	defaultEventLimit    = 50
)

// Source is the capture state served over HTTP.
type Source interface {
	Status() []capture.DeviceStatus
	Telemetry(wait time.Duration) []capture.DeviceTelemetry
	Levels() map[string]audio.Levels
}

// Options configures a Handler.
type Options struct {
	Source Source
	// Node is the node identity reported in status responses.
	Node string
	// EventLog is the event log file served by /api/events.
	EventLog string
	// Archive returns archive stats, or is nil when no archive is configured.
	Archive func() recording.ArchiveStats
	// Version returns build and update information.
	Version func() types.VersionInfo
	// TelemetryWait bounds the wait for each device's peak lock.
	TelemetryWait time.Duration
	// LevelsInterval and StatusInterval pace the WebSocket feed.
	LevelsInterval time.Duration
	StatusInterval time.Duration
}

// StatusResponse is the body of /api/status and the WebSocket status message.
type StatusResponse struct {
	Type    string                  `json:"type"`
	Node    string                  `json:"node,omitempty"`
	Devices []capture.DeviceStatus  `json:"devices"`
	Archive *recording.ArchiveStats `json:"archive,omitempty"`
	Version *types.VersionInfo      `json:"version,omitempty"`
}

// TelemetryResponse is the body of /api/telemetry.
type TelemetryResponse struct {
	Devices []capture.DeviceTelemetry `json:"devices"`
}

// LevelsResponse is the WebSocket levels message.
type LevelsResponse struct {
	Type   string                  `json:"type"`
	Levels map[string]audio.Levels `json:"levels"`
}

// EventsResponse is the body of /api/events.
type EventsResponse struct {
	Events  []eventlog.Event `json:"events"`
	HasMore bool             `json:"has_more"`
}

// Handler serves the status API.
type Handler struct {
	opts Options
}

// New creates a Handler.
func New(opts Options) *Handler {
	if opts.TelemetryWait <= 0 {
		opts.TelemetryWait = DefaultTelemetryWait
	}
	if opts.LevelsInterval <= 0 {
		opts.LevelsInterval = 100 * time.Millisecond // 10 fps for level meters
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 3 * time.Second
	}
	return &Handler{opts: opts}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/telemetry", h.handleTelemetry)
	mux.HandleFunc("GET /api/events", h.handleEvents)
	mux.HandleFunc("GET /ws", h.handleWebSocket)
}

func (h *Handler) status() StatusResponse {
	resp := StatusResponse{
		Type:    "status",
		Node:    h.opts.Node,
		Devices: h.opts.Source.Status(),
	}
	if h.opts.Archive != nil {
		stats := h.opts.Archive()
		resp.Archive = &stats
	}
	if h.opts.Version != nil {
		info := h.opts.Version()
		resp.Version = &info
	}
	return resp
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// handleTelemetry reads each device's health and consumes its peak.
func (h *Handler) handleTelemetry(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, TelemetryResponse{Devices: h.opts.Source.Telemetry(h.opts.TelemetryWait)})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultEventLimit)
	if err != nil || limit < 1 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}
	filter := eventlog.TypeFilter(q.Get("type"))
	switch filter {
	case eventlog.FilterAll, eventlog.FilterSession, eventlog.FilterRecording, eventlog.FilterHealth:
	default:
		http.Error(w, "invalid type", http.StatusBadRequest)
		return
	}

	events, hasMore, err := eventlog.ReadLast(h.opts.EventLog, limit, offset, filter)
	if err != nil {
		slog.Error("failed to read event log", "path", h.opts.EventLog, "error", err)
		http.Error(w, "failed to read events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events, HasMore: hasMore})
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
