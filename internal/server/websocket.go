package server

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn is the interface for WebSocket connection operations.
type WebSocketConn interface {
	io.Closer
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// WSCommand is a message sent by a WebSocket client.
type WSCommand struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin reports whether the WebSocket connection origin is allowed.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests omit the Origin header
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("rejected WebSocket connection: invalid origin URL", "origin", origin)
		return false
	}

	host := u.Hostname()
	if host == "localhost" {
		return true
	}

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost {
		return true
	}

	// Field nodes are reached over site-local networks.
	ip := net.ParseIP(host)
	if ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("rejected WebSocket connection", "origin", origin, "host", host)
	return false
}

// handleWebSocket streams levels and status to the client.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	h.serveConn(conn)
}

// serveConn runs one client until it disconnects. Only the writer
// goroutine writes to conn.
func (h *Handler) serveConn(conn WebSocketConn) {
	send := make(chan any, 16)
	done := make(chan struct{})
	refresh := make(chan struct{}, 1)

	go runWriter(conn, send)
	go runReader(conn, done, refresh)
	h.runEventLoop(send, done, refresh)
}

// runWriter writes messages from send until it is closed.
func runWriter(conn WebSocketConn, send <-chan any) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			// Closing unblocks the reader, which stops the event loop.
			_ = conn.Close()
			for range send {
			}
			return
		}
	}
}

// runReader handles client commands until the connection fails.
func runReader(conn WebSocketConn, done chan<- struct{}, refresh chan<- struct{}) {
	defer close(done)
	for {
		var cmd WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		if cmd.Type == "status" {
			select {
			case refresh <- struct{}{}:
			default:
			}
		}
	}
}

// runEventLoop sends the initial status, then levels and status on their tickers.
func (h *Handler) runEventLoop(send chan any, done, refresh <-chan struct{}) {
	levelsTicker := time.NewTicker(h.opts.LevelsInterval)
	statusTicker := time.NewTicker(h.opts.StatusInterval)
	defer levelsTicker.Stop()
	defer statusTicker.Stop()
	defer close(send)

	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	if !trySend(h.status()) {
		return
	}
	for {
		var msg any
		select {
		case <-done:
			return
		case <-refresh:
			msg = h.status()
		case <-statusTicker.C:
			msg = h.status()
		case <-levelsTicker.C:
			msg = LevelsResponse{Type: "levels", Levels: h.opts.Source.Levels()}
		}
		if !trySend(msg) {
			return
		}
	}
}
