package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"lumina/backend/internal/events"
	"lumina/backend/internal/middleware"
)

const (
	defaultKeepAlive = 15 * time.Second
	writeWait        = 10 * time.Second
)

// Handler streams a tenant's job events to connected clients. Every
// connection owns one bridge, which is closed when the client goes away.
// Disconnecting never cancels an ingestion.
type Handler struct {
	sub       events.Subscriber
	buffer    int
	keepAlive time.Duration
	upgrader  websocket.Upgrader
}

func NewHandler(sub events.Subscriber, buffer int) *Handler {
	return &Handler{
		sub:       sub,
		buffer:    buffer,
		keepAlive: defaultKeepAlive,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // CORS is enforced by the router
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// WithKeepAlive overrides the idle interval between keep-alive frames.
func (h *Handler) WithKeepAlive(d time.Duration) *Handler {
	h.keepAlive = d
	return h
}

// next waits up to the keep-alive interval for an event. It returns
// (nil, nil) when the interval passed without one.
func (h *Handler) next(ctx context.Context, b *events.Bridge) (events.Event, error) {
	waitCtx, cancel := context.WithTimeout(ctx, h.keepAlive)
	defer cancel()
	e, err := b.Next(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, nil
	}
	return e, err
}

// HandleSSE streams events as Server-Sent Events.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	ctx := middleware.WithTenantID(r.Context(), tenantID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	bridge, err := events.OpenBridge(ctx, h.sub, tenantID, h.buffer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to subscribe", "error", err)
		http.Error(w, "subscription failed", http.StatusServiceUnavailable)
		return
	}
	defer bridge.Close()

	// 1. Set SSE Headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Comment line so clients know the subscription is live
	fmt.Fprintf(w, ": subscribed %s\n\n", tenantID)
	flusher.Flush()

	slog.InfoContext(ctx, "sse subscription started")
	defer func() {
		slog.InfoContext(ctx, "sse subscription ended", "dropped", bridge.Dropped())
	}()

	// 2. Loop: forward events, keep-alive while idle
	for {
		e, err := h.next(ctx, bridge)
		if err != nil {
			return
		}
		if e == nil {
			// Send keep-alive comment to prevent timeouts
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
			continue
		}

		data, err := events.Marshal(e)
		if err != nil {
			slog.ErrorContext(ctx, "failed to encode event", "type", e.Type(), "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type(), data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// HandleWS streams events over a WebSocket, one JSON text frame per event.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	ctx, cancel := context.WithCancel(middleware.WithTenantID(r.Context(), tenantID))
	defer cancel()

	bridge, err := events.OpenBridge(ctx, h.sub, tenantID, h.buffer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to subscribe", "error", err)
		http.Error(w, "subscription failed", http.StatusServiceUnavailable)
		return
	}
	defer bridge.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(ctx, "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	slog.InfoContext(ctx, "websocket subscription started")

	// The client never sends anything we act on; reading only notices close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		e, err := h.next(ctx, bridge)
		if err != nil {
			break
		}
		if e == nil {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				break
			}
			continue
		}

		data, err := events.Marshal(e)
		if err != nil {
			slog.ErrorContext(ctx, "failed to encode event", "type", e.Type(), "error", err)
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}

	slog.InfoContext(ctx, "websocket subscription ended", "dropped", bridge.Dropped())
}
