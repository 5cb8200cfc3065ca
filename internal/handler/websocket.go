package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sakif/coderunner/internal/metrics"
	"github.com/sakif/coderunner/internal/stream"
)

// wsWriteWait bounds a single frame write to a slow or dead peer.
const wsWriteWait = 10 * time.Second

// wsWriter sends each event as one JSON text message and keep-alives as ping
// control frames.
type wsWriter struct {
	conn *websocket.Conn
}

var _ stream.EventWriter = (*wsWriter)(nil)

func (w *wsWriter) WriteEvent(ev stream.Event) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return w.conn.WriteJSON(ev)
}

func (w *wsWriter) WriteKeepAlive() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// HandleWebSocket handles GET /execute/{executionId}/ws.
//
// A hijacked connection no longer cancels the request context, so a reader
// goroutine watches for the peer going away and cancels the stream.
func (h *StreamHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("executionId")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		h.logger.Warn("websocket upgrade failed",
			slog.String("executionId", id),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			// Client messages carry nothing; reading keeps pong and close
			// frames flowing.
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	outcome := h.bridge.Stream(ctx, id, &wsWriter{conn: conn})
	h.logOutcome(id, "websocket", outcome)

	if outcome != stream.OutcomeDisconnected {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(outcome))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
}
