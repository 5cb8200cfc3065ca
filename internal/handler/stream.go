package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sakif/coderunner/internal/metrics"
	"github.com/sakif/coderunner/internal/stream"
)

// Streamer is the stream bridge as seen by the handlers.
type Streamer interface {
	Stream(ctx context.Context, jobID string, w stream.EventWriter) stream.Outcome
}

// StreamHandler pushes the events of one execution to the client, over SSE or
// a WebSocket. Both transports share the same bridge and so the same events.
type StreamHandler struct {
	bridge   Streamer
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewStreamHandler creates a StreamHandler. allowedOrigin is the CORS origin;
// "*" accepts WebSocket upgrades from any page.
func NewStreamHandler(bridge Streamer, allowedOrigin string, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		bridge: bridge,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigin),
		},
		logger: logger,
	}
}

// HandleLogs handles GET /execute/{executionId}/logs.
//
// An unknown id is not a 404: the stream opens and carries an error event, the
// same as any other failure observed while polling.
func (h *StreamHandler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("executionId")

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	outcome := h.bridge.Stream(r.Context(), id, newSSEWriter(w))
	h.logOutcome(id, "sse", outcome)
}

func (h *StreamHandler) logOutcome(id, transport string, outcome stream.Outcome) {
	attrs := []any{
		slog.String("executionId", id),
		slog.String("transport", transport),
		slog.String("outcome", string(outcome)),
	}
	switch outcome {
	case stream.OutcomeDone:
		h.logger.Debug("stream finished", attrs...)
	case stream.OutcomeDisconnected:
		h.logger.Debug("client disconnected", attrs...)
	default:
		h.logger.Warn("stream ended early", append(attrs, slog.String("error", outcome.Err().Error()))...)
	}
}

func originChecker(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return allowed == "*" || origin == "" || origin == allowed
	}
}
