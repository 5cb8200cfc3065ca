package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sakif/coderunner/internal/stream"
)

// sseWriter writes stream events as server-sent events:
//
//	data: {json}\n
//	\n
//
// Keep-alives are comment frames, which EventSource clients ignore.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

var _ stream.EventWriter = (*sseWriter)(nil)

// newSSEWriter sends the stream headers immediately so proxies and clients
// see the response start before the first event.
func newSSEWriter(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // nginx

	rc := http.NewResponseController(w)
	// A stream outlives the server's WriteTimeout. Not every writer supports
	// deadlines; the error only says so.
	_ = rc.SetWriteDeadline(time.Time{})

	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	return &sseWriter{w: w, rc: rc}
}

func (s *sseWriter) WriteEvent(ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

func (s *sseWriter) WriteKeepAlive() error {
	if _, err := io.WriteString(s.w, ": keep-alive\n\n"); err != nil {
		return fmt.Errorf("failed to write keep-alive: %w", err)
	}
	return s.rc.Flush()
}
