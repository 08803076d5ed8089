package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/modelgate/modelgate/pkg/protocol"
)

// sseWriter emits `data: <json>` frames with an immediate flush per frame.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func startSSE(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	sw := &sseWriter{w: w, flusher: flusher}
	sw.flush()
	return sw
}

func (s *sseWriter) send(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(raw)
	_, _ = s.w.Write([]byte("\n\n"))
	s.flush()
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// serveEventStream relays coordinator events as SSE frames, enforcing the
// idle and whole-stream timeouts. On timeout it emits a terminal error event
// and returns; the caller cancels the producer and releases admission once
// the channel drains.
func (s *Server) serveEventStream(w http.ResponseWriter, r *http.Request, events <-chan protocol.StreamEvent) {
	sw := startSSE(w)

	requestDeadline := time.Now().Add(s.cfg.StreamRequestTimeout)
	timer := time.NewTimer(s.cfg.StreamIdleTimeout)
	defer timer.Stop()

	for {
		wait := s.cfg.StreamIdleTimeout
		if remaining := time.Until(requestDeadline); remaining < wait {
			wait = remaining
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			sw.send(event)
		case <-timer.C:
			code, message := "stream_idle_timeout", "Stream idle timeout"
			if time.Until(requestDeadline) <= 0 {
				code, message = "timeout", "Stream request timeout"
			}
			sw.send(envelope{Type: "error", Error: &errorBody{Code: code, Message: message}})
			return
		case <-r.Context().Done():
			return
		}
	}
}
