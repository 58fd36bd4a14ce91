package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/capitalize-ai/deck-assistant/internal/service"
	"github.com/capitalize-ai/deck-assistant/pkg/metrics"
)

// sseWriter delays the event-stream headers until the first event so that a
// turn refused up front can still answer with a plain JSON error.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	opened  bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) start() {
	if s.opened {
		return
	}
	s.opened = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	s.w.WriteHeader(http.StatusOK)
	metrics.IncrementSSEConnections()
}

// send writes one event.
func (s *sseWriter) send(event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.start()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// forward adapts the writer to a turn's event callback.
func (s *sseWriter) forward(ev service.Event) error {
	return s.send(string(ev.Type), ev.Data)
}

func (s *sseWriter) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *sseWriter) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		metrics.DecrementSSEConnections()
	}
}
