package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/callbackd/internal/events"
)

// handleEvents handles GET /events. Clients that accept text/event-stream get
// a live SSE stream; everyone else gets the buffered notices as JSON.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		since := parseID(r.URL.Query().Get("since"))
		respondJSON(w, http.StatusOK, NoticesResponse{Notices: s.hub.Since(since)})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing falls between the two.
	ch, cancel := s.hub.Subscribe(128)
	defer cancel()

	lastID := parseID(r.Header.Get("Last-Event-ID"))
	for _, n := range s.hub.Since(lastID) {
		if err := writeSSE(w, n); err != nil {
			return
		}
		lastID = n.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if n.ID <= lastID {
				continue
			}
			if err := writeSSE(w, n); err != nil {
				return
			}
			lastID = n.ID
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, n events.Notice) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", n.ID, n.Kind, n.Data); err != nil {
		return err
	}
	return nil
}
