package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEvents is the long-lived SSE event stream. With ?replay=1 the
// subscriber first receives the replay ring. Keepalives flow every 30
// seconds of silence; the stream ends only when the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	replay := r.URL.Query().Get("replay") == "1"
	sub := s.bus.Subscribe(replay)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		event, err := sub.Next(ctx)
		if err != nil {
			return
		}
		data, err := json.Marshal(event)
		if err != nil {
			s.logger.Warn("event not serializable", "kind", event.Kind, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}
