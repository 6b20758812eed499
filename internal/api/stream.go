package api

import (
	"encoding/json"
	"net/http"

	"github.com/hadarisas/Anomaly-detection-system/internal/ingest"
)

// handleStream pushes one server-sent event per snapshot publication. A
// slow client skips intermediate snapshots and always gets the latest.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan *ingest.Snapshot, 1)
	cancel := s.d.Coord.OnUpdate(func(snap *ingest.Snapshot) {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	})
	defer cancel()

	send := func(snap *ingest.Snapshot) bool {
		payload, err := json.Marshal(snap)
		if err != nil {
			return false
		}
		for _, part := range [][]byte{[]byte("event: snapshot\ndata: "), payload, []byte("\n\n")} {
			if _, err := w.Write(part); err != nil {
				return false
			}
		}
		flusher.Flush()
		return true
	}
	if !send(s.d.Coord.Snapshot()) {
		return
	}
	for {
		select {
		case snap := <-ch:
			if !send(snap) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
