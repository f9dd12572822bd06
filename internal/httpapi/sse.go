package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MimeLyc/video-pipeline/internal/jobs"
)

// handleQueueStream pushes a queue snapshot as a server-sent event every
// stream interval. Unchanged snapshots are sent as comment heartbeats.
func (s *Server) handleQueueStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	var last []byte
	var seq int
	push := func(info jobs.Info) error {
		payload, err := json.Marshal(info)
		if err != nil {
			return err
		}
		if last != nil && string(payload) == string(last) {
			_, err = fmt.Fprint(w, ": ping\n\n")
		} else {
			seq++
			last = payload
			_, err = fmt.Fprintf(w, "id: %d\nevent: queue\ndata: %s\n\n", seq, payload)
		}
		if err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := push(s.dispatcher.Info(r.Context())); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := push(s.dispatcher.Info(r.Context())); err != nil {
				s.logger.Debug("queue stream closed: %v", err)
				return
			}
		}
	}
}
