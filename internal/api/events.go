package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/simrelay/internal/engine"
	"github.com/seantiz/simrelay/internal/model"
	"github.com/seantiz/simrelay/internal/store"
)

// handleStreamEvents streams a job's lifecycle events as server-sent events
// until the job finishes or the client goes away.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if job.Status == model.JobCompleted || job.Status == model.JobFailed {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", job.Status)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A job that finished since the status check has a closed topic, so the
	// loop below ends at once.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()
	eventStreams.Inc()
	defer eventStreams.Dec()

	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				_ = rc.Flush()
				return
			}
			if err := writeSSEJSON(w, ev); err != nil {
				return
			}
			_ = rc.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEJSON writes ev as a named SSE event with a JSON data line.
func writeSSEJSON(w http.ResponseWriter, ev engine.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, ev.Type, string(data))
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
