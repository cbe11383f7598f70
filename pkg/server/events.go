package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// handleEvents streams a task's events as server-sent events. Replay starts
// at ?from_seq=N (inclusive); a Last-Event-ID header from a reconnecting
// client wins and resumes delivery at N+1.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.store.Load(taskID); err != nil {
		s.writeError(w, err)
		return
	}

	afterSeq := int64(0)
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "from_seq must be a non-negative integer", http.StatusBadRequest)
			return
		}
		if n > 0 {
			afterSeq = n - 1
		}
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "Last-Event-ID must be a non-negative integer", http.StatusBadRequest)
			return
		}
		afterSeq = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub, err := s.bus.Subscribe(r.Context(), taskID, afterSeq)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range sub.Events() {
		frame, err := ev.SSE()
		if err != nil {
			s.logger.Error("failed to frame event", "task_id", taskID, "error", err)
			continue
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		flusher.Flush()
	}
	if err := sub.Err(); err != nil {
		s.logger.Warn("event stream ended", "task_id", taskID, "error", err)
	}
}
