package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/freewahq/freewa/internal/queue"
)

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, stats)
}

func parseQueueState(raw string) (queue.State, bool) {
	switch queue.State(raw) {
	case queue.StateWaiting, queue.StateActive, queue.StateCompleted, queue.StateFailed:
		return queue.State(raw), true
	case "":
		return queue.StateWaiting, true
	default:
		return "", false
	}
}

func (s *Server) handleQueueJobs(w http.ResponseWriter, r *http.Request) {
	state, ok := parseQueueState(r.URL.Query().Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown status: "+r.URL.Query().Get("status"))
		return
	}

	start := parseInt(r.URL.Query().Get("start"), 0)
	end := parseInt(r.URL.Query().Get("end"), 20)

	jobs, err := s.backend.List(r.Context(), state, start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    jobs,
		"meta": map[string]any{
			"status": state,
			"start":  start,
			"end":    end,
			"count":  len(jobs),
		},
	})
}

func (s *Server) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.backend.Retry(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeInfo(w, http.StatusOK, "job "+id+" has been retried", nil)
}

func (s *Server) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.backend.Remove(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeInfo(w, http.StatusOK, "job "+id+" has been removed", nil)
}

func parseInt(raw string, def int64) int64 {
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}
