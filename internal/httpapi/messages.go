package httpapi

import (
	"net/http"

	"github.com/freewahq/freewa/internal/queue"
)

type sendMessageRequest struct {
	DeviceID string `json:"deviceId"`
	To       string `json:"to"`
	Type     string `json:"type"`
	Message  string `json:"message"`
	URL      string `json:"url"`
	Caption  string `json:"caption"`
}

// handleSendMessage validates the request and enqueues it; delivery happens
// asynchronously in the worker pool.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.To == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, `fields "to" and "type" are required`)
		return
	}

	var kind queue.Kind
	switch req.Type {
	case "text":
		if req.Message == "" {
			writeError(w, http.StatusBadRequest, `field "message" is required for text type`)
			return
		}
		kind = queue.KindText
	case "image":
		if req.URL == "" {
			writeError(w, http.StatusBadRequest, `field "url" is required for image type`)
			return
		}
		kind = queue.KindImage
	default:
		writeError(w, http.StatusBadRequest, `field "type" must be "text" or "image"`)
		return
	}

	job := queue.NewJob(kind, req.To, req.Message, req.URL, req.Caption, req.DeviceID)
	if err := s.backend.Enqueue(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed: "+err.Error())
		return
	}

	writeInfo(w, http.StatusAccepted, "message added to queue", map[string]any{
		"jobId":    job.ID,
		"to":       req.To,
		"type":     req.Type,
		"deviceId": req.DeviceID,
	})
}
