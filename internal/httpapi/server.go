// Package httpapi is the gateway's HTTP surface: device CRUD and session
// control, message submission into the outbound queue, queue inspection,
// and the WebSocket event stream. Thin by design; the session manager and
// queue own the behavior.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/freewahq/freewa/internal/device"
	"github.com/freewahq/freewa/internal/events"
	"github.com/freewahq/freewa/internal/queue"
	"github.com/freewahq/freewa/internal/session"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// Server wires the API handlers to their collaborators.
type Server struct {
	registry *device.Registry
	manager  *session.Manager
	hub      *events.Hub
	backend  queue.Backend
	apiKey   string
}

// NewServer creates the API server.
func NewServer(registry *device.Registry, manager *session.Manager, hub *events.Hub, backend queue.Backend, apiKey string) *Server {
	return &Server{
		registry: registry,
		manager:  manager,
		hub:      hub,
		backend:  backend,
		apiKey:   apiKey,
	}
}

// Handler builds the routing table. Everything except the event stream is
// behind the API key guard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /devices", s.guard(s.handleCreateDevice))
	mux.HandleFunc("GET /devices", s.guard(s.handleListDevices))
	mux.HandleFunc("GET /devices/{id}", s.guard(s.handleGetDevice))
	mux.HandleFunc("DELETE /devices/{id}", s.guard(s.handleDeleteDevice))
	mux.HandleFunc("PUT /devices/{id}/webhook", s.guard(s.handleUpdateWebhook))
	mux.HandleFunc("POST /devices/{id}/connect", s.guard(s.handleConnect))
	mux.HandleFunc("POST /devices/{id}/disconnect", s.guard(s.handleDisconnect))
	mux.HandleFunc("GET /devices/{id}/qr", s.guard(s.handleQR))
	mux.HandleFunc("GET /devices/{id}/qr.png", s.guard(s.handleQRImage))
	mux.HandleFunc("GET /devices/{id}/status", s.guard(s.handleStatus))

	mux.HandleFunc("POST /message/send", s.guard(s.handleSendMessage))

	mux.HandleFunc("GET /queue/stats", s.guard(s.handleQueueStats))
	mux.HandleFunc("GET /queue/jobs", s.guard(s.handleQueueJobs))
	mux.HandleFunc("POST /queue/jobs/{id}/retry", s.guard(s.handleQueueRetry))
	mux.HandleFunc("DELETE /queue/jobs/{id}", s.guard(s.handleQueueRemove))

	mux.HandleFunc("GET /ws", events.WSHandler(s.hub))

	return logRequests(mux)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Info    string `json:"info,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeInfo(w http.ResponseWriter, status int, info string, data any) {
	writeJSON(w, status, envelope{Success: true, Info: info, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

// decodeBody parses a bounded JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
