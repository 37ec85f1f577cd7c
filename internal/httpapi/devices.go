package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/freewahq/freewa/internal/device"
)

type createDeviceRequest struct {
	Name       string `json:"name"`
	WebhookURL string `json:"webhookUrl"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, `field "name" is required`)
		return
	}
	dev := s.registry.Create(req.Name, req.WebhookURL)
	writeData(w, http.StatusCreated, dev)
}

// deviceWithQR augments a registry entry with its cached pairing code.
type deviceWithQR struct {
	*device.Device
	QRCode string `json:"qrCode,omitempty"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.registry.List()
	out := make([]deviceWithQR, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceWithQR{Device: d, QRCode: s.manager.GetQRCode(d.ID)})
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeData(w, http.StatusOK, deviceWithQR{Device: dev, QRCode: s.manager.GetQRCode(dev.ID)})
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.registry.Get(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	// Session teardown first so a reconnect timer cannot outlive the entry.
	if err := s.manager.DeleteSession(id); err != nil {
		slog.Error("session cleanup failed", "device", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete session data")
		return
	}
	if err := s.registry.Delete(id); err != nil && !errors.Is(err, device.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.hub.RemoveDevice(id)
	writeInfo(w, http.StatusOK, "device deleted", nil)
}

type updateWebhookRequest struct {
	WebhookURL string `json:"webhookUrl"`
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var req updateWebhookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dev, err := s.registry.UpdateWebhook(r.PathValue("id"), req.WebhookURL)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeData(w, http.StatusOK, dev)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Connect(id); err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeInfo(w, http.StatusOK, "connection initiated", nil)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.manager.Disconnect(r.PathValue("id"))
	writeInfo(w, http.StatusOK, "device disconnected", nil)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.registry.Get(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	code := s.manager.GetQRCode(id)
	var payload any
	if code != "" {
		payload = code
	}
	writeData(w, http.StatusOK, map[string]any{"qr": payload})
}

func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	code := s.manager.GetQRCode(id)
	if code == "" {
		writeError(w, http.StatusNotFound, "no pairing code available")
		return
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "render QR: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	dev, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"status":    dev.Status,
		"connected": s.manager.IsDeviceConnected(dev.ID),
	})
}
