// Package webhook forwards inbound messages to per-device webhook URLs,
// falling back to a process-wide default. Delivery is best-effort: a
// failing endpoint is logged and never affects session handling.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/freewahq/freewa/internal/device"
	"github.com/freewahq/freewa/internal/transport"
)

// payload is the JSON body POSTed to the webhook endpoint.
type payload struct {
	DeviceID  string `json:"deviceId"`
	From      string `json:"from"`
	Name      string `json:"name"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Dispatcher implements session.InboundSink over HTTP POST.
type Dispatcher struct {
	client *http.Client

	mu         sync.RWMutex
	defaultURL string
}

// NewDispatcher creates a dispatcher with the given fallback URL and
// per-request timeout.
func NewDispatcher(defaultURL string, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		client:     &http.Client{Timeout: timeout},
		defaultURL: defaultURL,
	}
}

// SetDefaultURL swaps the fallback URL, used by config hot reload.
func (d *Dispatcher) SetDefaultURL(url string) {
	d.mu.Lock()
	d.defaultURL = url
	d.mu.Unlock()
}

// Deliver posts the envelope to the device's webhook, or the default one
// when the device has no override. No webhook configured means no-op.
func (d *Dispatcher) Deliver(ctx context.Context, dev *device.Device, env transport.Envelope) {
	url := dev.WebhookURL
	if url == "" {
		d.mu.RLock()
		url = d.defaultURL
		d.mu.RUnlock()
	}
	if url == "" {
		return
	}

	body, err := json.Marshal(payload{
		DeviceID:  dev.ID,
		From:      env.From,
		Name:      env.SenderName,
		Message:   env.Text,
		Timestamp: env.Timestamp.Unix(),
	})
	if err != nil {
		slog.Error("webhook payload encode failed", "device", dev.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Error("webhook request build failed", "device", dev.ID, "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		slog.Error("webhook delivery failed", "device", dev.ID, "url", url, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("webhook endpoint rejected message", "device", dev.ID, "url", url, "status", resp.StatusCode)
		return
	}
	slog.Info("webhook forwarded", "device", dev.ID, "url", url)
}
