package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/freewahq/freewa/internal/transport"
)

// resolveTransport picks the transport for a send. An explicit deviceID
// must have a live handle; without one, the first connected device in
// registry insertion order is used.
func (m *Manager) resolveTransport(deviceID string) (transport.Transport, string, error) {
	if deviceID != "" {
		m.mu.Lock()
		ls := m.sessions[deviceID]
		m.mu.Unlock()
		if ls == nil || ls.tr == nil {
			return nil, "", fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
		}
		return ls.tr, deviceID, nil
	}

	dev := m.registry.FirstConnected()
	if dev != nil {
		m.mu.Lock()
		ls := m.sessions[dev.ID]
		m.mu.Unlock()
		if ls != nil && ls.tr != nil {
			return ls.tr, dev.ID, nil
		}
	}
	return nil, "", ErrNoDeviceConnected
}

// SendText sends a text message. deviceID may be empty, in which case the
// fallback device is used. The call returns once the transport has
// accepted the submission.
func (m *Manager) SendText(ctx context.Context, deviceID, to, message string) error {
	tr, id, err := m.resolveTransport(deviceID)
	if err != nil {
		return err
	}
	cc, suffix := m.normalization()
	recipient := normalizeRecipient(to, cc, suffix)
	if err := tr.SendText(ctx, recipient, message); err != nil {
		return fmt.Errorf("send text via %s: %w", id, err)
	}
	slog.Info("text sent", "device", id, "to", recipient)
	return nil
}

// SendPhoto sends an image by URL with an optional caption. deviceID may
// be empty, in which case the fallback device is used.
func (m *Manager) SendPhoto(ctx context.Context, deviceID, to, url, caption string) error {
	tr, id, err := m.resolveTransport(deviceID)
	if err != nil {
		return err
	}
	cc, suffix := m.normalization()
	recipient := normalizeRecipient(to, cc, suffix)
	if err := tr.SendImage(ctx, recipient, url, caption); err != nil {
		return fmt.Errorf("send image via %s: %w", id, err)
	}
	slog.Info("image sent", "device", id, "to", recipient)
	return nil
}
