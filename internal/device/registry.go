package device

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Registry is a file-backed device store. Iteration order is insertion
// order, which pins fallback-device resolution to a deterministic result.
// Every mutation is persisted before returning.
type Registry struct {
	mu      sync.Mutex
	path    string
	devices map[string]*Device
	order   []string
}

// OpenRegistry loads the registry file at path, creating parent directories
// as needed. A missing file yields an empty registry. Devices are loaded
// with status reset to disconnected: live handles never survive a restart.
func OpenRegistry(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	r := &Registry{
		path:    path,
		devices: make(map[string]*Device),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return r, nil
	case err != nil:
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var list []*Device
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	for _, d := range list {
		d.Status = StatusDisconnected
		r.devices[d.ID] = d
		r.order = append(r.order, d.ID)
	}

	slog.Info("device registry loaded", "path", path, "devices", len(list))
	return r, nil
}

// save writes the full registry to disk. Must be called with r.mu held.
func (r *Registry) save() {
	list := r.listLocked()
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		slog.Error("registry encode failed", "error", err)
		return
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Error("registry write failed", "path", r.path, "error", err)
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		slog.Error("registry rename failed", "path", r.path, "error", err)
	}
}

func (r *Registry) listLocked() []*Device {
	list := make([]*Device, 0, len(r.order))
	for _, id := range r.order {
		if d, ok := r.devices[id]; ok {
			cp := *d
			list = append(list, &cp)
		}
	}
	return list
}

// Create registers a new device in disconnected state.
func (r *Registry) Create(name, webhookURL string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	d := &Device{
		ID:         NewID(),
		Name:       name,
		Status:     StatusDisconnected,
		WebhookURL: webhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.devices[d.ID] = d
	r.order = append(r.order, d.ID)
	r.save()

	slog.Info("device created", "device", d.ID, "name", name)
	cp := *d
	return &cp
}

// Get returns a copy of the device with the given id.
func (r *Registry) Get(id string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *d
	return &cp, nil
}

// List returns all devices in insertion order.
func (r *Registry) List() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

// UpdateStatus sets the device's connection status and, when non-empty, its
// phone number. UpdatedAt is bumped on every call.
func (r *Registry) UpdateStatus(id string, status Status, phoneNumber string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.Status = status
	if phoneNumber != "" {
		d.PhoneNumber = phoneNumber
	}
	d.UpdatedAt = time.Now()
	r.save()

	cp := *d
	return &cp, nil
}

// UpdateWebhook sets or clears the device's webhook override.
func (r *Registry) UpdateWebhook(id, webhookURL string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.WebhookURL = webhookURL
	d.UpdatedAt = time.Now()
	r.save()

	slog.Info("device webhook updated", "device", id, "url", webhookURL)
	cp := *d
	return &cp, nil
}

// Delete removes the device from the registry.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.devices, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.save()

	slog.Info("device deleted", "device", id, "name", d.Name)
	return nil
}

// FirstConnected returns the first device in insertion order whose status is
// connected, or nil when none is.
func (r *Registry) FirstConnected() *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		if d, ok := r.devices[id]; ok && d.Status == StatusConnected {
			cp := *d
			return &cp
		}
	}
	return nil
}
