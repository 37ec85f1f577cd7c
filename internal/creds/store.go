// Package creds manages per-device credential directories. The directory
// contents are opaque to the gateway: the session transport reads and
// writes whatever key material it needs under the resolved path.
package creds

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Store resolves and deletes per-device credential directories under a
// single root.
type Store struct {
	root string
}

// NewStore creates a credential store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Resolve returns the credential directory for a device, creating it (and
// any parents) when absent.
func (s *Store) Resolve(deviceID string) (string, error) {
	dir := filepath.Join(s.root, deviceID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, nil
}

// DeleteAll removes the device's credential directory recursively. Removing
// a directory that does not exist is a no-op.
func (s *Store) DeleteAll(deviceID string) error {
	dir := filepath.Join(s.root, deviceID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete session dir: %w", err)
	}
	slog.Info("session credentials deleted", "device", deviceID)
	return nil
}
