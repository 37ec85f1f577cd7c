package device

import "errors"

// ErrNotFound is returned when a device id has no registry entry.
var ErrNotFound = errors.New("device not found")
