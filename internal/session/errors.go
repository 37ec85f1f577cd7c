package session

import "errors"

var (
	// ErrDeviceNotConnected is returned when a send names a device that has
	// no live session. The send never falls back to another device.
	ErrDeviceNotConnected = errors.New("device is not connected")

	// ErrNoDeviceConnected is returned when a send without an explicit
	// device finds no connected device to fall back to.
	ErrNoDeviceConnected = errors.New("no device is connected")
)
