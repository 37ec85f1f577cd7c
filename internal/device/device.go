// Package device holds the gateway's device registry: one entry per logical
// messaging account, independent of any live connection.
package device

import (
	"time"

	"github.com/google/uuid"
)

// Status is the connection state of a device.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusScanQR       Status = "scan_qr"
	StatusConnected    Status = "connected"
)

// Device is one registered messaging account.
type Device struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	WebhookURL  string    `json:"webhookUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewID generates a time-ordered device identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
