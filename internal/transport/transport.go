// Package transport defines the contract between the session manager and a
// protocol session implementation. The manager consumes a stream of tagged
// events per device and issues send/terminate commands; everything behind
// that contract (handshake, framing, crypto) is the implementation's.
package transport

import (
	"context"
	"time"
)

// Event is implemented by all transport event variants. The manager
// processes one device's events strictly in emission order and silently
// drops variants it does not recognize.
type Event interface {
	transportEvent()
}

// CredentialsUpdated signals rotated key material. Save must complete
// before the manager processes any further event for the device; losing a
// rotation makes the stored credentials unable to re-authenticate.
type CredentialsUpdated struct {
	Save func(ctx context.Context) error
}

// QRReceived carries a fresh pairing challenge. Each occurrence replaces
// any previously surfaced code for the device.
type QRReceived struct {
	Code string
}

// ConnectionOpened signals a fully established, authenticated session.
type ConnectionOpened struct {
	// PhoneNumber is the account's own number, when the transport knows it.
	PhoneNumber string
}

// ConnectionClosed signals the session ended. IsLogout distinguishes an
// explicit unpairing (credentials are dead, do not reconnect) from a
// transient loss (reconnect applies).
type ConnectionClosed struct {
	Reason   error
	IsLogout bool
}

// MessageReceived carries one inbound message envelope.
type MessageReceived struct {
	Envelope Envelope
}

func (CredentialsUpdated) transportEvent() {}
func (QRReceived) transportEvent()         {}
func (ConnectionOpened) transportEvent()   {}
func (ConnectionClosed) transportEvent()   {}
func (MessageReceived) transportEvent()    {}

// Envelope is an inbound message with the fields the gateway forwards.
type Envelope struct {
	From       string
	SenderName string
	Text       string
	Timestamp  time.Time
	FromSelf   bool
}

// Transport is one live protocol session. Events delivers the session's
// event stream; the channel is closed after the final ConnectionClosed.
// Send commands return once the transport has accepted the submission,
// which is not a delivery confirmation.
type Transport interface {
	Events() <-chan Event
	SendText(ctx context.Context, recipient, text string) error
	SendImage(ctx context.Context, recipient, url, caption string) error
	Terminate()
}

// Dialer creates transports. Dial loads (or initializes) credentials from
// credsDir and starts the session handshake; the returned transport emits
// QRReceived events when pairing is required.
type Dialer interface {
	Dial(ctx context.Context, deviceID, credsDir string) (Transport, error)
}
