// Package wmeow implements the session transport contract on top of
// whatsmeow. Each device gets its own sqlite credential container inside
// its credential directory; whatsmeow persists rotated keys there itself,
// so this adapter never emits CredentialsUpdated events.
package wmeow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"github.com/freewahq/freewa/internal/transport"
)

// Dialer creates whatsmeow-backed sessions.
type Dialer struct{}

// NewDialer returns a Dialer.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial opens (or initializes) the device's credential container and starts
// the protocol session. When the container holds no paired identity the
// returned transport emits QRReceived events until pairing completes or
// times out.
func (d *Dialer) Dial(ctx context.Context, deviceID, credsDir string) (transport.Transport, error) {
	dbPath := filepath.Join(credsDir, "session.db")
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"

	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open credential container: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("load device identity: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Noop)
	// The session manager owns reconnect policy.
	client.EnableAutoReconnect = false

	s := newSession(deviceID, client, container)

	if client.Store.ID == nil {
		// Unpaired device: the QR channel must be requested before Connect.
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("request pairing channel: %w", err)
		}
		go s.pumpQR(qrChan)
		slog.Info("device requires pairing", "device", deviceID)
	}

	if err := client.Connect(); err != nil {
		s.release()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return s, nil
}
