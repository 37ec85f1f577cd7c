package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/freewahq/freewa/internal/creds"
	"github.com/freewahq/freewa/internal/device"
	"github.com/freewahq/freewa/internal/transport"
)

// fakeTransport is a scriptable transport: tests push events through
// Emit/CloseWith and inspect recorded sends.
type fakeTransport struct {
	mu         sync.Mutex
	closed     bool
	events     chan transport.Event
	sendErr    error
	sent       []string // "text recipient body" / "image recipient url"
	terminated bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 16)}
}

func (t *fakeTransport) Events() <-chan transport.Event { return t.events }

func (t *fakeTransport) Emit(ev transport.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.events <- ev
	}
}

// CloseWith emits the final close event and ends the stream.
func (t *fakeTransport) CloseWith(reason error, logout bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.events <- transport.ConnectionClosed{Reason: reason, IsLogout: logout}
	t.closed = true
	close(t.events)
}

func (t *fakeTransport) SendText(ctx context.Context, recipient, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, "text "+recipient+" "+text)
	return nil
}

func (t *fakeTransport) SendImage(ctx context.Context, recipient, url, caption string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, "image "+recipient+" "+url)
	return nil
}

func (t *fakeTransport) Terminate() {
	t.mu.Lock()
	t.terminated = true
	t.mu.Unlock()
	t.CloseWith(errors.New("terminated"), false)
}

func (t *fakeTransport) sentMessages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

// fakeDialer records dials and hands out fakeTransports, optionally
// failing for specific devices or holding a dial open mid-flight.
type fakeDialer struct {
	mu         sync.Mutex
	dials      map[string]int
	fail       map[string]error
	transports map[string]*fakeTransport
	hold       chan struct{} // when set, Dial blocks until closed
	entered    chan struct{} // signaled when a held dial begins waiting
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		dials:      make(map[string]int),
		fail:       make(map[string]error),
		transports: make(map[string]*fakeTransport),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, deviceID, credsDir string) (transport.Transport, error) {
	d.mu.Lock()
	d.dials[deviceID]++
	failErr := d.fail[deviceID]
	hold, entered := d.hold, d.entered
	d.mu.Unlock()

	if hold != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-hold
	}
	if failErr != nil {
		return nil, failErr
	}

	d.mu.Lock()
	tr := newFakeTransport()
	d.transports[deviceID] = tr
	d.mu.Unlock()
	return tr, nil
}

func (d *fakeDialer) dialCount(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[deviceID]
}

func (d *fakeDialer) transportFor(deviceID string) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[deviceID]
}

// recordingPub captures broadcasts for assertions.
type recordingPub struct {
	mu     sync.Mutex
	events []string // "deviceID event payload"
}

func (p *recordingPub) EmitDevice(deviceID, event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, fmt.Sprintf("%s %s %v", deviceID, event, payload))
}

func (p *recordingPub) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *recordingPub) count(deviceID, event string) int {
	prefix := deviceID + " " + event + " "
	n := 0
	for _, e := range p.all() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type testEnv struct {
	manager  *Manager
	registry *device.Registry
	dialer   *fakeDialer
	pub      *recordingPub
	credsDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	registry, err := device.OpenRegistry(filepath.Join(dir, "devices.json"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	dialer := newFakeDialer()
	pub := &recordingPub{}
	credsDir := filepath.Join(dir, "sessions")
	m := NewManager(registry, creds.NewStore(credsDir), dialer, pub, nil, Config{
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
	})
	t.Cleanup(m.Close)
	return &testEnv{manager: m, registry: registry, dialer: dialer, pub: pub, credsDir: credsDir}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *testEnv) connect(t *testing.T, id string) *fakeTransport {
	t.Helper()
	if err := e.manager.Connect(id); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	tr := e.dialer.transportFor(id)
	if tr == nil {
		t.Fatalf("no transport dialed for %s", id)
	}
	return tr
}

func (e *testEnv) open(t *testing.T, id string, tr *fakeTransport) {
	t.Helper()
	tr.Emit(transport.ConnectionOpened{PhoneNumber: "628111"})
	waitFor(t, id+" connected", func() bool {
		d, err := e.registry.Get(id)
		return err == nil && d.Status == device.StatusConnected
	})
}

func TestConnectUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	err := env.manager.Connect("nope")
	if !errors.Is(err, device.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConnectIdempotent(t *testing.T) {
	env := newTestEnv(t)
	dev := env.registry.Create("phone-1", "")

	env.connect(t, dev.ID)
	if err := env.manager.Connect(dev.ID); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if n := env.dialer.dialCount(dev.ID); n != 1 {
		t.Errorf("expected 1 dial, got %d", n)
	}
}

func TestDisconnectWithoutSessionIsNoop(t *testing.T) {
	env := newTestEnv(t)
	dev := env.registry.Create("phone-1", "")
	env.manager.Disconnect(dev.ID) // must not panic or error
	if env.manager.IsDeviceConnected(dev.ID) {
		t.Error("device should not be connected")
	}
}

func TestQRLifecycle(t *testing.T) {
	env := newTestEnv(t)
	dev := env.registry.Create("phone-1", "")
	tr := env.connect(t, dev.ID)

	tr.Emit(transport.QRReceived{Code: "qr-one"})
	waitFor(t, "scan_qr status", func() bool {
		d, _ := env.registry.Get(dev.ID)
		return d != nil && d.Status == device.StatusScanQR
	})
	if qr := env.manager.GetQRCode(dev.ID); qr != "qr-one" {
		t.Errorf("expected cached qr-one, got %q", qr)
	}

	// A fresh code replaces the cached one.
	tr.Emit(transport.QRReceived{Code: "qr-two"})
	waitFor(t, "qr replacement", func() bool {
		return env.manager.GetQRCode(dev.ID) == "qr-two"
	})

	// Opening the connection clears the QR and flips status.
	env.open(t, dev.ID, tr)
	if qr := env.manager.GetQRCode(dev.ID); qr != "" {
		t.Errorf("qr should be cleared after connect, got %q", qr)
	}

	d, _ := env.registry.Get(dev.ID)
	if d.PhoneNumber != "628111" {
		t.Errorf("phone number not recorded: %q", d.PhoneNumber)
	}
}

func TestConnectedStatusImpliesHandle(t *testing.T) {
	env := newTestEnv(t)
	dev := env.registry.Create("phone-1", "")
	tr := env.connect(t, dev.ID)
	env.open(t, dev.ID, tr)

	if !env.manager.IsDeviceConnected(dev.ID) {
		t.Fatal("connected status must come with a live handle")
	}

	tr.CloseWith(errors.New("network"), true) // logout: no reconnect
	waitFor(t, "disconnected status", func() bool {
		d, _ := env.registry.Get(dev.ID)
		return d != nil && d.Status == device.StatusDisconnected
	})
	if env.manager.IsDeviceConnected(dev.ID) {
		t.Fatal("disconnected status must not leave a handle behind")
	}
}

func TestReconnectOnNonLogoutClose(t *testing.T) {
	env := newTestEnv(t)
	dev := env.registry.Create("phone-1", "")
	tr := env.connect(t, dev.ID)
	env.open(t, dev.ID, tr)

	tr.CloseWith(errors.New("stream error"), false)
	waitFor(t, "reconnect dial", func() bool {
		return env.dialer.dialCount(dev.ID) >= 2
	})
}

func TestNoReconnectOnLogout(t *testing.T) {
	env := newTestEnv(t)
	dev := env.registry.Create("phone-1", "")
	tr := env.connect(t, dev.ID)
	env.open(t, dev.ID, tr)

	tr.CloseWith(errors.New("unpaired"), true)
	waitFor(t, "disconnected status", func() bool {
		d, _ := env.registry.Get(dev.ID)
		return d != nil && d.Status == device.StatusDisconnected
	})

	// Give a would-be reconnect timer ample time to fire.
	time.Sleep(60 * time.Millisecond)
	if n := env.dialer.dialCount(dev.ID); n != 1 {
		t.Errorf("logout must not trigger reconnect, got %d dials", n)
	}
}

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	env := newTestEnv(t)
	dev := env.registry.Create("phone-1", "")
	tr := env.connect(t, dev.ID)
	env.open(t, dev.ID, tr)

	env.manager.Disconnect(dev.ID)
	time.Sleep(60 * time.Millisecond)
	if n := env.dialer.dialCount(dev.ID); n != 1 {
		t.Errorf("manual disconnect must not trigger reconnect, got %d dials", n)
	}
	tr.mu.Lock()
	terminated := tr.terminated
	tr.mu.Unlock()
	if !terminated {
		t.Error("transport was not terminated")
	}
}

func TestDialFailureEntersBackoffCycle(t *testing.T) {
	env := newTestEnv(t)
	dev := env.registry.Create("phone-1", "")
	env.dialer.mu.Lock()
	env.dialer.fail[dev.ID] = errors.New("handshake refused")
	env.dialer.mu.Unlock()

	if err := env.manager.Connect(dev.ID); err != nil {
		t.Fatalf("dial failure must not surface from connect: %v", err)
	}
	waitFor(t, "retry dials", func() bool {
		return env.dialer.dialCount(dev.ID) >= 3
	})

	// Recovery: let the dial succeed again.
	env.dialer.mu.Lock()
	delete(env.dialer.fail, dev.ID)
	env.dialer.mu.Unlock()
	waitFor(t, "successful redial", func() bool {
		return env.dialer.transportFor(dev.ID) != nil
	})
}

func TestFailureIsolationBetweenDevices(t *testing.T) {
	env := newTestEnv(t)
	devA := env.registry.Create("phone-a", "")
	devB := env.registry.Create("phone-b", "")

	env.dialer.mu.Lock()
	env.dialer.fail[devA.ID] = errors.New("broken")
	env.dialer.mu.Unlock()

	if err := env.manager.Connect(devA.ID); err != nil {
		t.Fatalf("connect A: %v", err)
	}
	trB := env.connect(t, devB.ID)
	env.open(t, devB.ID, trB)

	d, _ := env.registry.Get(devB.ID)
	if d.Status != device.StatusConnected {
		t.Errorf("device B must connect despite A failing, status=%s", d.Status)
	}

	// B's events still flow.
	trB.Emit(transport.QRReceived{Code: "ignored-after-open"})
	waitFor(t, "B event delivery", func() bool {
		return env.pub.count(devB.ID, EventQR) >= 2 // nil on open + this one
	})
}

func TestDeleteSessionCancelsPendingReconnect(t *testing.T) {
	dir := t.TempDir()
	registry, err := device.OpenRegistry(filepath.Join(dir, "devices.json"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	dialer := newFakeDialer()
	credsRoot := filepath.Join(dir, "sessions")
	// Backoff long enough that the delete always beats the timer.
	m := NewManager(registry, creds.NewStore(credsRoot), dialer, &recordingPub{}, nil, Config{
		ReconnectBase: 200 * time.Millisecond,
		ReconnectMax:  400 * time.Millisecond,
	})
	defer m.Close()

	dev := registry.Create("phone-1", "")
	if err := m.Connect(dev.ID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	tr := dialer.transportFor(dev.ID)
	tr.Emit(transport.ConnectionOpened{PhoneNumber: "628111"})
	waitFor(t, "connected", func() bool {
		d, _ := registry.Get(dev.ID)
		return d != nil && d.Status == device.StatusConnected
	})

	credsDir := filepath.Join(credsRoot, dev.ID)
	if _, err := os.Stat(credsDir); err != nil {
		t.Fatalf("credential dir missing before delete: %v", err)
	}

	// Drop the connection so a reconnect gets scheduled, then delete
	// before the timer fires: it must never resurrect the device.
	tr.CloseWith(errors.New("network"), false)
	waitFor(t, "disconnect bookkeeping", func() bool {
		return !m.IsDeviceConnected(dev.ID)
	})
	if err := m.DeleteSession(dev.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	if n := dialer.dialCount(dev.ID); n != 1 {
		t.Errorf("reconnect fired after delete: %d dials", n)
	}
	if _, err := os.Stat(credsDir); !os.IsNotExist(err) {
		t.Errorf("credential dir still exists after delete")
	}
	if m.IsDeviceConnected(dev.ID) {
		t.Error("live handle survived delete")
	}
}

func TestDeleteSessionWithoutCredentialsIsNoop(t *testing.T) {
	env := newTestEnv(t)
	dev := env.registry.Create("phone-1", "")
	if err := env.manager.DeleteSession(dev.ID); err != nil {
		t.Fatalf("delete of never-connected device must be a no-op, got %v", err)
	}
}

func TestCredentialPersistenceOrdering(t *testing.T) {
	env := newTestEnv(t)
	dev := env.registry.Create("phone-1", "")
	tr := env.connect(t, dev.ID)

	var mu sync.Mutex
	saved := false
	tr.Emit(transport.CredentialsUpdated{Save: func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		saved = true
		mu.Unlock()
		return nil
	}})
	tr.Emit(transport.QRReceived{Code: "after-creds"})

	waitFor(t, "qr processed", func() bool {
		return env.manager.GetQRCode(dev.ID) == "after-creds"
	})
	mu.Lock()
	defer mu.Unlock()
	if !saved {
		t.Fatal("credential save must complete before later events are processed")
	}
}

func TestCredentialSaveFailureDoesNotKillSession(t *testing.T) {
	env := newTestEnv(t)
	dev := env.registry.Create("phone-1", "")
	tr := env.connect(t, dev.ID)

	tr.Emit(transport.CredentialsUpdated{Save: func(ctx context.Context) error {
		return errors.New("disk full")
	}})
	env.open(t, dev.ID, tr)

	if !env.manager.IsDeviceConnected(dev.ID) {
		t.Fatal("save failure must not tear down the session")
	}
}

func TestCloseEventBroadcastsDisconnected(t *testing.T) {
	env := newTestEnv(t)
	dev := env.registry.Create("phone-1", "")
	tr := env.connect(t, dev.ID)
	env.open(t, dev.ID, tr)

	tr.CloseWith(errors.New("gone"), true)
	waitFor(t, "status broadcast", func() bool {
		for _, e := range env.pub.all() {
			if e == dev.ID+" status disconnected" {
				return true
			}
		}
		return false
	})
}

func TestInboundMessageBroadcastAndSinkDelivery(t *testing.T) {
	dir := t.TempDir()
	registry, err := device.OpenRegistry(filepath.Join(dir, "devices.json"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	dialer := newFakeDialer()
	pub := &recordingPub{}
	sink := &recordingSink{}
	m := NewManager(registry, creds.NewStore(filepath.Join(dir, "sessions")), dialer, pub, sink, Config{
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
	})
	defer m.Close()

	dev := registry.Create("phone-1", "")
	if err := m.Connect(dev.ID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	tr := dialer.transportFor(dev.ID)

	tr.Emit(transport.MessageReceived{Envelope: transport.Envelope{
		From: "628222@s.whatsapp.net", SenderName: "Tester", Text: "hello", Timestamp: time.Now(),
	}})
	waitFor(t, "sink delivery", func() bool { return sink.deliveries() == 1 })
	if pub.count(dev.ID, EventMessage) != 1 {
		t.Errorf("expected 1 message broadcast, got %d", pub.count(dev.ID, EventMessage))
	}

	// Self messages are ignored.
	tr.Emit(transport.MessageReceived{Envelope: transport.Envelope{From: "x", Text: "self", FromSelf: true}})
	time.Sleep(20 * time.Millisecond)
	if sink.deliveries() != 1 {
		t.Errorf("self message must not be delivered, got %d deliveries", sink.deliveries())
	}
}

func TestStaleOpenAfterDisconnectIgnored(t *testing.T) {
	env := newTestEnv(t)
	dev := env.registry.Create("phone-1", "")
	tr := env.connect(t, dev.ID)

	// Park the event loop so further events queue up behind it.
	entered := make(chan struct{})
	release := make(chan struct{})
	tr.Emit(transport.CredentialsUpdated{Save: func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}})
	<-entered
	tr.Emit(transport.ConnectionOpened{PhoneNumber: "628111"})
	env.manager.Disconnect(dev.ID)
	close(release)

	// The queued open drains against a torn-down session: it must not
	// flip the registry back to connected.
	time.Sleep(50 * time.Millisecond)
	d, _ := env.registry.Get(dev.ID)
	if d.Status != device.StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", d.Status)
	}
	if env.manager.IsDeviceConnected(dev.ID) {
		t.Fatal("connected status without a live handle")
	}
}

func TestStaleQRAfterDisconnectIgnored(t *testing.T) {
	env := newTestEnv(t)
	dev := env.registry.Create("phone-1", "")
	tr := env.connect(t, dev.ID)

	entered := make(chan struct{})
	release := make(chan struct{})
	tr.Emit(transport.CredentialsUpdated{Save: func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}})
	<-entered
	tr.Emit(transport.QRReceived{Code: "stale-code"})
	env.manager.Disconnect(dev.ID)
	close(release)

	time.Sleep(50 * time.Millisecond)
	if qr := env.manager.GetQRCode(dev.ID); qr != "" {
		t.Errorf("stale qr cached after disconnect: %q", qr)
	}
	d, _ := env.registry.Get(dev.ID)
	if d.Status != device.StatusDisconnected {
		t.Errorf("status = %s, want disconnected", d.Status)
	}
}

func TestDisconnectDuringDialLeavesNoStaleState(t *testing.T) {
	env := newTestEnv(t)
	dev := env.registry.Create("phone-1", "")

	hold := make(chan struct{})
	entered := make(chan struct{}, 1)
	env.dialer.mu.Lock()
	env.dialer.hold = hold
	env.dialer.entered = entered
	env.dialer.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- env.manager.Connect(dev.ID) }()
	<-entered

	d, _ := env.registry.Get(dev.ID)
	if d.Status != device.StatusConnecting {
		t.Fatalf("status during dial = %s, want connecting", d.Status)
	}

	env.manager.Disconnect(dev.ID)
	close(hold)
	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}

	// The superseded transport is discarded, and the disconnect verdict
	// must not be overwritten by the late dial.
	tr := env.dialer.transportFor(dev.ID)
	waitFor(t, "superseded transport terminated", func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.terminated
	})
	d, _ = env.registry.Get(dev.ID)
	if d.Status != device.StatusDisconnected {
		t.Errorf("status = %s, want disconnected", d.Status)
	}
	if env.manager.IsDeviceConnected(dev.ID) {
		t.Error("handle survived disconnect")
	}
}

// gatePub records like recordingPub but additionally blocks one matching
// broadcast until released, to pin an interleaving.
type gatePub struct {
	recordingPub
	match string
	hit   chan struct{}
	gate  chan struct{}
	once  sync.Once
}

func (p *gatePub) EmitDevice(deviceID, event string, payload any) {
	p.recordingPub.EmitDevice(deviceID, event, payload)
	if fmt.Sprintf("%s %s %v", deviceID, event, payload) == p.match {
		p.once.Do(func() { close(p.hit) })
		<-p.gate
	}
}

func TestDeleteDuringCloseCancelsReconnect(t *testing.T) {
	dir := t.TempDir()
	registry, err := device.OpenRegistry(filepath.Join(dir, "devices.json"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	dialer := newFakeDialer()
	credsRoot := filepath.Join(dir, "sessions")
	dev := registry.Create("phone-1", "")
	pub := &gatePub{
		match: dev.ID + " status disconnected",
		hit:   make(chan struct{}),
		gate:  make(chan struct{}),
	}
	m := NewManager(registry, creds.NewStore(credsRoot), dialer, pub, nil, Config{
		ReconnectBase: 200 * time.Millisecond,
		ReconnectMax:  400 * time.Millisecond,
	})
	defer m.Close()

	if err := m.Connect(dev.ID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	tr := dialer.transportFor(dev.ID)
	tr.Emit(transport.ConnectionOpened{PhoneNumber: "628111"})
	waitFor(t, "connected", func() bool {
		d, _ := registry.Get(dev.ID)
		return d != nil && d.Status == device.StatusConnected
	})
	credsDir := filepath.Join(credsRoot, dev.ID)

	// Hold the close handler mid-broadcast and let a delete pile up
	// behind it: the reconnect decided by the close must still be
	// cancelled by the delete.
	tr.CloseWith(errors.New("network"), false)
	<-pub.hit

	delDone := make(chan error, 1)
	go func() { delDone <- m.DeleteSession(dev.ID) }()
	time.Sleep(10 * time.Millisecond)
	close(pub.gate)
	if err := <-delDone; err != nil {
		t.Fatalf("delete session: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	if n := dialer.dialCount(dev.ID); n != 1 {
		t.Errorf("reconnect fired after delete: %d dials", n)
	}
	if _, err := os.Stat(credsDir); !os.IsNotExist(err) {
		t.Error("credential directory recreated after delete")
	}
}

type recordingSink struct {
	mu sync.Mutex
	n  int
}

func (s *recordingSink) Deliver(ctx context.Context, dev *device.Device, env transport.Envelope) {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
}

func (s *recordingSink) deliveries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
