// Package session owns the mapping from device identity to live protocol
// session. It drives the per-device connect/disconnect/reconnect state
// machine, keeps the device registry in sync with connection reality, and
// arbitrates the shared outbound send path.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freewahq/freewa/internal/creds"
	"github.com/freewahq/freewa/internal/device"
	"github.com/freewahq/freewa/internal/transport"
)

// Broadcast event names, scoped per device by the publisher.
const (
	EventStatus  = "status"
	EventQR      = "qr"
	EventMessage = "message"
)

// Publisher fans a device-scoped event out to all subscribers of that
// device plus a global devices-list snapshot. EmitDevice may be called
// with the manager lock held: implementations must not block and must not
// call back into the Manager.
type Publisher interface {
	EmitDevice(deviceID, event string, payload any)
}

// InboundSink receives inbound message envelopes for external delivery
// (webhook dispatch, chat persistence). Implementations must tolerate
// concurrent calls and must not block indefinitely.
type InboundSink interface {
	Deliver(ctx context.Context, dev *device.Device, env transport.Envelope)
}

// Config tunes the manager. Zero values are filled with defaults.
type Config struct {
	// CountryCode replaces a leading "0" in recipient numbers.
	CountryCode string

	// DomainSuffix is appended to normalized recipients.
	DomainSuffix string

	// DialTimeout bounds one transport connect attempt. Zero means no limit.
	DialTimeout time.Duration

	// ReconnectBase and ReconnectMax bound the exponential reconnect backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

func (c *Config) fillDefaults() {
	if c.CountryCode == "" {
		c.CountryCode = "62"
	}
	if c.DomainSuffix == "" {
		c.DomainSuffix = "@s.whatsapp.net"
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 2 * time.Second
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = 60 * time.Second
	}
}

// liveSession wraps one device's transport handle. tr is nil while the
// dial is still in flight; the entry in Manager.sessions is what makes
// Connect idempotent during that window.
type liveSession struct {
	tr     transport.Transport
	manual atomic.Bool // set by Disconnect: suppresses reconnect on the close event
}

// retryState tracks the reconnect cycle for one device. attempts counts
// consecutive failures since the last successful open; timer is non-nil
// while a reconnect is scheduled.
type retryState struct {
	attempts int
	timer    *time.Timer
}

// Manager is the device session manager. All shared state lives behind one
// mutex; per-device transport events are processed by one goroutine per
// live session, so devices never block each other.
type Manager struct {
	registry *device.Registry
	creds    *creds.Store
	dialer   transport.Dialer
	pub      Publisher
	inbound  InboundSink
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*liveSession
	qr       map[string]string
	retries  map[string]*retryState
	closed   bool
}

// NewManager creates a session manager. inbound may be nil when no
// external delivery is wanted.
func NewManager(registry *device.Registry, credStore *creds.Store, dialer transport.Dialer, pub Publisher, inbound InboundSink, cfg Config) *Manager {
	cfg.fillDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry: registry,
		creds:    credStore,
		dialer:   dialer,
		pub:      pub,
		inbound:  inbound,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*liveSession),
		qr:       make(map[string]string),
		retries:  make(map[string]*retryState),
	}
}

// SetNormalization swaps the recipient normalization rule, used by config
// hot reload.
func (m *Manager) SetNormalization(countryCode, domainSuffix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if countryCode != "" {
		m.cfg.CountryCode = countryCode
	}
	if domainSuffix != "" {
		m.cfg.DomainSuffix = domainSuffix
	}
}

// normalization returns the current normalization rule.
func (m *Manager) normalization() (countryCode, domainSuffix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.CountryCode, m.cfg.DomainSuffix
}

// Connect establishes a session for the device. Calling it while a session
// exists (or is still dialing) is a no-op. A dial failure is not surfaced:
// it enters the same backoff reconnect cycle as a dropped connection.
// Registry lookup misses are surfaced and never retried.
func (m *Manager) Connect(id string) error {
	if _, err := m.registry.Get(id); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("session manager is shut down")
	}
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		slog.Info("device already has an active session", "device", id)
		return nil
	}
	ls := &liveSession{}
	m.sessions[id] = ls
	// A manual connect supersedes any scheduled retry for the device.
	m.stopRetryTimerLocked(id)
	m.mu.Unlock()

	dir, err := m.creds.Resolve(id)
	if err != nil {
		m.mu.Lock()
		if m.sessions[id] == ls {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		return err
	}

	// Status writes happen under the lock that proves ownership: a
	// Disconnect racing this connect must not be overwritten afterwards.
	m.mu.Lock()
	if m.sessions[id] != ls {
		m.mu.Unlock()
		return nil
	}
	m.setStatus(id, device.StatusConnecting, "")
	m.mu.Unlock()

	dialCtx := m.ctx
	if m.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(m.ctx, m.cfg.DialTimeout)
		defer cancel()
	}

	tr, err := m.dialer.Dial(dialCtx, id, dir)
	if err != nil {
		slog.Error("transport dial failed", "device", id, "error", err)
		m.mu.Lock()
		if m.sessions[id] == ls {
			delete(m.sessions, id)
			attempt := m.nextAttemptLocked(id)
			m.setStatus(id, device.StatusDisconnected, "")
			m.pub.EmitDevice(id, EventStatus, string(device.StatusDisconnected))
			m.scheduleReconnectLocked(id, attempt)
		}
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	if m.sessions[id] != ls {
		// Disconnected or deleted while the dial was in flight.
		m.mu.Unlock()
		tr.Terminate()
		return nil
	}
	ls.tr = tr
	m.mu.Unlock()

	m.wg.Add(1)
	go m.eventLoop(id, ls)
	return nil
}

// Disconnect tears down the device's session and cancels any pending
// reconnect. Disconnecting a device with no session is a no-op.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	m.cancelRetryLocked(id)
	ls := m.sessions[id]
	if ls == nil {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	delete(m.qr, id)
	ls.manual.Store(true)
	m.setStatus(id, device.StatusDisconnected, "")
	m.pub.EmitDevice(id, EventStatus, string(device.StatusDisconnected))
	m.mu.Unlock()

	// Terminate outside the lock: the event loop may be mid-event and
	// need the lock before it can drain the close.
	if ls.tr != nil {
		ls.tr.Terminate()
	}
	slog.Info("device disconnected", "device", id)
}

// DeleteSession disconnects the device and removes its stored credentials.
// Safe to call for devices that were never connected.
func (m *Manager) DeleteSession(id string) error {
	m.Disconnect(id)
	return m.creds.DeleteAll(id)
}

// GetQRCode returns the most recent pairing code for the device, or ""
// when the device is not waiting for a scan.
func (m *Manager) GetQRCode(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.qr[id]
}

// IsDeviceConnected reports whether the device has a live session handle.
func (m *Manager) IsDeviceConnected(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

// Close terminates every session and waits for all event loops and
// in-flight deliveries to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id := range m.retries {
		m.cancelRetryLocked(id)
	}
	open := make([]*liveSession, 0, len(m.sessions))
	for id, ls := range m.sessions {
		open = append(open, ls)
		delete(m.sessions, id)
		delete(m.qr, id)
	}
	m.mu.Unlock()

	m.cancel()
	for _, ls := range open {
		ls.manual.Store(true)
		if ls.tr != nil {
			ls.tr.Terminate()
		}
	}
	m.wg.Wait()
}

// eventLoop consumes one session's transport events in emission order.
// Unrecognized event variants are dropped.
func (m *Manager) eventLoop(id string, ls *liveSession) {
	defer m.wg.Done()

	sawClose := false
	for ev := range ls.tr.Events() {
		switch ev := ev.(type) {
		case transport.CredentialsUpdated:
			m.persistCredentials(id, ev)
		case transport.QRReceived:
			m.handleQR(id, ls, ev)
		case transport.ConnectionOpened:
			m.handleOpen(id, ls, ev)
		case transport.MessageReceived:
			m.handleMessage(id, ev)
		case transport.ConnectionClosed:
			sawClose = true
			m.handleClose(id, ls, ev)
		}
	}

	if !sawClose {
		// Transport went away without a close event; bookkeeping still has
		// to converge on disconnected.
		m.handleClose(id, ls, transport.ConnectionClosed{Reason: errors.New("event stream ended")})
	}
}

// persistCredentials runs the save callback synchronously so rotated key
// material is on disk before any later event is processed. A failure is an
// accepted degraded mode: the device may need re-pairing after a restart.
func (m *Manager) persistCredentials(id string, ev transport.CredentialsUpdated) {
	if ev.Save == nil {
		return
	}
	if err := ev.Save(m.ctx); err != nil {
		slog.Error("credential persistence failed", "device", id, "error", err)
	}
}

func (m *Manager) handleQR(id string, ls *liveSession, ev transport.QRReceived) {
	m.mu.Lock()
	if m.sessions[id] != ls {
		// The session was torn down while this event sat in the queue.
		m.mu.Unlock()
		return
	}
	m.qr[id] = ev.Code
	m.setStatus(id, device.StatusScanQR, "")
	m.pub.EmitDevice(id, EventQR, ev.Code)
	m.pub.EmitDevice(id, EventStatus, string(device.StatusScanQR))
	m.mu.Unlock()

	slog.Info("pairing code received", "device", id)
}

func (m *Manager) handleOpen(id string, ls *liveSession, ev transport.ConnectionOpened) {
	m.mu.Lock()
	if m.sessions[id] != ls {
		m.mu.Unlock()
		return
	}
	delete(m.qr, id)
	delete(m.retries, id) // healthy session resets the backoff cycle
	m.setStatus(id, device.StatusConnected, ev.PhoneNumber)
	m.pub.EmitDevice(id, EventStatus, string(device.StatusConnected))
	m.pub.EmitDevice(id, EventQR, nil)
	m.mu.Unlock()

	slog.Info("device connected", "device", id, "phone", ev.PhoneNumber)
}

func (m *Manager) handleMessage(id string, ev transport.MessageReceived) {
	env := ev.Envelope
	if env.FromSelf {
		return
	}

	m.pub.EmitDevice(id, EventMessage, map[string]any{
		"from":      env.From,
		"name":      env.SenderName,
		"message":   env.Text,
		"timestamp": env.Timestamp.Unix(),
	})

	if m.inbound == nil {
		return
	}
	dev, err := m.registry.Get(id)
	if err != nil {
		slog.Warn("inbound message for unknown device", "device", id)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.inbound.Deliver(m.ctx, dev, env)
	}()
}

func (m *Manager) handleClose(id string, ls *liveSession, ev transport.ConnectionClosed) {
	m.mu.Lock()
	if m.sessions[id] != ls {
		// Disconnect or Close already did the bookkeeping for this handle.
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	delete(m.qr, id)
	m.setStatus(id, device.StatusDisconnected, "")
	m.pub.EmitDevice(id, EventStatus, string(device.StatusDisconnected))

	reconnect := !ev.IsLogout && !ls.manual.Load() && !m.closed
	if reconnect {
		// Armed before the lock is released: a Disconnect or delete that
		// runs next finds the timer and cancels it, never a gap.
		m.scheduleReconnectLocked(id, m.nextAttemptLocked(id))
	}
	m.mu.Unlock()

	slog.Info("connection closed", "device", id, "reason", ev.Reason, "logout", ev.IsLogout, "reconnect", reconnect)
}

// scheduleReconnectLocked arms a backoff timer that re-enters Connect. The
// timer entry is the cancellation token: Disconnect and DeleteSession clear
// it under the lock, and a fired timer re-checks it before doing anything,
// so a deleted device can never be resurrected by a stale timer. Must be
// called with m.mu held.
func (m *Manager) scheduleReconnectLocked(id string, attempt int) {
	if m.closed {
		return
	}
	if _, live := m.sessions[id]; live {
		return
	}
	rs := m.retries[id]
	if rs == nil {
		rs = &retryState{attempts: attempt + 1}
		m.retries[id] = rs
	}
	if rs.timer != nil {
		return
	}
	delay := reconnectDelay(m.cfg.ReconnectBase, m.cfg.ReconnectMax, attempt)
	rs.timer = time.AfterFunc(delay, func() { m.retryFire(id) })
	slog.Info("reconnect scheduled", "device", id, "attempt", attempt+1, "delay", delay)
}

func (m *Manager) retryFire(id string) {
	m.mu.Lock()
	rs := m.retries[id]
	if rs == nil || rs.timer == nil {
		// Cancelled between firing and acquiring the lock.
		m.mu.Unlock()
		return
	}
	rs.timer = nil
	m.mu.Unlock()

	if err := m.Connect(id); err != nil {
		slog.Warn("reconnect aborted", "device", id, "error", err)
	}
}

// nextAttemptLocked returns the current attempt index and advances the
// counter. Must be called with m.mu held.
func (m *Manager) nextAttemptLocked(id string) int {
	rs := m.retries[id]
	if rs == nil {
		rs = &retryState{}
		m.retries[id] = rs
	}
	attempt := rs.attempts
	rs.attempts++
	return attempt
}

// stopRetryTimerLocked stops a scheduled reconnect but keeps the attempt
// counter. Must be called with m.mu held.
func (m *Manager) stopRetryTimerLocked(id string) {
	if rs := m.retries[id]; rs != nil && rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
}

// cancelRetryLocked stops a scheduled reconnect and forgets the attempt
// counter. Must be called with m.mu held.
func (m *Manager) cancelRetryLocked(id string) {
	rs := m.retries[id]
	if rs == nil {
		return
	}
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
	delete(m.retries, id)
}

// setStatus records a status transition in the registry. A missing device
// is tolerated: deletion races the final close event of its session.
// Called with m.mu held so the write cannot outlive the ownership check
// that justified it.
func (m *Manager) setStatus(id string, status device.Status, phoneNumber string) {
	if _, err := m.registry.UpdateStatus(id, status, phoneNumber); err != nil {
		slog.Debug("status update skipped", "device", id, "status", status, "error", err)
	}
}
