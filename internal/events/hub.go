// Package events broadcasts device-scoped gateway events to subscribers,
// typically WebSocket clients. The hub keeps a per-device {status, qr}
// snapshot so late subscribers can be brought up to date on attach.
package events

import (
	"sync"

	"github.com/freewahq/freewa/internal/device"
)

// Message is one broadcast unit.
type Message struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Subscriber receives broadcast messages. Handlers must not block; the
// WebSocket layer buffers per client and drops on overflow.
type Subscriber func(msg Message)

type deviceState struct {
	status string
	qr     string
}

// DeviceSnapshot is one entry of the devices-list broadcast.
type DeviceSnapshot struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Hub is the process-wide event publisher. It implements
// session.Publisher.
type Hub struct {
	mu          sync.RWMutex
	states      map[string]*deviceState
	order       []string
	subscribers map[string]Subscriber
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		states:      make(map[string]*deviceState),
		subscribers: make(map[string]Subscriber),
	}
}

// Subscribe registers a subscriber under id, replacing any previous one
// with the same id.
func (h *Hub) Subscribe(id string, fn Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[id] = fn
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, id)
}

// EmitDevice updates the device's snapshot from the event and broadcasts
// the device-scoped message followed by the refreshed devices-list.
func (h *Hub) EmitDevice(deviceID, event string, payload any) {
	h.mu.Lock()
	st, ok := h.states[deviceID]
	if !ok {
		st = &deviceState{status: string(device.StatusDisconnected)}
		h.states[deviceID] = st
		h.order = append(h.order, deviceID)
	}

	switch event {
	case "status":
		if s, ok := payload.(string); ok {
			st.status = s
			if s == string(device.StatusConnected) {
				st.qr = ""
			}
		}
	case "qr":
		if s, ok := payload.(string); ok && s != "" {
			st.qr = s
			st.status = string(device.StatusScanQR)
		} else {
			st.qr = ""
		}
	}

	list := h.snapshotLocked()
	subs := h.subscribersLocked()
	h.mu.Unlock()

	msg := Message{Event: "device:" + deviceID + ":" + event, Payload: payload}
	for _, fn := range subs {
		fn(msg)
	}
	listMsg := Message{Event: "devices:list", Payload: list}
	for _, fn := range subs {
		fn(listMsg)
	}
}

// RemoveDevice drops the device's snapshot and broadcasts the shrunken
// devices-list.
func (h *Hub) RemoveDevice(deviceID string) {
	h.mu.Lock()
	delete(h.states, deviceID)
	for i, id := range h.order {
		if id == deviceID {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	list := h.snapshotLocked()
	subs := h.subscribersLocked()
	h.mu.Unlock()

	msg := Message{Event: "devices:list", Payload: list}
	for _, fn := range subs {
		fn(msg)
	}
}

// Replay sends the current device states and list to a single subscriber,
// used when a client attaches.
func (h *Hub) Replay(fn Subscriber) {
	h.mu.RLock()
	type replayItem struct {
		id     string
		status string
		qr     string
	}
	items := make([]replayItem, 0, len(h.order))
	for _, id := range h.order {
		if st, ok := h.states[id]; ok {
			items = append(items, replayItem{id: id, status: st.status, qr: st.qr})
		}
	}
	list := h.snapshotLocked()
	h.mu.RUnlock()

	for _, it := range items {
		fn(Message{Event: "device:" + it.id + ":status", Payload: it.status})
		if it.status == string(device.StatusScanQR) && it.qr != "" {
			fn(Message{Event: "device:" + it.id + ":qr", Payload: it.qr})
		}
	}
	fn(Message{Event: "devices:list", Payload: list})
}

// snapshotLocked builds the devices-list payload. Must be called with h.mu held.
func (h *Hub) snapshotLocked() []DeviceSnapshot {
	list := make([]DeviceSnapshot, 0, len(h.order))
	for _, id := range h.order {
		if st, ok := h.states[id]; ok {
			list = append(list, DeviceSnapshot{ID: id, Status: st.status})
		}
	}
	return list
}

// subscribersLocked copies the subscriber set so broadcasts run without
// holding the lock. Must be called with h.mu held.
func (h *Hub) subscribersLocked() []Subscriber {
	subs := make([]Subscriber, 0, len(h.subscribers))
	for _, fn := range h.subscribers {
		subs = append(subs, fn)
	}
	return subs
}
