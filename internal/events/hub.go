package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types.
const (
	TypeRegistered        = "extension:registered"
	TypeLoaded            = "extension:loaded"
	TypeLoadError         = "extension:load-error"
	TypeActivated         = "extension:activated"
	TypeActivationError   = "extension:activation-error"
	TypeDeactivated       = "extension:deactivated"
	TypeDeactivationError = "extension:deactivation-error"
	TypeDisposalError     = "extension:disposal-error"
	TypeUnloaded          = "extension:unloaded"
)

type Event struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	ExtensionID string    `json:"extension_id,omitempty"`
	At          time.Time `json:"at"`
	Data        []byte    `json:"data"` // JSON payload
}

// Hub is an in-memory pub/sub with a ring buffer for late clients and a
// drain cursor for hosts that poll instead of subscribing.
type Hub struct {
	nextID atomic.Int64

	mu        sync.Mutex
	ring      []Event
	start     int
	size      int
	drainedID int64

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Emit publishes a lifecycle event for one extension. The extension id is
// also written into the payload as "extension_id".
func (h *Hub) Emit(eventType, extensionID string, data map[string]any) {
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["extension_id"] = extensionID
	h.publish(eventType, extensionID, payload)
}

// Publish sends a host-level event that is not tied to one extension.
func (h *Hub) Publish(eventType string, data any) {
	h.publish(eventType, "", data)
}

func (h *Hub) publish(eventType, extensionID string, data any) {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	ev := Event{
		ID:          h.nextID.Add(1),
		Type:        eventType,
		ExtensionID: extensionID,
		At:          time.Now().UTC(),
		Data:        payload,
	}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block producers.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinceLocked(lastID)
}

// Drain returns the buffered events not returned by a previous Drain,
// oldest-first. Events that fell out of the ring before being drained are
// lost.
func (h *Hub) Drain() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.sinceLocked(h.drainedID)
	if len(out) > 0 {
		h.drainedID = out[len(out)-1].ID
	}
	return out
}

// LastID is the id of the most recent event, or 0.
func (h *Hub) LastID() int64 {
	return h.nextID.Load()
}

func (h *Hub) sinceLocked(lastID int64) []Event {
	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
