package notify

import (
	"encoding/json"
	"sync"
	"time"

	"perfwatch/internal/storage"
)

// EventType classifies incident transitions.
type EventType string

const (
	IncidentCreated      EventType = "incident.created"
	IncidentResolved     EventType = "incident.resolved"
	IncidentAcknowledged EventType = "incident.acknowledged"
)

// Event 携带状态变更时刻的事故快照。
type Event struct {
	Type      EventType        `json:"type"`
	Incident  storage.Incident `json:"incident"`
	Timestamp time.Time        `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Publisher accepts events for best-effort delivery.
type Publisher interface {
	Publish(evt Event)
}

// Bus is an in-process pub/sub fan-out. Nothing is persisted or retried.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers, dropping it for any whose buffer is full.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel of events. Call Release (or Unsubscribe) with the same id when done.
// Subscribing twice with one id replaces the earlier channel.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Release unsubscribes ch only if it is still the channel registered under id.
// A subscriber whose id was taken over by a later Subscribe leaves the newer one alone.
func (b *Bus) Release(id string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.subscribers[id]; ok && cur == ch {
		close(cur)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = Discard{}
)
