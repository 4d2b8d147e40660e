// Package events provides a per-project change feed for connected editors.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/wide-ide/wide/internal/metrics"
	"github.com/wide-ide/wide/internal/protocol"
)

const (
	EventSave   = "save"
	EventMkdir  = "mkdir"
	EventMove   = "move"
	EventDelete = "delete"
)

// Event is a file change inside a project.
type Event = protocol.Event

// subscriberBuffer is how many events a slow consumer may lag behind
// before further events are dropped for it.
const subscriberBuffer = 64

// Broadcaster fans change events out to subscribers of one topic. Topics
// are opaque strings; the server uses the stored project key.
type Broadcaster struct {
	mu     sync.RWMutex
	topics map[string]map[chan Event]struct{}
	count  int
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		topics: make(map[string]map[chan Event]struct{}),
	}
}

// Subscribe adds a subscriber to topic and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(topic string) chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[chan Event]struct{})
		b.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	b.count++
	n := b.count
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown
// channels are ignored.
func (b *Broadcaster) Unsubscribe(topic string, ch chan Event) {
	b.mu.Lock()
	subs := b.topics[topic]
	if _, ok := subs[ch]; !ok {
		b.mu.Unlock()
		return
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
	close(ch)
	b.count--
	n := b.count
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish sends an event to every subscriber of topic. Non-blocking:
// drops events for slow consumers.
func (b *Broadcaster) Publish(topic string, event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.topics[topic] {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Count returns the current number of subscribers across all topics.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
