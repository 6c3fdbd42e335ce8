package recognition

import (
	"sync"
	"time"

	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/constants"
)

// EventType identifies what an Event reports.
type EventType string

// Event types delivered to subscribers.
const (
	EventAccepted   EventType = "accepted"
	EventDropped    EventType = "dropped"
	EventUnknown    EventType = "unknown"
	EventDeviceLost EventType = "device_lost"
	EventFaulted    EventType = "faulted"
	EventState      EventType = "state"
)

// Event is one notification from a recognition session.
type Event struct {
	Type       EventType          `json:"type"`
	PersonID   string             `json:"person_id,omitempty"`
	Confidence float64            `json:"confidence"`
	Reason     string             `json:"reason,omitempty"`
	Record     *attendance.Record `json:"record,omitempty"`
	Error      string             `json:"error,omitempty"`
	State      State              `json:"state,omitempty"`
	FrameSeq   uint64             `json:"frame_seq,omitempty"`
	At         time.Time          `json:"at"`
}

// Broadcaster fans events out to subscribers. A subscriber whose buffer is
// full misses events instead of stalling the publisher.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners []chan Event
}

// NewBroadcaster creates a broadcaster without subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers a listener. The returned function unsubscribes and
// closes the channel; calling it twice is safe.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(ch) })
	}
}

func (b *Broadcaster) remove(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish delivers ev to every listener without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- ev:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
