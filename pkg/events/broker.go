// Package events pushes drain and maintenance notices to browsers over
// Server-Sent Events.
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

const (
	TypeConnected          = "connected"
	TypeDrain              = "drain"
	TypeMaintenanceCleared = "maintenance_cleared"

	// DefaultHeartbeat keeps idle connections open through proxies
	DefaultHeartbeat = 15 * time.Second

	subscriberBuffer = 16
)

// Event is one SSE message
type Event struct {
	Type string
	Data any
}

// DrainNotice is the payload of a drain event
type DrainNotice struct {
	Message        string    `json:"message"`
	Countdown      int       `json:"countdown"`
	ForcedLogoutAt time.Time `json:"forced_logout_at"`
}

// NewDrainNotice builds a notice that forces logout after countdown
func NewDrainNotice(message string, countdown time.Duration, now time.Time) DrainNotice {
	return DrainNotice{
		Message:        message,
		Countdown:      int(countdown / time.Second),
		ForcedLogoutAt: now.Add(countdown).UTC(),
	}
}

// Broker fans events out to every connected client. Slow clients drop
// events instead of blocking publishers.
type Broker struct {
	heartbeat time.Duration

	mu          sync.Mutex
	subscribers map[chan Event]struct{}

	done      chan struct{}
	closeOnce sync.Once

	onChange func(count int)
}

// NewBroker creates a broker. A zero heartbeat uses DefaultHeartbeat.
func NewBroker(heartbeat time.Duration) *Broker {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Broker{
		heartbeat:   heartbeat,
		subscribers: make(map[chan Event]struct{}),
		done:        make(chan struct{}),
	}
}

// Close ends every open stream so an HTTP server shutdown does not wait on them
func (b *Broker) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// OnSubscribersChanged registers a callback invoked with the new subscriber count
func (b *Broker) OnSubscribersChanged(fn func(count int)) {
	b.onChange = fn
}

// Subscribe registers a client. The returned cancel func must be called.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	count := len(b.subscribers)
	b.mu.Unlock()
	b.notify(count)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			count := len(b.subscribers)
			b.mu.Unlock()
			b.notify(count)
		})
	}
}

// Publish sends an event to all subscribers and returns how many received it
func (b *Broker) Publish(eventType string, data any) int {
	ev := Event{Type: eventType, Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for ch := range b.subscribers {
		select {
		case ch <- ev:
			delivered++
		default:
			klog.V(2).InfoS("Dropping event for slow subscriber", "type", eventType)
		}
	}

	klog.V(2).InfoS("Published event", "type", eventType, "subscribers", len(b.subscribers), "delivered", delivered)
	return delivered
}

// Subscribers returns the number of connected clients
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Broker) notify(count int) {
	if b.onChange != nil {
		b.onChange(count)
	}
}

// ServeHTTP streams events until the client disconnects
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel := b.Subscribe()
	defer cancel()

	if err := writeEvent(w, Event{
		Type: TypeConnected,
		Data: map[string]string{"message": "SSE connection established"},
	}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-b.done:
			return
		case ev := <-ch:
			if err := writeEvent(w, ev); err != nil {
				klog.V(2).InfoS("SSE client write failed", "error", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
