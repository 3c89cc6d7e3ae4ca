// Package sse streams notebook events to local clients: vault page changes,
// sync status of shared pages and new notifications.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/pagelink/internal/models"
)

// Event types.
const (
	TypePageCreated       = "page.created"
	TypePageUpdated       = "page.updated"
	TypePageDeleted       = "page.deleted"
	TypePageSynced        = "page.synced"
	TypeIndexUpdated      = "index.updated"
	TypeNotification      = "notification.created"
	TypeNotificationGone  = "notification.dismissed"
	TypeConnectionChanged = "relay.connection"
)

// DefaultHeartbeat is how often an idle stream receives a comment line.
const DefaultHeartbeat = 25 * time.Second

var pageEventTypes = map[string]string{
	"created": TypePageCreated,
	"updated": TypePageUpdated,
	"deleted": TypePageDeleted,
}

// Event is one server-sent event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// envelope is what the loop receives. page marks vault changes, which also
// feed the index.updated throttle.
type envelope struct {
	event Event
	page  bool
}

// Broker fans events out to subscribers. The subscriber set lives in one
// goroutine; the exported methods talk to it over channels.
type Broker struct {
	throttle  time.Duration
	heartbeat time.Duration
	lastID    atomic.Uint64

	join  chan chan []byte
	leave chan chan []byte
	in    chan envelope
	count chan chan int

	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// NewBroker creates a broker that emits index.updated at most once per
// indexThrottle.
func NewBroker(indexThrottle time.Duration) *Broker {
	if indexThrottle <= 0 {
		indexThrottle = 2 * time.Second
	}
	b := &Broker{
		throttle:  indexThrottle,
		heartbeat: DefaultHeartbeat,
		join:      make(chan chan []byte),
		leave:     make(chan chan []byte),
		in:        make(chan envelope, 256),
		count:     make(chan chan int),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.loop()
	return b
}

// frame renders ev in the text/event-stream wire format.
func (b *Broker) frame(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "id: %d\nevent: %s\ndata: %s\n\n", b.lastID.Add(1), ev.Type, payload), nil
}

func (b *Broker) loop() {
	defer close(b.done)

	subs := make(map[chan []byte]struct{})
	var indexedAt time.Time

	send := func(ev Event) {
		msg, err := b.frame(ev)
		if err != nil {
			return
		}
		for ch := range subs {
			select {
			case ch <- msg:
			default:
				// subscriber is behind; it misses this event
			}
		}
	}

	for {
		select {
		case <-b.quit:
			for ch := range subs {
				close(ch)
			}
			return

		case ch := <-b.join:
			subs[ch] = struct{}{}

		case ch := <-b.leave:
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}

		case env := <-b.in:
			send(env.event)
			if env.page && time.Since(indexedAt) >= b.throttle {
				indexedAt = time.Now()
				send(Event{Type: TypeIndexUpdated, Data: map[string]string{}})
			}

		case reply := <-b.count:
			reply <- len(subs)
		}
	}
}

// submit hands env to the loop unless the broker is shut down.
func (b *Broker) submit(env envelope) {
	if b.closed.Load() {
		return
	}
	select {
	case b.in <- env:
	case <-b.done:
	}
}

// Close stops the loop and closes every subscriber channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.quit)
	}
	<-b.done
}

// Subscribe registers a new subscriber. The returned channel is closed when
// the subscriber leaves or the broker shuts down.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.join <- ch:
	case <-b.done:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.leave <- ch:
	case <-b.done:
	}
}

// ClientCount returns the number of live subscribers.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	reply := make(chan int, 1)
	select {
	case b.count <- reply:
	case <-b.done:
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-b.done:
		return 0
	}
}

// Publish sends an event to every subscriber.
func (b *Broker) Publish(event Event) {
	b.submit(envelope{event: event})
}

// PublishPageEvent reports a vault page change and a throttled
// index.updated. Unknown kinds are ignored.
func (b *Broker) PublishPageEvent(kind, path string) {
	typ, ok := pageEventTypes[kind]
	if !ok {
		return
	}
	b.submit(envelope{event: Event{Type: typ, Data: map[string]string{"path": path}}, page: true})
}

// Notify publishes a notification. It satisfies the notifier interfaces of
// the sync core and the request client.
func (b *Broker) Notify(_ context.Context, n models.Notification) error {
	b.Publish(Event{Type: TypeNotification, Data: n})
	return nil
}

// ServeHTTP streams events (GET /api/events) until the client disconnects
// or the broker closes.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	beat := time.NewTicker(b.heartbeat)
	defer beat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-beat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
