// Package hub tracks the notebooks connected to a relay and delivers
// protocol messages to them. Messages for notebooks that are not connected
// are kept in an outbox and flushed when the notebook reconnects.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/pagelink/internal/metrics"
	"github.com/starford/pagelink/internal/transport"
)

// Session is one connected notebook.
type Session interface {
	Send(ctx context.Context, msg transport.Message) error
	Close() error
}

// Outbox stores messages for offline notebooks.
type Outbox interface {
	SaveMessage(ctx context.Context, uuid, target string, body []byte, now time.Time) error
	TakeMessages(ctx context.Context, target string) ([][]byte, error)
}

type attachReq struct {
	id   string
	s    Session
	prev chan Session
}

type detachReq struct {
	id      string
	s       Session
	removed chan bool
}

type lookupReq struct {
	id   string
	resp chan Session
}

// Hub owns the session table.
//
// A single goroutine owns the table; public methods talk to it over
// channels, so no mutex guards it.
type Hub struct {
	outbox Outbox
	bus    Bus
	log    *slog.Logger
	now    func() time.Time

	stampMu sync.Mutex
	last    time.Time

	// gates holds one *sync.Mutex per notebook. Delivery to a notebook and
	// the flush of its outbox take the gate, so live messages never overtake
	// stored ones.
	gates sync.Map

	attachCh chan attachReq
	detachCh chan detachReq
	lookupCh chan lookupReq
	idsCh    chan chan []string

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithBus shares sessions with other relay instances.
func WithBus(b Bus) Option {
	return func(h *Hub) { h.bus = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

func New(outbox Outbox, opts ...Option) *Hub {
	h := &Hub{
		outbox:   outbox,
		log:      slog.Default(),
		now:      time.Now,
		attachCh: make(chan attachReq),
		detachCh: make(chan detachReq),
		lookupCh: make(chan lookupReq),
		idsCh:    make(chan chan []string),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.loop()
	return h
}

func (h *Hub) loop() {
	defer close(h.stopped)

	sessions := make(map[string]Session)
	for {
		select {
		case <-h.stopCh:
			for _, s := range sessions {
				_ = s.Close()
			}
			return

		case req := <-h.attachCh:
			req.prev <- sessions[req.id]
			sessions[req.id] = req.s

		case req := <-h.detachCh:
			cur, ok := sessions[req.id]
			removed := ok && cur == req.s
			if removed {
				delete(sessions, req.id)
			}
			req.removed <- removed

		case req := <-h.lookupCh:
			req.resp <- sessions[req.id]

		case resp := <-h.idsCh:
			ids := make([]string, 0, len(sessions))
			for id := range sessions {
				ids = append(ids, id)
			}
			resp <- ids
		}
	}
}

// Close stops the loop and closes every session.
func (h *Hub) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	<-h.stopped
}

func (h *Hub) gate(id string) *sync.Mutex {
	g, _ := h.gates.LoadOrStore(id, new(sync.Mutex))
	return g.(*sync.Mutex)
}

// Attach registers s as the session of notebook id, closing a session it
// replaces, then flushes the notebook's stored messages to it. Deliveries to
// id wait until the flush is done.
func (h *Hub) Attach(ctx context.Context, id string, s Session) error {
	g := h.gate(id)
	g.Lock()
	defer g.Unlock()

	prev := make(chan Session, 1)
	select {
	case h.attachCh <- attachReq{id: id, s: s, prev: prev}:
	case <-h.stopped:
		return fmt.Errorf("hub: attach %s: closed", id)
	}
	if old := <-prev; old != nil && old != s {
		h.log.Info("session replaced", slog.String("notebook_uuid", id))
		_ = old.Close()
	}
	if h.bus != nil {
		if err := h.bus.Announce(ctx, id); err != nil {
			h.log.Warn("announce failed", slog.String("notebook_uuid", id), slog.String("error", err.Error()))
		}
	}
	return h.flush(ctx, id, s)
}

func (h *Hub) flush(ctx context.Context, id string, s Session) error {
	stored, err := h.outbox.TakeMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("hub: flush %s: %w", id, err)
	}
	for i, body := range stored {
		var msg transport.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			h.log.Warn("dropping unreadable stored message", slog.String("notebook_uuid", id), slog.String("error", err.Error()))
			continue
		}
		if err := s.Send(ctx, msg); err != nil {
			// Keep what was not delivered for the next connection.
			for _, rest := range stored[i:] {
				h.keep(ctx, id, rest)
			}
			return fmt.Errorf("hub: flush %s: %w", id, err)
		}
		metrics.RelayFanout.WithLabelValues("flushed").Inc()
	}
	if len(stored) > 0 {
		h.log.Info("flushed stored messages", slog.String("notebook_uuid", id), slog.Int("count", len(stored)))
	}
	return nil
}

func (h *Hub) keep(ctx context.Context, id string, body []byte) {
	var msg transport.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return
	}
	if err := h.outbox.SaveMessage(ctx, msg.UUID, id, body, h.stamp()); err != nil {
		h.log.Error("restore message failed", slog.String("notebook_uuid", id), slog.String("error", err.Error()))
	}
}

// Detach removes s if it is still the session of notebook id.
func (h *Hub) Detach(ctx context.Context, id string, s Session) {
	removed := make(chan bool, 1)
	select {
	case h.detachCh <- detachReq{id: id, s: s, removed: removed}:
	case <-h.stopped:
		return
	}
	if <-removed && h.bus != nil {
		if err := h.bus.Withdraw(ctx, id); err != nil {
			h.log.Warn("withdraw failed", slog.String("notebook_uuid", id), slog.String("error", err.Error()))
		}
	}
}

func (h *Hub) lookup(id string) Session {
	resp := make(chan Session, 1)
	select {
	case h.lookupCh <- lookupReq{id: id, resp: resp}:
	case <-h.stopped:
		return nil
	}
	return <-resp
}

// Connected lists the notebooks with a session on this relay.
func (h *Hub) Connected() []string {
	resp := make(chan []string, 1)
	select {
	case h.idsCh <- resp:
	case <-h.stopped:
		return nil
	}
	return <-resp
}

// Online reports whether notebook id has a session on this relay.
func (h *Hub) Online(id string) bool {
	return h.lookup(id) != nil
}

// Deliver sends msg to the notebook's session, to the relay instance
// holding it, or to the outbox.
func (h *Hub) Deliver(ctx context.Context, target string, msg transport.Message) error {
	g := h.gate(target)
	g.Lock()
	defer g.Unlock()

	if s := h.lookup(target); s != nil {
		err := s.Send(ctx, msg)
		if err == nil {
			metrics.RelayFanout.WithLabelValues("online").Inc()
			return nil
		}
		h.log.Warn("send failed, storing message",
			slog.String("notebook_uuid", target),
			slog.String("operation", string(msg.Operation)),
			slog.String("error", err.Error()))
		h.Detach(ctx, target, s)
		_ = s.Close()
	} else if h.bus != nil {
		if ok, err := h.bus.Online(ctx, target); err != nil {
			h.log.Warn("presence lookup failed", slog.String("notebook_uuid", target), slog.String("error", err.Error()))
		} else if ok {
			if err := h.bus.Publish(ctx, target, msg); err == nil {
				metrics.RelayFanout.WithLabelValues("bus").Inc()
				return nil
			}
		}
	}
	return h.store(ctx, target, msg)
}

func (h *Hub) store(ctx context.Context, target string, msg transport.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("hub: encode %s: %w", msg.Operation, err)
	}
	if err := h.outbox.SaveMessage(ctx, msg.UUID, target, body, h.stamp()); err != nil {
		return fmt.Errorf("hub: store for %s: %w", target, err)
	}
	metrics.RelayFanout.WithLabelValues("stored").Inc()
	return nil
}

// stamp returns strictly increasing millisecond times; the outbox replays
// in stamp order.
func (h *Hub) stamp() time.Time {
	h.stampMu.Lock()
	defer h.stampMu.Unlock()
	now := h.now().Truncate(time.Millisecond)
	if !now.After(h.last) {
		now = h.last.Add(time.Millisecond)
	}
	h.last = now
	return now
}

// Run relays bus messages to local sessions and keeps their presence fresh
// until ctx ends. Without a bus it only waits.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}
	go h.refresh(ctx)
	err := h.bus.Subscribe(ctx, func(target string, msg transport.Message) {
		g := h.gate(target)
		g.Lock()
		defer g.Unlock()

		s := h.lookup(target)
		if s == nil {
			if err := h.store(ctx, target, msg); err != nil {
				h.log.Error("store bus message failed", slog.String("error", err.Error()))
			}
			return
		}
		if err := s.Send(ctx, msg); err != nil {
			h.log.Warn("bus delivery failed", slog.String("notebook_uuid", target), slog.String("error", err.Error()))
			if err := h.store(ctx, target, msg); err != nil {
				h.log.Error("store bus message failed", slog.String("error", err.Error()))
			}
			return
		}
		metrics.RelayFanout.WithLabelValues("online").Inc()
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (h *Hub) refresh(ctx context.Context) {
	ticker := time.NewTicker(h.bus.TTL() / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range h.Connected() {
				if err := h.bus.Announce(ctx, id); err != nil {
					h.log.Warn("announce failed", slog.String("notebook_uuid", id), slog.String("error", err.Error()))
				}
			}
		}
	}
}
