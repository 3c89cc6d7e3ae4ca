package hub

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/pagelink/internal/registry"
	"github.com/starford/pagelink/internal/transport"
)

type fakeSession struct {
	mu     sync.Mutex
	got    []transport.Message
	fail   bool
	closed bool
}

func (s *fakeSession) Send(_ context.Context, msg transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.got = append(s.got, msg)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) messages() []transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Message(nil), s.got...)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// memBus connects hubs in one process.
type memBus struct {
	mu       sync.Mutex
	presence map[string]*memBusNode
	nodes    []*memBusNode
}

type memBusNode struct {
	bus *memBus
	in  chan envelope
}

func newMemBus() *memBus { return &memBus{presence: make(map[string]*memBusNode)} }

func (b *memBus) node() *memBusNode {
	n := &memBusNode{bus: b, in: make(chan envelope, 16)}
	b.mu.Lock()
	b.nodes = append(b.nodes, n)
	b.mu.Unlock()
	return n
}

func (n *memBusNode) Publish(_ context.Context, target string, msg transport.Message) error {
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	for _, other := range n.bus.nodes {
		if other != n {
			other.in <- envelope{Target: target, Message: msg}
		}
	}
	return nil
}

func (n *memBusNode) Subscribe(ctx context.Context, fn func(string, transport.Message)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-n.in:
			fn(env.Target, env.Message)
		}
	}
}

func (n *memBusNode) Online(_ context.Context, target string) (bool, error) {
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	owner, ok := n.bus.presence[target]
	return ok && owner != n, nil
}

func (n *memBusNode) Announce(_ context.Context, target string) error {
	n.bus.mu.Lock()
	n.bus.presence[target] = n
	n.bus.mu.Unlock()
	return nil
}

func (n *memBusNode) Withdraw(_ context.Context, target string) error {
	n.bus.mu.Lock()
	if n.bus.presence[target] == n {
		delete(n.bus.presence, target)
	}
	n.bus.mu.Unlock()
	return nil
}

func (n *memBusNode) TTL() time.Duration { return time.Minute }

func openOutbox(t *testing.T) *registry.Store {
	t.Helper()
	store, err := registry.Open(registry.DriverSQLite, filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func message(t *testing.T, op transport.Operation, data any) transport.Message {
	t.Helper()
	msg, err := transport.NewMessage(op, transport.Source{NotebookUUID: "sender"}, data)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	return msg
}

func TestAttachDetach(t *testing.T) {
	h := New(openOutbox(t))
	defer h.Close()
	ctx := context.Background()

	s := &fakeSession{}
	if err := h.Attach(ctx, "nb-1", s); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !h.Online("nb-1") {
		t.Fatal("expected nb-1 online")
	}
	if got := h.Connected(); len(got) != 1 || got[0] != "nb-1" {
		t.Fatalf("connected = %v", got)
	}

	// A stale session does not detach the current one.
	h.Detach(ctx, "nb-1", &fakeSession{})
	if !h.Online("nb-1") {
		t.Fatal("stale detach removed the session")
	}
	h.Detach(ctx, "nb-1", s)
	if h.Online("nb-1") {
		t.Fatal("expected nb-1 offline")
	}
}

func TestAttachReplacesSession(t *testing.T) {
	h := New(openOutbox(t))
	defer h.Close()
	ctx := context.Background()

	first, second := &fakeSession{}, &fakeSession{}
	if err := h.Attach(ctx, "nb-1", first); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := h.Attach(ctx, "nb-1", second); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !first.isClosed() {
		t.Error("replaced session not closed")
	}

	if err := h.Deliver(ctx, "nb-1", message(t, transport.OpPing, nil)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(first.messages()) != 0 || len(second.messages()) != 1 {
		t.Errorf("delivered to wrong session: first=%d second=%d", len(first.messages()), len(second.messages()))
	}
}

func TestOfflineMessagesFlushInOrder(t *testing.T) {
	h := New(openOutbox(t))
	defer h.Close()
	ctx := context.Background()

	var sent []string
	for i := 0; i < 5; i++ {
		msg := message(t, transport.OpSharePageUpdate, transport.SharePageUpdate{NotebookPageID: "p", Changes: []string{string(rune('a' + i))}})
		sent = append(sent, msg.UUID)
		if err := h.Deliver(ctx, "nb-1", msg); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}

	s := &fakeSession{}
	if err := h.Attach(ctx, "nb-1", s); err != nil {
		t.Fatalf("attach: %v", err)
	}
	got := s.messages()
	if len(got) != len(sent) {
		t.Fatalf("flushed %d messages, want %d", len(got), len(sent))
	}
	for i, msg := range got {
		if msg.UUID != sent[i] {
			t.Errorf("message %d = %s, want %s", i, msg.UUID, sent[i])
		}
	}

	// Nothing is replayed twice.
	again := &fakeSession{}
	if err := h.Attach(ctx, "nb-1", again); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if n := len(again.messages()); n != 0 {
		t.Errorf("replayed %d messages", n)
	}
}

// slowSession starts a live delivery while the first stored message is
// still being sent.
type slowSession struct {
	fakeSession
	once   sync.Once
	onSend func()
}

func (s *slowSession) Send(ctx context.Context, msg transport.Message) error {
	s.once.Do(func() {
		go s.onSend()
		time.Sleep(50 * time.Millisecond)
	})
	return s.fakeSession.Send(ctx, msg)
}

func TestLiveDeliveryWaitsForFlush(t *testing.T) {
	h := New(openOutbox(t))
	defer h.Close()
	ctx := context.Background()

	var want []string
	for i := 0; i < 3; i++ {
		msg := message(t, transport.OpSharePageUpdate, transport.SharePageUpdate{NotebookPageID: "p", Changes: []string{string(rune('a' + i))}})
		want = append(want, msg.UUID)
		if err := h.Deliver(ctx, "nb-1", msg); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	live := message(t, transport.OpPing, nil)
	want = append(want, live.UUID)

	delivered := make(chan error, 1)
	s := &slowSession{onSend: func() { delivered <- h.Deliver(ctx, "nb-1", live) }}
	if err := h.Attach(ctx, "nb-1", s); err != nil {
		t.Fatalf("attach: %v", err)
	}
	select {
	case err := <-delivered:
		if err != nil {
			t.Fatalf("live deliver: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live delivery never finished")
	}

	got := s.messages()
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i, msg := range got {
		if msg.UUID != want[i] {
			t.Errorf("message %d = %s (%s), want %s", i, msg.UUID, msg.Operation, want[i])
		}
	}
}

func TestFailedSendIsStored(t *testing.T) {
	h := New(openOutbox(t))
	defer h.Close()
	ctx := context.Background()

	broken := &fakeSession{fail: true}
	if err := h.Attach(ctx, "nb-1", broken); err != nil {
		t.Fatalf("attach: %v", err)
	}
	msg := message(t, transport.OpSharePage, transport.SharePage{PageUUID: "page", InvitedBy: "sender"})
	if err := h.Deliver(ctx, "nb-1", msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if h.Online("nb-1") {
		t.Error("broken session still attached")
	}
	if !broken.isClosed() {
		t.Error("broken session not closed")
	}

	s := &fakeSession{}
	if err := h.Attach(ctx, "nb-1", s); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := s.messages(); len(got) != 1 || got[0].UUID != msg.UUID {
		t.Fatalf("flushed %v", got)
	}
}

func TestFlushFailureKeepsMessages(t *testing.T) {
	h := New(openOutbox(t))
	defer h.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := h.Deliver(ctx, "nb-1", message(t, transport.OpPing, nil)); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if err := h.Attach(ctx, "nb-1", &fakeSession{fail: true}); err == nil {
		t.Fatal("expected flush error")
	}

	s := &fakeSession{}
	if err := h.Attach(ctx, "nb-1", s); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if n := len(s.messages()); n != 3 {
		t.Errorf("flushed %d messages after retry, want 3", n)
	}
}

func TestBusDeliversAcrossHubs(t *testing.T) {
	bus := newMemBus()
	a := New(openOutbox(t), WithBus(bus.node()))
	defer a.Close()
	b := New(openOutbox(t), WithBus(bus.node()))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()

	s := &fakeSession{}
	if err := b.Attach(ctx, "nb-1", s); err != nil {
		t.Fatalf("attach: %v", err)
	}
	msg := message(t, transport.OpSharePageForce, transport.SharePageForce{NotebookPageID: "p", State: "AA=="})
	if err := a.Deliver(ctx, "nb-1", msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	deadline := time.After(time.Second)
	for len(s.messages()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for bus delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := s.messages()[0]; got.UUID != msg.UUID || got.Operation != transport.OpSharePageForce {
		t.Errorf("got %+v", got)
	}

	// Once withdrawn, the other hub stores instead of publishing.
	b.Detach(ctx, "nb-1", s)
	if err := a.Deliver(ctx, "nb-1", message(t, transport.OpPing, nil)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	late := &fakeSession{}
	if err := a.Attach(ctx, "nb-1", late); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if n := len(late.messages()); n != 1 {
		t.Errorf("stored %d messages, want 1", n)
	}
}

func TestStampIsStrictlyIncreasing(t *testing.T) {
	h := New(openOutbox(t))
	defer h.Close()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	prev := h.stamp()
	for i := 0; i < 10; i++ {
		next := h.stamp()
		if !next.After(prev) {
			t.Fatalf("stamp %v not after %v", next, prev)
		}
		prev = next
	}
}

func TestCloseClosesSessions(t *testing.T) {
	h := New(openOutbox(t))
	s := &fakeSession{}
	if err := h.Attach(context.Background(), "nb-1", s); err != nil {
		t.Fatalf("attach: %v", err)
	}
	h.Close()
	h.Close()
	if !s.isClosed() {
		t.Error("session not closed")
	}
	if err := h.Attach(context.Background(), "nb-2", &fakeSession{}); err == nil {
		t.Error("attach after close should fail")
	}
}
