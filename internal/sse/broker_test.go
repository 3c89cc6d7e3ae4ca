package sse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/starford/pagelink/internal/models"
)

func recv(t *testing.T, ch <-chan []byte) string {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return string(msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return ""
	}
}

func drain(ch <-chan []byte) []string {
	var out []string
	for {
		select {
		case msg := <-ch:
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

// waitClients polls until the broker reports n clients.
func waitClients(t *testing.T, b *Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for b.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, b.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
	if _, ok := <-ch; ok {
		t.Error("unsubscribed channel should be closed")
	}
}

func TestPublishFrame(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: TypePageSynced, Data: map[string]string{"notebookPageId": "inbox/a"}})

	want := "id: 1\nevent: page.synced\ndata: {\"notebookPageId\":\"inbox/a\"}\n\n"
	if got := recv(t, ch); got != want {
		t.Errorf("frame = %q, want %q", got, want)
	}
}

func TestPublishPageEvent_IndexThrottle(t *testing.T) {
	b := NewBroker(500 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Only the first page event inside the window adds index.updated.
	b.PublishPageEvent("created", "inbox/a.md")
	b.PublishPageEvent("updated", "b.md")
	b.PublishPageEvent("deleted", "c.md")
	time.Sleep(50 * time.Millisecond)

	var types []string
	for _, msg := range drain(ch) {
		types = append(types, strings.TrimPrefix(strings.Split(msg, "\n")[1], "event: "))
	}
	want := []string{TypePageCreated, TypeIndexUpdated, TypePageUpdated, TypePageDeleted}
	if !slices.Equal(types, want) {
		t.Errorf("events = %v, want %v", types, want)
	}
}

func TestPublishPageEvent_UnknownKindIgnored(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishPageEvent("renamed", "a.md")
	time.Sleep(50 * time.Millisecond)
	if got := drain(ch); len(got) != 0 {
		t.Errorf("expected no events, got %q", got)
	}
}

func TestServeHTTP(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	waitClients(t, b, 1)

	b.Publish(Event{Type: TypePageUpdated, Data: map[string]string{"path": "x.md"}})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "event: page.updated") {
		t.Errorf("missing event in body %q", w.Body.String())
	}
	waitClients(t, b, 0)
}

func TestServeHTTP_Heartbeat(t *testing.T) {
	b := NewBroker(time.Second)
	b.heartbeat = 20 * time.Millisecond
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	b.ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), ": ping\n\n") {
		t.Errorf("no heartbeat in %q", w.Body.String())
	}
}

func TestServeHTTP_EndsOnClose(t *testing.T) {
	b := NewBroker(time.Second)
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()
	waitClients(t, b, 1)

	b.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not end after Close")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for range 70 {
		b.Publish(Event{Type: "test", Data: map[string]string{"i": "x"}})
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(drain(ch)); got != cap(ch) {
		t.Errorf("buffered %d events, want %d", got, cap(ch))
	}
}

func TestCloseIsIdempotentAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()
	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("subscriber channel should be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
	if b.ClientCount() != 0 {
		t.Errorf("expected 0 clients after close")
	}

	// must not panic or block
	b.Publish(Event{Type: TypePageUpdated, Data: map[string]string{"path": "x.md"}})
	b.PublishPageEvent("updated", "x.md")
	if _, ok := <-b.Subscribe(); ok {
		t.Error("subscribe after close should return a closed channel")
	}
}

func TestNotifyPublishesNotification(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	n := models.Notification{UUID: "n-1", Title: "Shared page", Operation: "SHARE_PAGE"}
	if err := b.Notify(context.Background(), n); err != nil {
		t.Fatal(err)
	}

	msg := recv(t, ch)
	if !strings.Contains(msg, "event: "+TypeNotification) {
		t.Fatalf("missing event type in %q", msg)
	}
	i := strings.Index(msg, "data: ")
	var got models.Notification
	if err := json.Unmarshal([]byte(strings.TrimSpace(msg[i+len("data: "):])), &got); err != nil {
		t.Fatal(err)
	}
	if got.UUID != "n-1" || got.Operation != "SHARE_PAGE" {
		t.Errorf("notification = %+v", got)
	}
}

func TestEventIDsIncrease(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: TypePageSynced, Data: map[string]string{"notebookPageId": "a"}})
	b.Publish(Event{Type: TypePageSynced, Data: map[string]string{"notebookPageId": "b"}})

	first := strings.SplitN(recv(t, ch), "\n", 2)[0]
	second := strings.SplitN(recv(t, ch), "\n", 2)[0]
	if first != "id: 1" || second != "id: 2" {
		t.Errorf("ids = %q, %q", first, second)
	}
}
