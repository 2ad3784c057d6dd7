package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edqueue/edqueue/internal/platform/websocket"
)

// memoryRelay fans payloads out to every running subscriber, like a broker.
type memoryRelay struct {
	mu       sync.Mutex
	handlers []func([]byte)
	failWith error
	started  chan struct{}
}

func newMemoryRelay() *memoryRelay {
	return &memoryRelay{started: make(chan struct{}, 8)}
}

func (m *memoryRelay) Publish(_ context.Context, payload []byte) error {
	if m.failWith != nil {
		return m.failWith
	}
	m.mu.Lock()
	hs := append([]func([]byte){}, m.handlers...)
	m.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
	return nil
}

func (m *memoryRelay) Run(ctx context.Context, handler func([]byte)) error {
	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	m.mu.Unlock()
	m.started <- struct{}{}
	<-ctx.Done()
	return nil
}

func (m *memoryRelay) Close() error { return nil }

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e websocket.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) snapshot() []websocket.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]websocket.Event(nil), r.events...)
}

func TestBridge_LocalOnly(t *testing.T) {
	local := &recordingPublisher{}
	b := NewBridge(local, nil, "node-a", zerolog.Nop())

	if err := b.Publish(context.Background(), websocket.Event{Type: "ticket.created", Topic: "hospital:h1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := local.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 local event, got %d", len(got))
	}
	if got[0].Origin != "node-a" {
		t.Errorf("expected origin node-a, got %q", got[0].Origin)
	}
	if err := b.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
}

func TestBridge_RelaysBetweenInstances(t *testing.T) {
	relay := newMemoryRelay()
	localA, localB := &recordingPublisher{}, &recordingPublisher{}
	a := NewBridge(localA, relay, "node-a", zerolog.Nop())
	b := NewBridge(localB, relay, "node-b", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)
	<-relay.started
	<-relay.started

	if err := a.Publish(ctx, websocket.Event{Type: "queue.updated", Topic: "hospital:h1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := len(localA.snapshot()); n != 1 {
		t.Errorf("expected origin instance to deliver once, got %d", n)
	}
	gotB := localB.snapshot()
	if len(gotB) != 1 {
		t.Fatalf("expected peer instance to receive 1 event, got %d", len(gotB))
	}
	if gotB[0].Type != "queue.updated" || gotB[0].Origin != "node-a" {
		t.Errorf("unexpected relayed event %+v", gotB[0])
	}
}

func TestBridge_RelayFailureStillDeliversLocally(t *testing.T) {
	relay := newMemoryRelay()
	relay.failWith = errors.New("broker down")
	local := &recordingPublisher{}
	b := NewBridge(local, relay, "node-a", zerolog.Nop())

	err := b.Publish(context.Background(), websocket.Event{Type: "alert.critical"})
	if err == nil {
		t.Fatal("expected relay error")
	}
	if len(local.snapshot()) != 1 {
		t.Error("expected local delivery despite relay failure")
	}
}

func TestBridge_RunSkipsUndecodable(t *testing.T) {
	relay := newMemoryRelay()
	local := &recordingPublisher{}
	b := NewBridge(local, relay, "node-a", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	<-relay.started

	relay.Publish(ctx, []byte("{not json"))
	if len(local.snapshot()) != 0 {
		t.Error("expected undecodable payload to be dropped")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected run error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBridge_RunWithoutRelayBlocksUntilCancel(t *testing.T) {
	b := NewBridge(&recordingPublisher{}, nil, "node-a", zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Run(ctx); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
