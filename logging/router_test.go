package logging

import (
	"context"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Write(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) Close(context.Context) error { return nil }

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]Event, len(s.events))
	copy(copied, s.events)
	return copied
}

func TestRouterDeliversToSinks(t *testing.T) {
	sink := &captureSink{}
	cfg := DefaultConfig()
	router, err := NewRouter(SystemClock{}, cfg, []NamedSink{{Name: "capture", Sink: sink}})
	if err != nil {
		t.Fatalf("NewRouter returned error: %v", err)
	}

	router.Publish(context.Background(), Event{
		Type:     "lifecycle.peer_joined",
		Tick:     7,
		Actor:    EntityRef{ID: "peer-1", Kind: EntityKindPeer},
		Severity: SeverityInfo,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != "lifecycle.peer_joined" || events[0].Tick != 7 {
		t.Fatalf("unexpected event delivered: %+v", events[0])
	}
	if events[0].Time.IsZero() {
		t.Fatalf("expected router to stamp event time")
	}
}

func TestRouterFiltersBelowMinimumSeverity(t *testing.T) {
	sink := &captureSink{}
	cfg := DefaultConfig()
	cfg.MinimumSeverity = SeverityWarn
	router, err := NewRouter(SystemClock{}, cfg, []NamedSink{{Name: "capture", Sink: sink}})
	if err != nil {
		t.Fatalf("NewRouter returned error: %v", err)
	}

	router.Publish(context.Background(), Event{Type: "replication.write_rejected", Severity: SeverityDebug})
	router.Publish(context.Background(), Event{Type: "network.ack_regression", Severity: SeverityWarn})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected severity filter to keep 1 event, got %d", len(events))
	}
	if events[0].Type != "network.ack_regression" {
		t.Fatalf("wrong event survived the filter: %s", events[0].Type)
	}
}

func TestRouterAttachesStaticFields(t *testing.T) {
	sink := &captureSink{}
	cfg := DefaultConfig()
	cfg.Fields = map[string]any{"node": "server-1"}
	router, err := NewRouter(SystemClock{}, cfg, []NamedSink{{Name: "capture", Sink: sink}})
	if err != nil {
		t.Fatalf("NewRouter returned error: %v", err)
	}

	router.Publish(context.Background(), Event{Type: "lifecycle.entity_registered", Severity: SeverityInfo})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Extra["node"] != "server-1" {
		t.Fatalf("expected static field on event, got %+v", events[0].Extra)
	}
}
