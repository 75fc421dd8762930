package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"crabstack.local/projects/crab-observer/internal/event"
)

func TestSubscriberHandle(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := New(logger)

	ev := event.Event{ID: "evt_1", Sequence: 7, SessionID: "sess_1", EventType: "tool.invoked"}
	if err := s.Handle(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name() != "logging" {
		t.Fatalf("unexpected name: %s", s.Name())
	}
	out := buf.String()
	if !strings.Contains(out, "event_id=evt_1") || !strings.Contains(out, "sequence=7") {
		t.Fatalf("expected log output to contain event id and sequence, got %q", out)
	}
}

func TestSubscriberRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	s := New(logger)

	if err := s.Handle(context.Background(), event.Event{ID: "evt_quiet"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("debug-level event should be filtered, got %q", buf.String())
	}

	s.WithLevel(slog.LevelInfo)
	if err := s.Handle(context.Background(), event.Event{ID: "evt_loud"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "evt_loud") {
		t.Fatalf("expected info-level output, got %q", buf.String())
	}
}
