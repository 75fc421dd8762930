package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crabstack.local/projects/crab-observer/internal/event"
	"crabstack.local/projects/crab-observer/internal/store"
	"crabstack.local/projects/crab-observer/internal/subscribers"
)

func TestHandleSuccessfulPost(t *testing.T) {
	var (
		gotMethod  string
		gotHeaders http.Header
		gotBody    []byte
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		gotMethod = r.Method
		gotHeaders = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		gotBody = body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	ev := newTestEvent("tool.completed")
	subscriber := New("webhook-test", server.URL, testLogger())
	if err := subscriber.Handle(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("expected POST, got %s", gotMethod)
	}
	for key, want := range map[string]string{
		"Content-Type":          "application/json",
		"X-Observer-Event-Id":   "evt_1",
		"X-Observer-Sequence":   "42",
		"X-Observer-Platform":   "langchain",
		"X-Observer-Event-Type": "tool.completed",
	} {
		if got := gotHeaders.Get(key); got != want {
			t.Fatalf("header %s = %q, want %q", key, got, want)
		}
	}
	var decoded event.Event
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("decode forwarded body: %v", err)
	}
	if decoded.ID != ev.ID || decoded.Sequence != 42 {
		t.Fatalf("unexpected forwarded event %+v", decoded)
	}
}

func TestHandleClassifiesFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name          string
		status        int
		retryAfter    string
		wantPermanent bool
		wantAfter     time.Duration
	}{
		{name: "bad gateway", status: http.StatusBadGateway},
		{name: "not found", status: http.StatusNotFound, wantPermanent: true},
		{name: "bad request", status: http.StatusBadRequest, wantPermanent: true},
		{name: "rate limited seconds", status: http.StatusTooManyRequests, retryAfter: "2", wantAfter: 2 * time.Second},
		{name: "unavailable date", status: http.StatusServiceUnavailable, retryAfter: now.Add(5 * time.Second).Format(http.TimeFormat), wantAfter: 5 * time.Second},
		{name: "request timeout", status: http.StatusRequestTimeout},
		{name: "garbage retry after", status: http.StatusServiceUnavailable, retryAfter: "soon"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				http.Error(w, "nope", tc.status)
			}))
			defer server.Close()

			subscriber := New("", server.URL, testLogger())
			subscriber.now = func() time.Time { return now }
			err := subscriber.Handle(context.Background(), newTestEvent("tool.completed"))

			var derr *subscribers.DeliveryError
			if !errors.As(err, &derr) {
				t.Fatalf("expected DeliveryError, got %v", err)
			}
			if derr.Status != tc.status || derr.Body != "nope" {
				t.Fatalf("unexpected status/body %d %q", derr.Status, derr.Body)
			}
			if derr.Permanent != tc.wantPermanent || derr.RetryAfter != tc.wantAfter {
				t.Fatalf("permanent=%v retry_after=%v", derr.Permanent, derr.RetryAfter)
			}
		})
	}
}

func TestHandleTruncatesErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, strings.Repeat("x", 64<<10))
	}))
	defer server.Close()

	err := New("", server.URL, testLogger()).Handle(context.Background(), newTestEvent("tool.completed"))
	var derr *subscribers.DeliveryError
	if !errors.As(err, &derr) || len(derr.Body) != maxErrorBodyBytes {
		t.Fatalf("expected body cut to %d bytes, got %v", maxErrorBodyBytes, err)
	}
}

func TestWithEventFilterExposedToRelay(t *testing.T) {
	filter := store.Filter{Severities: []string{"error"}}
	subscriber := New("errors", "http://127.0.0.1:1", testLogger(), WithEventFilter(filter))
	if got := subscriber.Filter(); len(got.Severities) != 1 || got.Severities[0] != "error" {
		t.Fatalf("unexpected filter %+v", got)
	}
}

func TestHandlePostTimeoutReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(250 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := &http.Client{Timeout: 50 * time.Millisecond}
	subscriber := New("webhook-test", server.URL, testLogger(), WithHTTPClient(client))
	err := subscriber.Handle(context.Background(), newTestEvent("tool.completed"))
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if _, ok := subscribers.RetryDelay(err, time.Millisecond, 0); !ok {
		t.Fatalf("transport errors should be retried: %v", err)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEvent(eventType string) event.Event {
	return event.Event{
		ID:         "evt_1",
		Sequence:   42,
		Platform:   "langchain",
		SourceApp:  "support-bot",
		SessionID:  "session_1",
		EventType:  eventType,
		Timestamp:  time.Unix(1_700_000_000, 0).UTC(),
		IngestedAt: time.Unix(1_700_000_001, 0).UTC(),
		Severity:   event.SeverityInfo,
		Payload:    map[string]any{"message": "hello"},
	}
}
