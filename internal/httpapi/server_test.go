package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"crabstack.local/projects/crab-observer/internal/event"
	"crabstack.local/projects/crab-observer/internal/hub"
	"crabstack.local/projects/crab-observer/internal/ingest"
	"crabstack.local/projects/crab-observer/internal/platform"
	"crabstack.local/projects/crab-observer/internal/query"
	"crabstack.local/projects/crab-observer/internal/redact"
	"crabstack.local/projects/crab-observer/internal/store"
	"crabstack.local/projects/crab-observer/internal/validate"
)

type testStack struct {
	handler   http.Handler
	store     *store.MemoryStore
	hub       *hub.Hub
	platforms *platform.Registry
}

func newTestStack(t *testing.T, queueSize int) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	h := hub.New(queueSize, logger)
	t.Cleanup(h.Close)
	st.OnCommit(h.Publish)

	registry, err := platform.NewRegistry(context.Background(), platform.NewMemoryStore(), logger)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err := registry.Create(context.Background(), platform.Platform{Name: "claude_code", Enabled: true}); err != nil {
		t.Fatalf("create platform: %v", err)
	}
	redactor, err := redact.New([]string{`api[_-]?key`, `password`, `secret`, `token`}, nil)
	if err != nil {
		t.Fatalf("new redactor: %v", err)
	}
	v := validate.New(registry, validate.Options{Redactor: redactor, MaxPayloadBytes: 256 << 10, Logger: logger})
	gw := ingest.New(ingest.Config{RetryAttempts: 1, MaxBatchSize: 50}, v, st, logger)

	handler := NewHandler(logger, Config{PingInterval: time.Second}, Services{
		Gateway:   gw,
		Query:     query.New(st, query.Config{}),
		Platforms: registry,
		Hub:       h,
		Store:     st,
	})
	return &testStack{handler: handler, store: st, hub: h, platforms: registry}
}

func (s *testStack) do(t *testing.T, method, path string, body any, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func validEvent(session, eventType string, offset time.Duration) map[string]any {
	return map[string]any{
		"platform":   "claude_code",
		"source_app": "cli",
		"session_id": session,
		"event_type": eventType,
		"timestamp":  time.Now().UTC().Add(-time.Hour).Add(offset).Format(time.RFC3339Nano),
		"payload":    map[string]any{"step": offset.String()},
	}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	s := newTestStack(t, 16)
	rr := s.do(t, http.MethodGet, "/healthz", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestSubmitOne_RoundTripRedacted(t *testing.T) {
	s := newTestStack(t, 16)
	ev := validEvent("s1", "tool.invoked", 0)
	ev["payload"] = map[string]any{"api_key": "sk-live-123", "note": "password: hunter2", "input": "ls"}
	ev["custom_field"] = "kept"

	rr := s.do(t, http.MethodPost, "/v1/events", ev, "application/json")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	res := decode[ingest.Result](t, rr)
	if !res.OK || res.ID == "" || res.Sequence != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	rr = s.do(t, http.MethodGet, "/v1/events/"+res.ID, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "sk-live-123") || strings.Contains(rr.Body.String(), "hunter2") {
		t.Fatalf("secret leaked: %s", rr.Body.String())
	}
	got := decode[event.Event](t, rr)
	if got.Payload["api_key"] != redact.Marker {
		t.Fatalf("expected api_key redacted, got %v", got.Payload["api_key"])
	}
	if got.Payload["input"] != "ls" {
		t.Fatalf("unrelated payload changed: %v", got.Payload)
	}
	if got.Extensions["custom_field"] != "kept" {
		t.Fatalf("expected unknown field under extensions, got %v", got.Extensions)
	}

	rr = s.do(t, http.MethodGet, "/v1/export/session/s1?format=jsonl", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected export 200, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "sk-live-123") {
		t.Fatalf("secret leaked through export")
	}
}

func TestSubmitOne_ValidationError(t *testing.T) {
	s := newTestStack(t, 16)
	ev := validEvent("s1", "tool.invoked", 0)
	delete(ev, "session_id")
	delete(ev, "timestamp")

	rr := s.do(t, http.MethodPost, "/v1/events", ev, "application/json")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	res := decode[ingest.Result](t, rr)
	if res.Error == nil || res.Error.Code != ingest.CodeValidationFailed {
		t.Fatalf("unexpected error %+v", res.Error)
	}
	fields := map[string]bool{}
	for _, f := range res.Error.Fields {
		fields[f.Field] = true
	}
	if !fields["session_id"] || !fields["timestamp"] {
		t.Fatalf("expected both missing fields reported, got %+v", res.Error.Fields)
	}
	if head, _ := s.store.Head(context.Background()); head != 0 {
		t.Fatalf("rejected event must not be stored, head=%d", head)
	}
}

func TestSubmitOne_InvalidJSON(t *testing.T) {
	s := newTestStack(t, 16)
	rr := s.do(t, http.MethodPost, "/v1/events", `[1,2]`, "application/json")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSubmitBatch_PartialFailure(t *testing.T) {
	s := newTestStack(t, 16)
	var batch []map[string]any
	for i := range 5 {
		ev := validEvent("s1", "tool.invoked", time.Duration(i)*time.Second)
		if i == 2 {
			delete(ev, "event_type")
		}
		batch = append(batch, ev)
	}

	rr := s.do(t, http.MethodPost, "/v1/events/batch", batch, "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	results := decode[[]ingest.Result](t, rr)
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	var last int64
	for i, res := range results {
		if i == 2 {
			if res.OK || res.Error == nil || res.Error.Fields[0].Field != "event_type" {
				t.Fatalf("expected item 2 rejected on event_type, got %+v", res)
			}
			continue
		}
		if !res.OK || res.Sequence <= last {
			t.Fatalf("expected item %d accepted in order, got %+v", i, res)
		}
		last = res.Sequence
	}

	rr = s.do(t, http.MethodGet, "/v1/sessions/s1/events", nil, "")
	body := decode[struct {
		Events []event.Event `json:"events"`
	}](t, rr)
	if len(body.Events) != 4 {
		t.Fatalf("expected 4 stored events, got %d", len(body.Events))
	}
}

func TestSubmitBatch_NDJSON(t *testing.T) {
	s := newTestStack(t, 16)
	var lines []string
	for i := range 3 {
		data, _ := json.Marshal(validEvent("s1", "llm.request", time.Duration(i)*time.Second))
		lines = append(lines, string(data))
	}
	lines = append(lines, "", "not json")

	rr := s.do(t, http.MethodPost, "/v1/events/batch", strings.Join(lines, "\n"), "application/x-ndjson")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	results := decode[[]ingest.Result](t, rr)
	if len(results) != 4 || !results[0].OK || results[3].OK {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestSubmitBatch_TooLarge(t *testing.T) {
	s := newTestStack(t, 16)
	batch := make([]map[string]any, 51)
	for i := range batch {
		batch[i] = validEvent("s1", "tool.invoked", 0)
	}
	rr := s.do(t, http.MethodPost, "/v1/events/batch", batch, "application/json")
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestQueryEvents_Pagination(t *testing.T) {
	s := newTestStack(t, 16)
	for i := range 5 {
		if rr := s.do(t, http.MethodPost, "/v1/events", validEvent("s1", "tool.invoked", time.Duration(i)*time.Second), "application/json"); rr.Code != http.StatusCreated {
			t.Fatalf("submit %d: %d", i, rr.Code)
		}
	}

	type page struct {
		Events     []event.Event `json:"events"`
		NextCursor string        `json:"next_cursor"`
	}
	var seen []int64
	cursor := ""
	for range 10 {
		path := "/v1/events?platform=claude_code&limit=2"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		rr := s.do(t, http.MethodGet, path, nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		p := decode[page](t, rr)
		for _, ev := range p.Events {
			seen = append(seen, ev.Sequence)
		}
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	if fmt.Sprint(seen) != "[1 2 3 4 5]" {
		t.Fatalf("unexpected pages %v", seen)
	}

	rr := s.do(t, http.MethodGet, "/v1/events?cursor=garbage", nil, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", rr.Code)
	}
}

func TestQueryEvents_SeverityFilter(t *testing.T) {
	s := newTestStack(t, 16)
	s.do(t, http.MethodPost, "/v1/events", validEvent("s1", "tool.invoked", 0), "application/json")
	warning := validEvent("s1", "tool.completed", time.Second)
	warning["severity"] = "warning"
	s.do(t, http.MethodPost, "/v1/events", warning, "application/json")

	rr := s.do(t, http.MethodGet, "/v1/events?severity=Warn", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	p := decode[struct {
		Events []event.Event `json:"events"`
	}](t, rr)
	if len(p.Events) != 1 || p.Events[0].Severity != event.SeverityWarning {
		t.Fatalf("expected the warning event only, got %+v", p.Events)
	}

	for _, path := range []string{"/v1/events?severity=loud", "/v1/analytics/errors?severity=loud"} {
		if rr := s.do(t, http.MethodGet, path, nil, ""); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rr.Code)
		}
	}
	rr = s.do(t, http.MethodPost, "/v1/export/query", map[string]any{
		"filter": map[string]any{"severity": []string{"loud"}},
	}, "application/json")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("export: expected 400, got %d", rr.Code)
	}
}

func TestGetEvent_NotFound(t *testing.T) {
	s := newTestStack(t, 16)
	rr := s.do(t, http.MethodGet, "/v1/events/missing", nil, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestSessionSummary(t *testing.T) {
	s := newTestStack(t, 16)
	start := validEvent("s1", "tool.invoked", 0)
	rr := s.do(t, http.MethodPost, "/v1/events", start, "application/json")
	startID := decode[ingest.Result](t, rr).ID

	end := validEvent("s1", "tool.completed", time.Second)
	end["parent_event_id"] = startID
	end["duration_ms"] = 250
	s.do(t, http.MethodPost, "/v1/events", end, "application/json")

	failure := validEvent("s1", "error.occurred", 2*time.Second)
	failure["severity"] = "error"
	s.do(t, http.MethodPost, "/v1/events", failure, "application/json")

	rr = s.do(t, http.MethodGet, "/v1/sessions/s1/summary", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	summary := decode[query.Summary](t, rr)
	if summary.DurationMS < 250 || summary.ErrorCount != 1 || summary.EventCount != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	rr = s.do(t, http.MethodGet, "/v1/sessions/nope/summary", nil, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestPlatformAdmin(t *testing.T) {
	s := newTestStack(t, 16)
	rr := s.do(t, http.MethodPost, "/v1/platforms", map[string]any{"name": "langchain", "version": "0.2"}, "application/json")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if enabled, known := s.platforms.Known("langchain"); !known || !enabled {
		t.Fatalf("expected langchain enabled, known=%v enabled=%v", known, enabled)
	}
	rr = s.do(t, http.MethodPost, "/v1/platforms", map[string]any{"name": "langchain"}, "application/json")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	rr = s.do(t, http.MethodPut, "/v1/platforms/langchain", map[string]any{"schema_version": "2"}, "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr = s.do(t, http.MethodPost, "/v1/platforms/langchain/disable", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if enabled, _ := s.platforms.Known("langchain"); enabled {
		t.Fatalf("expected langchain disabled")
	}

	rr = s.do(t, http.MethodGet, "/v1/platforms/langchain/schema", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	schema := decode[map[string]any](t, rr)
	if schema["schema_version"] != "2" || schema["enabled"] != false {
		t.Fatalf("unexpected schema %v", schema)
	}

	rr = s.do(t, http.MethodGet, "/v1/platforms/ghost/schema", nil, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	// disabled platforms still ingest, with a warning
	ev := validEvent("s1", "tool.invoked", 0)
	ev["platform"] = "langchain"
	rr = s.do(t, http.MethodPost, "/v1/events", ev, "application/json")
	res := decode[ingest.Result](t, rr)
	if rr.Code != http.StatusCreated || len(res.Warnings) == 0 {
		t.Fatalf("expected accepted with warning, got %d %+v", rr.Code, res)
	}
}

func TestAnalytics(t *testing.T) {
	s := newTestStack(t, 16)
	ev := validEvent("s1", "llm.response", 0)
	ev["model"] = "sonnet"
	ev["tokens"] = map[string]any{"input": 100, "output": 50}
	s.do(t, http.MethodPost, "/v1/events", ev, "application/json")

	rr := s.do(t, http.MethodGet, "/v1/analytics/costs", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	costs := decode[query.CostReport](t, rr)
	if costs.ByModel["sonnet"].Total != 150 {
		t.Fatalf("unexpected costs %+v", costs)
	}

	for _, path := range []string{"/v1/analytics/sessions", "/v1/analytics/agents", "/v1/analytics/errors?latest=5"} {
		if rr := s.do(t, http.MethodGet, path, nil, ""); rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}

	rr = s.do(t, http.MethodGet, "/v1/analytics/errors?from=2020-01-01T00:00:00Z&to=2026-01-01T00:00:00Z", nil, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected oversized range rejected, got %d", rr.Code)
	}
}

func TestExportQuery_JSONArray(t *testing.T) {
	s := newTestStack(t, 16)
	for i := range 3 {
		s.do(t, http.MethodPost, "/v1/events", validEvent("s1", "tool.invoked", time.Duration(i)*time.Second), "application/json")
	}
	rr := s.do(t, http.MethodPost, "/v1/export/query", map[string]any{
		"filter": map[string]any{"session_id": []string{"s1"}},
		"format": "json",
	}, "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	events := decode[[]event.Event](t, rr)
	if len(events) != 3 || events[0].Sequence != 1 {
		t.Fatalf("unexpected export %+v", events)
	}

	rr = s.do(t, http.MethodGet, "/v1/export/session/s1?format=xml", nil, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", rr.Code)
	}
}

func TestExportSession_FilenameEscaped(t *testing.T) {
	s := newTestStack(t, 16)
	id := `odd"id;x=1`
	if rr := s.do(t, http.MethodPost, "/v1/events", validEvent(id, "tool.invoked", 0), "application/json"); rr.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rr.Code, rr.Body.String())
	}
	rr := s.do(t, http.MethodGet, "/v1/export/session/"+url.PathEscape(id)+"?format=jsonl", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	disposition, params, err := mime.ParseMediaType(rr.Header().Get("Content-Disposition"))
	if err != nil {
		t.Fatalf("parse disposition %q: %v", rr.Header().Get("Content-Disposition"), err)
	}
	if disposition != "attachment" || params["filename"] != "session-"+id+".jsonl" || len(params) != 1 {
		t.Fatalf("unexpected disposition %q %v", disposition, params)
	}
}

func TestStats(t *testing.T) {
	s := newTestStack(t, 16)
	s.do(t, http.MethodPost, "/v1/events", validEvent("s1", "tool.invoked", 0), "application/json")
	rr := s.do(t, http.MethodGet, "/v1/stats", nil, "")
	stats := decode[map[string]any](t, rr)
	if stats["head_sequence"] != float64(1) {
		t.Fatalf("unexpected stats %v", stats)
	}
}

func TestIsWebSocketOriginAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://observer.local/v1/stream", nil)
	if !isWebSocketOriginAllowed(req) {
		t.Fatalf("expected missing origin allowed")
	}
	req.Header.Set("Origin", "http://observer.local")
	if !isWebSocketOriginAllowed(req) {
		t.Fatalf("expected same origin allowed")
	}
	req.Header.Set("Origin", "http://evil.example")
	if isWebSocketOriginAllowed(req) {
		t.Fatalf("expected cross origin rejected")
	}
}
