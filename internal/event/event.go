package event

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

type SourceType string

const (
	SourceTypeAgent  SourceType = "agent"
	SourceTypeTool   SourceType = "tool"
	SourceTypeHuman  SourceType = "human"
	SourceTypeSystem SourceType = "system"
)

func ParseSourceType(raw string) (SourceType, bool) {
	switch st := SourceType(strings.ToLower(strings.TrimSpace(raw))); st {
	case SourceTypeAgent, SourceTypeTool, SourceTypeHuman, SourceTypeSystem:
		return st, true
	default:
		return "", false
	}
}

type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func ParseSeverity(raw string) (Severity, bool) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(raw))); sev {
	case SeverityDebug, SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return sev, true
	case "warn":
		return SeverityWarning, true
	default:
		return "", false
	}
}

// IsError reports whether the severity counts towards error totals.
func (s Severity) IsError() bool {
	return s == SeverityError || s == SeverityCritical
}

type Tokens struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

func (t *Tokens) Add(other Tokens) {
	t.Input += other.Input
	t.Output += other.Output
	t.Total += other.Total
}

// Event is the canonical, platform-agnostic record. ID, Sequence and
// IngestedAt are assigned by the server.
type Event struct {
	ID              string         `json:"id,omitempty"`
	Sequence        int64          `json:"sequence,omitempty"`
	Platform        string         `json:"platform"`
	PlatformVersion string         `json:"platform_version,omitempty"`
	SourceApp       string         `json:"source_app"`
	SourceType      SourceType     `json:"source_type,omitempty"`
	AgentID         string         `json:"agent_id,omitempty"`
	SessionID       string         `json:"session_id"`
	ParentEventID   string         `json:"parent_event_id,omitempty"`
	EventType       string         `json:"event_type"`
	EventCategory   string         `json:"event_category,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	IngestedAt      time.Time      `json:"ingested_at"`
	DurationMS      *int64         `json:"duration_ms,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	Model           string         `json:"model,omitempty"`
	Tokens          *Tokens        `json:"tokens,omitempty"`
	Severity        Severity       `json:"severity,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Extensions      map[string]any `json:"extensions,omitempty"`
}

// Decode parses a stored canonical body. Numbers stay json.Number so
// payload values survive a store round trip unchanged.
func Decode(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (e Event) Clone() Event {
	out := e
	if e.DurationMS != nil {
		d := *e.DurationMS
		out.DurationMS = &d
	}
	if e.Tokens != nil {
		tok := *e.Tokens
		out.Tokens = &tok
	}
	if e.Tags != nil {
		out.Tags = append([]string(nil), e.Tags...)
	}
	out.Payload = CloneMap(e.Payload)
	out.Extensions = CloneMap(e.Extensions)
	return out
}

func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = cloneValue(typed[i])
		}
		return out
	default:
		return v
	}
}
