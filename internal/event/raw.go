package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Raw is a submitted record before normalization, keyed by top-level field.
type Raw map[string]json.RawMessage

// KnownFields are the canonical top-level keys. Anything else is carried
// into extensions.
var KnownFields = map[string]struct{}{
	"id": {}, "sequence": {}, "platform": {}, "platform_version": {}, "source_app": {},
	"source_type": {}, "agent_id": {}, "session_id": {}, "parent_event_id": {},
	"event_type": {}, "event_category": {}, "timestamp": {}, "ingested_at": {},
	"duration_ms": {}, "payload": {}, "model": {}, "tokens": {}, "severity": {},
	"tags": {}, "extensions": {},
}

var ErrNotObject = errors.New("event must be a JSON object")

func DecodeRaw(data []byte) (Raw, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	var raw Raw
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if raw == nil {
		return nil, ErrNotObject
	}
	return raw, nil
}

// DecodeRawList accepts a JSON array of objects or an {"events":[...]}
// envelope. Items that are not objects are returned as nil entries so the
// caller can report them per item.
func DecodeRawList(data []byte) ([]Raw, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty batch")
	}
	var items []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
	case '{':
		var envelope struct {
			Events []json.RawMessage `json:"events"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		if envelope.Events == nil {
			return nil, errors.New(`batch object must carry an "events" array`)
		}
		items = envelope.Events
	default:
		return nil, errors.New("batch must be a JSON array")
	}
	out := make([]Raw, len(items))
	for i, item := range items {
		raw, err := DecodeRaw(item)
		if err != nil {
			continue
		}
		out[i] = raw
	}
	return out, nil
}

// Submission is the typed wire shape an adapter sends. Server-assigned
// fields are absent.
type Submission struct {
	ID              string         `json:"id,omitempty"`
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
	DurationMS      *int64         `json:"duration_ms,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	Model           string         `json:"model,omitempty"`
	Tokens          *Tokens        `json:"tokens,omitempty"`
	Severity        Severity       `json:"severity,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Extensions      map[string]any `json:"extensions,omitempty"`
}

// Raw re-encodes the submission so it can go through the same normalizer as
// wire input.
func (s Submission) Raw() (Raw, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return DecodeRaw(data)
}
