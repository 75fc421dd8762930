// Package validate turns raw submissions into canonical events.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"crabstack.local/projects/crab-observer/internal/event"
	"crabstack.local/projects/crab-observer/internal/ids"
	"crabstack.local/projects/crab-observer/internal/redact"
)

// Platforms classifies platform names. known=false means the registry has
// never seen the name.
type Platforms interface {
	Known(name string) (enabled bool, known bool)
}

type Options struct {
	Redactor        *redact.Redactor
	MaxPayloadBytes int
	Now             func() time.Time
	Logger          *slog.Logger
}

type Validator struct {
	platforms       Platforms
	redactor        *redact.Redactor
	maxPayloadBytes int
	now             func() time.Time
	logger          *slog.Logger
}

func New(platforms Platforms, opts Options) *Validator {
	v := &Validator{
		platforms:       platforms,
		redactor:        opts.Redactor,
		maxPayloadBytes: opts.MaxPayloadBytes,
		now:             opts.Now,
		logger:          opts.Logger,
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

// Normalize validates raw and returns the canonical event with its
// warnings, or an *event.ValidationError listing every offending field.
// Exclusion, redaction and truncation run here so nothing unscrubbed
// leaves this function.
func (v *Validator) Normalize(raw event.Raw) (event.Event, []event.Warning, error) {
	var verr event.ValidationError
	d := decoder{raw: raw, errs: &verr}

	ev := event.Event{
		Platform:        d.requiredString("platform"),
		PlatformVersion: d.optionalString("platform_version"),
		SourceApp:       d.requiredString("source_app"),
		AgentID:         d.optionalString("agent_id"),
		SessionID:       d.requiredString("session_id"),
		ParentEventID:   d.optionalString("parent_event_id"),
		EventType:       d.requiredString("event_type"),
		Model:           d.optionalString("model"),
	}
	ev.Timestamp = d.timestamp("timestamp")
	ev.SourceType = d.sourceType("source_type")
	ev.Severity = d.severity("severity")
	ev.DurationMS = d.duration("duration_ms")
	ev.Tokens = d.tokens("tokens")
	ev.Tags = d.tags("tags")
	ev.Payload = d.object("payload")
	ev.Extensions = d.object("extensions")

	if category := strings.ToLower(d.optionalString("event_category")); category != "" {
		ev.EventCategory = category
	} else if ev.EventType != "" {
		ev.EventCategory = event.DeriveCategory(ev.EventType)
	}

	if id := d.optionalString("id"); ids.Valid(id) {
		ev.ID = id
	} else {
		ev.ID = ids.New()
	}

	for key, value := range raw {
		if _, known := event.KnownFields[key]; known {
			continue
		}
		decoded, err := decodeAny(value)
		if err != nil {
			verr.Add(key, "malformed JSON value")
			continue
		}
		if ev.Extensions == nil {
			ev.Extensions = map[string]any{}
		}
		if _, explicit := ev.Extensions[key]; !explicit {
			ev.Extensions[key] = decoded
		}
	}

	if err := verr.OrNil(); err != nil {
		return event.Event{}, nil, err
	}

	ev.IngestedAt = v.now().UTC()
	var warnings []event.Warning

	if !event.IsKnownType(ev.EventType) {
		warnings = append(warnings, event.NewWarning(event.WarnUnknownEventType, "event_type",
			"event_type %q is outside the recommended taxonomy", ev.EventType))
	}
	if v.platforms != nil {
		enabled, known := v.platforms.Known(ev.Platform)
		switch {
		case !known:
			warnings = append(warnings, event.NewWarning(event.WarnUnknownPlatform, "platform",
				"platform %q is not registered", ev.Platform))
		case !enabled:
			warnings = append(warnings, event.NewWarning(event.WarnPlatformDisabled, "platform",
				"platform %q is disabled", ev.Platform))
		}
	}

	for _, path := range v.redactor.Exclude(&ev) {
		warnings = append(warnings, event.NewWarning(event.WarnFieldExcluded, path, "%s removed by exclude_fields", path))
	}
	if paths := v.redactor.Apply(&ev); len(paths) > 0 {
		for _, path := range paths {
			warnings = append(warnings, event.NewWarning(event.WarnFieldRedacted, path, "%s matched a redaction pattern", path))
		}
		v.logger.Debug("redacted event fields", "event_id", ev.ID, "fields", len(paths))
	}

	payload, truncation, err := redact.Truncate(ev.Payload, v.maxPayloadBytes)
	if err != nil {
		verr.Add("payload", err.Error())
		return event.Event{}, nil, verr.OrNil()
	}
	if truncation != nil {
		ev.Payload = payload
		warnings = append(warnings, event.NewWarning(event.WarnPayloadTruncated, "payload",
			"payload of %d bytes truncated, %d bytes dropped", truncation.OriginalBytes, truncation.DroppedBytes))
		v.logger.Warn("payload truncated",
			"event_id", ev.ID,
			"session_id", ev.SessionID,
			"source_app", ev.SourceApp,
			"original_bytes", truncation.OriginalBytes,
			"dropped_bytes", truncation.DroppedBytes,
		)
	}

	return ev, warnings, nil
}

type decoder struct {
	raw  event.Raw
	errs *event.ValidationError
}

func (d decoder) present(field string) (json.RawMessage, bool) {
	value, ok := d.raw[field]
	if !ok || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		return nil, false
	}
	return value, true
}

func (d decoder) optionalString(field string) string {
	value, ok := d.present(field)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		d.errs.Add(field, "must be a string")
		return ""
	}
	return strings.TrimSpace(s)
}

func (d decoder) requiredString(field string) string {
	if _, ok := d.present(field); !ok {
		d.errs.Add(field, "required")
		return ""
	}
	s := d.optionalString(field)
	if s == "" && !d.errs.HasField(field) {
		d.errs.Add(field, "must not be empty")
	}
	return s
}

func (d decoder) timestamp(field string) time.Time {
	value, ok := d.present(field)
	if !ok {
		d.errs.Add(field, "required")
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		s = strings.TrimSpace(s)
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil || parsed.IsZero() || parsed.Unix() <= 0 {
			d.errs.Add(field, "must be an RFC3339 time or epoch milliseconds")
			return time.Time{}
		}
		return parsed.UTC()
	}
	var n json.Number
	if err := json.Unmarshal(value, &n); err == nil {
		ms, err := n.Float64()
		if err == nil && ms > 0 && ms < math.MaxInt64 {
			return time.UnixMilli(int64(ms)).UTC()
		}
	}
	d.errs.Add(field, "must be an RFC3339 time or epoch milliseconds")
	return time.Time{}
}

func (d decoder) sourceType(field string) event.SourceType {
	s := d.optionalString(field)
	if s == "" {
		return event.SourceTypeAgent
	}
	st, ok := event.ParseSourceType(s)
	if !ok {
		d.errs.Add(field, "must be one of agent, tool, human, system")
	}
	return st
}

func (d decoder) severity(field string) event.Severity {
	s := d.optionalString(field)
	if s == "" {
		return event.SeverityInfo
	}
	sev, ok := event.ParseSeverity(s)
	if !ok {
		d.errs.Add(field, "must be one of debug, info, warning, error, critical")
	}
	return sev
}

func (d decoder) nonNegativeInt(field string, value json.RawMessage) (int64, bool) {
	var n json.Number
	if err := json.Unmarshal(value, &n); err != nil {
		d.errs.Add(field, "must be a number")
		return 0, false
	}
	f, err := n.Float64()
	if err != nil || f < 0 || f > math.MaxInt64 || math.IsNaN(f) {
		d.errs.Add(field, "must be a non-negative number")
		return 0, false
	}
	return int64(math.Round(f)), true
}

func (d decoder) duration(field string) *int64 {
	value, ok := d.present(field)
	if !ok {
		return nil
	}
	n, ok := d.nonNegativeInt(field, value)
	if !ok {
		return nil
	}
	return &n
}

func (d decoder) tokens(field string) *event.Tokens {
	value, ok := d.present(field)
	if !ok {
		return nil
	}
	var parts map[string]json.RawMessage
	if err := json.Unmarshal(value, &parts); err != nil {
		d.errs.Add(field, "must be an object")
		return nil
	}
	var tok event.Tokens
	read := func(name string, dst *int64) {
		part, ok := parts[name]
		if !ok || bytes.Equal(bytes.TrimSpace(part), []byte("null")) {
			return
		}
		if n, ok := d.nonNegativeInt(field+"."+name, part); ok {
			*dst = n
		}
	}
	read("input", &tok.Input)
	read("output", &tok.Output)
	read("total", &tok.Total)
	if tok.Total == 0 {
		tok.Total = tok.Input + tok.Output
	}
	return &tok
}

func (d decoder) tags(field string) []string {
	value, ok := d.present(field)
	if !ok {
		return nil
	}
	var raw []string
	if err := json.Unmarshal(value, &raw); err != nil {
		d.errs.Add(field, "must be an array of strings")
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, tag := range raw {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

func (d decoder) object(field string) map[string]any {
	value, ok := d.present(field)
	if !ok {
		return nil
	}
	decoded, err := decodeAny(value)
	if err != nil {
		d.errs.Add(field, "malformed JSON value")
		return nil
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		d.errs.Add(field, "must be an object")
		return nil
	}
	return obj
}

func decodeAny(value json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}
