// Package redact strips configured secrets and excluded fields from events
// before they are committed, and enforces the payload size ceiling.
package redact

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"crabstack.local/projects/crab-observer/internal/event"
)

const Marker = "[REDACTED]"

// requiredFields may never be excluded; a stored event must carry them.
var requiredFields = map[string]struct{}{
	"platform": {}, "source_app": {}, "session_id": {}, "event_type": {}, "timestamp": {},
}

var excludableTopLevel = map[string]struct{}{
	"platform_version": {}, "source_type": {}, "agent_id": {}, "parent_event_id": {},
	"duration_ms": {}, "payload": {}, "model": {}, "tokens": {}, "tags": {}, "extensions": {},
}

type Redactor struct {
	keyRe   *regexp.Regexp
	valueRe *regexp.Regexp
	exclude [][]string
}

// New compiles patterns case-insensitively. A key matching any pattern has
// its value replaced; a string value containing "<pattern>=<x>" or
// "<pattern>: <x>" is replaced whole.
func New(patterns []string, excludeFields []string) (*Redactor, error) {
	r := &Redactor{}
	if len(patterns) > 0 {
		alts := make([]string, 0, len(patterns))
		for _, p := range patterns {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, err := regexp.Compile(p); err != nil {
				return nil, fmt.Errorf("compile redact pattern %q: %w", p, err)
			}
			alts = append(alts, "(?:"+p+")")
		}
		if len(alts) > 0 {
			joined := strings.Join(alts, "|")
			r.keyRe = regexp.MustCompile(`(?i)` + joined)
			r.valueRe = regexp.MustCompile(`(?i)(?:` + joined + `)[\w-]*[ \t]*[=:][ \t]*\S+`)
		}
	}
	for _, path := range excludeFields {
		segments := strings.Split(strings.TrimSpace(path), ".")
		if segments[0] == "" {
			return nil, fmt.Errorf("exclude field %q is empty", path)
		}
		if _, ok := requiredFields[segments[0]]; ok {
			return nil, fmt.Errorf("exclude field %q names a required field", path)
		}
		if _, ok := excludableTopLevel[segments[0]]; !ok {
			return nil, fmt.Errorf("exclude field %q does not name an event field", path)
		}
		if len(segments) > 1 && segments[0] != "payload" && segments[0] != "extensions" {
			return nil, fmt.Errorf("exclude field %q: only payload and extensions have nested paths", path)
		}
		r.exclude = append(r.exclude, segments)
	}
	return r, nil
}

// Apply redacts payload and extensions in place and returns the dotted
// paths that were replaced.
func (r *Redactor) Apply(ev *event.Event) []string {
	if r == nil || r.keyRe == nil {
		return nil
	}
	var paths []string
	ev.Payload = r.redactMap(ev.Payload, "payload", &paths)
	ev.Extensions = r.redactMap(ev.Extensions, "extensions", &paths)
	sort.Strings(paths)
	return paths
}

func (r *Redactor) redactMap(m map[string]any, prefix string, paths *[]string) map[string]any {
	if m == nil {
		return nil
	}
	for key, value := range m {
		path := prefix + "." + key
		if r.keyRe.MatchString(key) {
			m[key] = Marker
			*paths = append(*paths, path)
			continue
		}
		m[key] = r.redactValue(value, path, paths)
	}
	return m
}

func (r *Redactor) redactValue(value any, path string, paths *[]string) any {
	switch typed := value.(type) {
	case map[string]any:
		return r.redactMap(typed, path, paths)
	case []any:
		for i := range typed {
			typed[i] = r.redactValue(typed[i], fmt.Sprintf("%s[%d]", path, i), paths)
		}
		return typed
	case string:
		if r.valueRe.MatchString(typed) {
			*paths = append(*paths, path)
			return Marker
		}
		return typed
	default:
		return value
	}
}

// Exclude removes every configured path present on ev and returns the ones
// that were actually removed.
func (r *Redactor) Exclude(ev *event.Event) []string {
	if r == nil {
		return nil
	}
	var removed []string
	for _, segments := range r.exclude {
		if excludePath(ev, segments) {
			removed = append(removed, strings.Join(segments, "."))
		}
	}
	return removed
}

func excludePath(ev *event.Event, segments []string) bool {
	if len(segments) > 1 {
		switch segments[0] {
		case "payload":
			return deleteAt(ev.Payload, segments[1:])
		case "extensions":
			return deleteAt(ev.Extensions, segments[1:])
		}
		return false
	}
	switch segments[0] {
	case "platform_version":
		return clearString(&ev.PlatformVersion)
	case "agent_id":
		return clearString(&ev.AgentID)
	case "parent_event_id":
		return clearString(&ev.ParentEventID)
	case "model":
		return clearString(&ev.Model)
	case "source_type":
		had := ev.SourceType != ""
		ev.SourceType = ""
		return had
	case "duration_ms":
		had := ev.DurationMS != nil
		ev.DurationMS = nil
		return had
	case "tokens":
		had := ev.Tokens != nil
		ev.Tokens = nil
		return had
	case "tags":
		had := len(ev.Tags) > 0
		ev.Tags = nil
		return had
	case "payload":
		had := ev.Payload != nil
		ev.Payload = nil
		return had
	case "extensions":
		had := ev.Extensions != nil
		ev.Extensions = nil
		return had
	}
	return false
}

func clearString(s *string) bool {
	had := *s != ""
	*s = ""
	return had
}

func deleteAt(m map[string]any, segments []string) bool {
	if m == nil {
		return false
	}
	if len(segments) == 1 {
		if _, ok := m[segments[0]]; !ok {
			return false
		}
		delete(m, segments[0])
		return true
	}
	next, ok := m[segments[0]].(map[string]any)
	if !ok {
		return false
	}
	return deleteAt(next, segments[1:])
}

// Truncation describes a payload that exceeded the size ceiling.
type Truncation struct {
	OriginalBytes int
	DroppedBytes  int
}

const truncationOverhead = 128

// Truncate replaces a payload whose JSON encoding exceeds maxBytes with a
// marker object and a prefix of the original encoding.
func Truncate(payload map[string]any, maxBytes int) (map[string]any, *Truncation, error) {
	if payload == nil || maxBytes <= 0 {
		return payload, nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode payload: %w", err)
	}
	if len(data) <= maxBytes {
		return payload, nil, nil
	}
	budget := maxBytes - truncationOverhead
	if budget < 0 {
		budget = 0
	}
	for {
		preview := cutUTF8(string(data), budget)
		info := &Truncation{OriginalBytes: len(data), DroppedBytes: len(data) - len(preview)}
		out := map[string]any{
			"_truncated": map[string]any{
				"original_bytes": info.OriginalBytes,
				"dropped_bytes":  info.DroppedBytes,
			},
			"_preview": preview,
		}
		// escaping can grow the preview past the ceiling
		encoded, err := json.Marshal(out)
		if err != nil {
			return nil, nil, fmt.Errorf("encode truncated payload: %w", err)
		}
		if len(encoded) <= maxBytes || budget == 0 {
			return out, info, nil
		}
		budget /= 2
	}
}

func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
