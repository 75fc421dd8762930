package event

import (
	"fmt"
	"sort"
	"strings"
)

type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError names every offending field of a rejected submission.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "invalid event: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// HasField reports whether field is among the violations.
func (e *ValidationError) HasField(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	sort.SliceStable(e.Fields, func(i, j int) bool { return e.Fields[i].Field < e.Fields[j].Field })
	return e
}

type WarningCode string

const (
	WarnUnknownEventType WarningCode = "unknown_event_type"
	WarnUnknownPlatform  WarningCode = "unknown_platform"
	WarnPlatformDisabled WarningCode = "platform_disabled"
	WarnPayloadTruncated WarningCode = "payload_truncated"
	WarnDanglingParent   WarningCode = "dangling_parent"
	WarnFieldRedacted    WarningCode = "field_redacted"
	WarnFieldExcluded    WarningCode = "field_excluded"
	WarnDuplicateEvent   WarningCode = "duplicate_event"
)

// Warning is a non-fatal notice attached to an accepted event.
type Warning struct {
	Code    WarningCode `json:"code"`
	Field   string      `json:"field,omitempty"`
	Message string      `json:"message"`
}

func NewWarning(code WarningCode, field, format string, args ...any) Warning {
	return Warning{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}
