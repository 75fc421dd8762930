package event

import (
	"sort"
	"strings"
)

// knownTypes is the recommended taxonomy. It is advisory: types outside it
// are accepted with a warning.
var knownTypes = map[string]struct{}{
	"session.created":    {},
	"session.ended":      {},
	"agent.started":      {},
	"agent.completed":    {},
	"agent.failed":       {},
	"agent.thinking":     {},
	"agent.decision":     {},
	"subagent.spawned":   {},
	"subagent.completed": {},
	"tool.invoked":       {},
	"tool.completed":     {},
	"tool.failed":        {},
	"llm.request":        {},
	"llm.response":       {},
	"llm.error":          {},
	"chat.message":       {},
	"human.input":        {},
	"human.feedback":     {},
	"memory.read":        {},
	"memory.write":       {},
	"error.occurred":     {},
	"system.info":        {},
	"system.warning":     {},
}

func IsKnownType(eventType string) bool {
	_, ok := knownTypes[strings.ToLower(eventType)]
	return ok
}

// KnownTypes lists the recommended event types, sorted.
func KnownTypes() []string {
	out := make([]string, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// DeriveCategory returns the event_type prefix before the first dot,
// e.g. "tool.invoked" -> "tool".
func DeriveCategory(eventType string) string {
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	if prefix, _, ok := strings.Cut(eventType, "."); ok {
		return prefix
	}
	return eventType
}

type Phase int

const (
	PhaseNone Phase = iota
	PhaseStart
	PhaseEnd
)

// PhaseOf classifies an event_type by its last segment so start/completion
// pairs can be correlated across categories.
func PhaseOf(eventType string) Phase {
	eventType = strings.ToLower(eventType)
	last := eventType
	if i := strings.LastIndex(eventType, "."); i >= 0 {
		last = eventType[i+1:]
	}
	switch last {
	case "invoked", "started", "start", "begin", "request", "requested", "spawned", "created":
		return PhaseStart
	case "completed", "complete", "finished", "ended", "end", "response", "succeeded", "failed", "returned", "error":
		return PhaseEnd
	default:
		return PhaseNone
	}
}
