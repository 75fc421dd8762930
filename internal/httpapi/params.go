package httpapi

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"crabstack.local/projects/crab-observer/internal/event"
	"crabstack.local/projects/crab-observer/internal/store"
)

// listParam collects repeated and comma separated values.
func listParam(c *gin.Context, name string) []string {
	var out []string
	for _, v := range c.QueryArray(name) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func filterParams(c *gin.Context) (store.Filter, error) {
	f := store.Filter{
		Platforms:  listParam(c, "platform"),
		SourceApps: listParam(c, "source_app"),
		SessionIDs: listParam(c, "session_id"),
		AgentIDs:   listParam(c, "agent_id"),
		EventTypes: listParam(c, "event_type"),
		Categories: listParam(c, "event_category"),
		Severities: listParam(c, "severity"),
	}
	return f, canonicalSeverities(&f)
}

// canonicalSeverities rewrites aliases and case variants to the stored form,
// since Filter.Matches compares exact strings.
func canonicalSeverities(f *store.Filter) error {
	for i, raw := range f.Severities {
		sev, ok := event.ParseSeverity(raw)
		if !ok {
			return fmt.Errorf("unknown severity %q", raw)
		}
		f.Severities[i] = string(sev)
	}
	return nil
}

func rangeParams(c *gin.Context) (store.TimeRange, error) {
	from, err := parseTime(c.Query("from"))
	if err != nil {
		return store.TimeRange{}, fmt.Errorf("from: %w", err)
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		return store.TimeRange{}, fmt.Errorf("to: %w", err)
	}
	return store.TimeRange{From: from, To: to}, nil
}

// parseTime accepts RFC 3339 or epoch milliseconds. Empty is the zero time.
func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", raw)
	}
	return t.UTC(), nil
}

func intParam(c *gin.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
