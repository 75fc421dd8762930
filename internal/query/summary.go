package query

import (
	"time"

	"crabstack.local/projects/crab-observer/internal/event"
)

// Summary aggregates a group of events (a session, an agent, ...).
// DurationMS only counts start/completion pairs linked by parent_event_id;
// durations reported on other events are kept apart in
// UnpairedDurationMS.
type Summary struct {
	SessionID          string         `json:"session_id,omitempty"`
	AgentID            string         `json:"agent_id,omitempty"`
	EventCount         int            `json:"event_count"`
	Categories         map[string]int `json:"categories"`
	MatchedPairs       int            `json:"matched_pairs"`
	DurationMS         int64          `json:"duration_ms"`
	UnpairedDurationMS int64          `json:"unpaired_duration_ms"`
	Tokens             event.Tokens   `json:"tokens"`
	ErrorCount         int            `json:"error_count"`
	FirstEventAt       *time.Time     `json:"first_event_at,omitempty"`
	LastEventAt        *time.Time     `json:"last_event_at,omitempty"`
}

// accumulator folds events in sequence order.
type accumulator struct {
	summary Summary
	// open start events by id, waiting for a completion
	starts map[string]event.Event
	// durations seen on unpaired events, keyed by id so a late pairing can
	// move them out again
	unpaired map[string]int64
}

func newAccumulator() *accumulator {
	return &accumulator{
		summary:  Summary{Categories: map[string]int{}},
		starts:   map[string]event.Event{},
		unpaired: map[string]int64{},
	}
}

func (a *accumulator) add(ev event.Event) {
	s := &a.summary
	s.EventCount++
	s.Categories[ev.EventCategory]++
	if ev.Tokens != nil {
		s.Tokens.Add(*ev.Tokens)
	}
	if ev.Severity.IsError() {
		s.ErrorCount++
	}
	ts := ev.Timestamp
	if s.FirstEventAt == nil || ts.Before(*s.FirstEventAt) {
		s.FirstEventAt = &ts
	}
	if s.LastEventAt == nil || ts.After(*s.LastEventAt) {
		s.LastEventAt = &ts
	}

	switch event.PhaseOf(ev.EventType) {
	case event.PhaseStart:
		a.starts[ev.ID] = ev
	case event.PhaseEnd:
		if start, ok := a.starts[ev.ParentEventID]; ok {
			delete(a.starts, ev.ParentEventID)
			delete(a.unpaired, start.ID)
			s.MatchedPairs++
			s.DurationMS += pairDuration(start, ev)
			return
		}
	}
	if ev.DurationMS != nil {
		a.unpaired[ev.ID] = *ev.DurationMS
	}
}

func (a *accumulator) result() Summary {
	s := a.summary
	s.UnpairedDurationMS = 0
	for _, d := range a.unpaired {
		s.UnpairedDurationMS += d
	}
	return s
}

// pairDuration prefers the completion's own duration_ms and falls back to
// the timestamp difference.
func pairDuration(start, end event.Event) int64 {
	if end.DurationMS != nil {
		return *end.DurationMS
	}
	if start.DurationMS != nil {
		return *start.DurationMS
	}
	d := end.Timestamp.Sub(start.Timestamp).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}
