// Package store is the append-only event log. Commits are serialized
// through one writer path and assigned gap-free sequence numbers; reads
// go through secondary indexes on session, agent, event type and time.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/crab-observer/internal/event"
)

var (
	ErrNotFound      = errors.New("event not found")
	ErrDuplicate     = errors.New("event id already committed")
	ErrUnavailable   = errors.New("event store unavailable")
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrClosed        = errors.New("event store closed")
)

const DefaultPageLimit = 100

type Store interface {
	// Commit assigns the next sequence and persists ev. The returned event
	// carries the sequence. Observers registered with OnCommit see events
	// in sequence order.
	Commit(ctx context.Context, ev event.Event) (event.Event, error)
	Get(ctx context.Context, id string) (event.Event, error)
	Exists(ctx context.Context, id string) (bool, error)
	QuerySession(ctx context.Context, sessionID string, r TimeRange) ([]event.Event, error)
	QueryByAgent(ctx context.Context, agentID string, r TimeRange) ([]event.Event, error)
	QueryRange(ctx context.Context, q RangeQuery) (Page, error)
	Head(ctx context.Context) (int64, error)
	OnCommit(func(event.Event))
	Close() error
}

// TimeRange is half-open [From, To). A zero bound is unbounded.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

func (r TimeRange) Bounded() bool {
	return !r.From.IsZero() && !r.To.IsZero()
}

// Filter narrows a range query. Empty lists match everything; values within
// one list are alternatives.
type Filter struct {
	Platforms  []string `json:"platform,omitempty"`
	SourceApps []string `json:"source_app,omitempty"`
	SessionIDs []string `json:"session_id,omitempty"`
	AgentIDs   []string `json:"agent_id,omitempty"`
	EventTypes []string `json:"event_type,omitempty"`
	Categories []string `json:"event_category,omitempty"`
	Severities []string `json:"severity,omitempty"`
}

func (f Filter) Matches(ev event.Event) bool {
	return matchAny(f.Platforms, ev.Platform) &&
		matchAny(f.SourceApps, ev.SourceApp) &&
		matchAny(f.SessionIDs, ev.SessionID) &&
		matchAny(f.AgentIDs, ev.AgentID) &&
		matchAny(f.EventTypes, ev.EventType) &&
		matchAny(f.Categories, ev.EventCategory) &&
		matchAny(f.Severities, string(ev.Severity))
}

func matchAny(values []string, v string) bool {
	return len(values) == 0 || slices.Contains(values, v)
}

type RangeQuery struct {
	Range  TimeRange
	Filter Filter
	Cursor string
	Limit  int
}

type Page struct {
	Events     []event.Event `json:"events"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// Cursor marks a position in (timestamp, sequence) order. Pages resume
// strictly after it, so events committed later with an earlier timestamp
// never shift pages already handed out.
type Cursor struct {
	TimestampNS int64
	Sequence    int64
}

func CursorAfter(ev event.Event) Cursor {
	return Cursor{TimestampNS: ev.Timestamp.UnixNano(), Sequence: ev.Sequence}
}

func (c Cursor) Encode() string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(c.TimestampNS, 10) + ":" + strconv.FormatInt(c.Sequence, 10)))
}

func (c Cursor) Less(ts int64, seq int64) bool {
	return c.TimestampNS < ts || (c.TimestampNS == ts && c.Sequence < seq)
}

func DecodeCursor(raw string) (Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	tsPart, seqPart, ok := strings.Cut(string(data), ":")
	if !ok {
		return Cursor{}, ErrInvalidCursor
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil || seq < 0 {
		return Cursor{}, ErrInvalidCursor
	}
	return Cursor{TimestampNS: ts, Sequence: seq}, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	return limit
}

// observers fans committed events out to OnCommit callbacks. publish is
// entered with the writer lock held and releases it itself once the
// notification slot is claimed, so the next commit can write while this
// one is still being published, yet notifications stay in commit order.
type observers struct {
	mu        sync.RWMutex
	callbacks []func(event.Event)
	publishMu sync.Mutex
}

func (o *observers) add(fn func(event.Event)) {
	o.mu.Lock()
	o.callbacks = append(o.callbacks, fn)
	o.mu.Unlock()
}

func (o *observers) publish(writeMu *sync.Mutex, ev event.Event) {
	o.publishMu.Lock()
	writeMu.Unlock()
	defer o.publishMu.Unlock()

	o.mu.RLock()
	callbacks := o.callbacks
	o.mu.RUnlock()
	for _, fn := range callbacks {
		fn(ev.Clone())
	}
}
