// Package query answers read-side questions over the event store: ordered
// session and agent views, on-demand summaries and time-bounded analytics.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"crabstack.local/projects/crab-observer/internal/event"
	"crabstack.local/projects/crab-observer/internal/store"
)

var ErrInvalidRange = errors.New("invalid time range")

const scanPageSize = 500

type Config struct {
	DefaultWindow time.Duration
	MaxWindow     time.Duration
	MaxLimit      int
}

type Engine struct {
	store store.Store
	cfg   Config
	now   func() time.Time
}

func New(st store.Store, cfg Config) *Engine {
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = 24 * time.Hour
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = 30 * 24 * time.Hour
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 1000
	}
	return &Engine{store: st, cfg: cfg, now: time.Now}
}

// ResolveRange bounds an aggregation range: a missing end is now, a
// missing start is one default window before the end, and anything wider
// than the maximum window is rejected.
func (e *Engine) ResolveRange(r store.TimeRange) (store.TimeRange, error) {
	if r.To.IsZero() {
		r.To = e.now().UTC()
	}
	if r.From.IsZero() {
		r.From = r.To.Add(-e.cfg.DefaultWindow)
	}
	if !r.To.After(r.From) {
		return store.TimeRange{}, fmt.Errorf("%w: from must be before to", ErrInvalidRange)
	}
	if r.To.Sub(r.From) > e.cfg.MaxWindow {
		return store.TimeRange{}, fmt.Errorf("%w: range %s exceeds maximum %s", ErrInvalidRange, r.To.Sub(r.From), e.cfg.MaxWindow)
	}
	return r, nil
}

func (e *Engine) Get(ctx context.Context, id string) (event.Event, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) SessionEvents(ctx context.Context, sessionID string, r store.TimeRange) ([]event.Event, error) {
	return e.store.QuerySession(ctx, sessionID, r)
}

func (e *Engine) AgentEvents(ctx context.Context, agentID string, r store.TimeRange) ([]event.Event, error) {
	return e.store.QueryByAgent(ctx, agentID, r)
}

// Events runs a paginated filtered read with the limit clamped.
func (e *Engine) Events(ctx context.Context, q store.RangeQuery) (store.Page, error) {
	if q.Limit <= 0 || q.Limit > e.cfg.MaxLimit {
		q.Limit = min(max(q.Limit, store.DefaultPageLimit), e.cfg.MaxLimit)
	}
	return e.store.QueryRange(ctx, q)
}

// SessionSummary reads through the session index, so the range is
// optional here.
func (e *Engine) SessionSummary(ctx context.Context, sessionID string, r store.TimeRange) (Summary, error) {
	events, err := e.store.QuerySession(ctx, sessionID, r)
	if err != nil {
		return Summary{}, err
	}
	if len(events) == 0 {
		return Summary{}, fmt.Errorf("%w: session %s", store.ErrNotFound, sessionID)
	}
	acc := newAccumulator()
	for _, ev := range events {
		acc.add(ev)
	}
	s := acc.result()
	s.SessionID = sessionID
	return s, nil
}

func (e *Engine) AgentSummary(ctx context.Context, agentID string, r store.TimeRange) (Summary, error) {
	r, err := e.ResolveRange(r)
	if err != nil {
		return Summary{}, err
	}
	events, err := e.store.QueryByAgent(ctx, agentID, r)
	if err != nil {
		return Summary{}, err
	}
	acc := newAccumulator()
	for _, ev := range events {
		acc.add(ev)
	}
	s := acc.result()
	s.AgentID = agentID
	return s, nil
}

type SessionsReport struct {
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Sessions []Summary `json:"sessions"`
}

// AnalyzeSessions summarizes every session with events in range.
func (e *Engine) AnalyzeSessions(ctx context.Context, r store.TimeRange, f store.Filter) (SessionsReport, error) {
	groups, r, err := e.group(ctx, r, f, func(ev event.Event) string { return ev.SessionID })
	if err != nil {
		return SessionsReport{}, err
	}
	report := SessionsReport{From: r.From, To: r.To, Sessions: make([]Summary, 0, len(groups))}
	for id, acc := range groups {
		s := acc.result()
		s.SessionID = id
		report.Sessions = append(report.Sessions, s)
	}
	sort.Slice(report.Sessions, func(i, j int) bool { return report.Sessions[i].SessionID < report.Sessions[j].SessionID })
	return report, nil
}

type AgentsReport struct {
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	Agents []Summary `json:"agents"`
}

// AnalyzeAgents is the per-agent performance view. Events without an
// agent_id are skipped.
func (e *Engine) AnalyzeAgents(ctx context.Context, r store.TimeRange, f store.Filter) (AgentsReport, error) {
	groups, r, err := e.group(ctx, r, f, func(ev event.Event) string { return ev.AgentID })
	if err != nil {
		return AgentsReport{}, err
	}
	report := AgentsReport{From: r.From, To: r.To, Agents: make([]Summary, 0, len(groups))}
	for id, acc := range groups {
		if id == "" {
			continue
		}
		s := acc.result()
		s.AgentID = id
		report.Agents = append(report.Agents, s)
	}
	sort.Slice(report.Agents, func(i, j int) bool { return report.Agents[i].AgentID < report.Agents[j].AgentID })
	return report, nil
}

type CostReport struct {
	From             time.Time               `json:"from"`
	To               time.Time               `json:"to"`
	Total            event.Tokens            `json:"total"`
	EventsWithTokens int                     `json:"events_with_tokens"`
	ByModel          map[string]event.Tokens `json:"by_model"`
	ByPlatform       map[string]event.Tokens `json:"by_platform"`
	BySourceApp      map[string]event.Tokens `json:"by_source_app"`
}

func (e *Engine) Costs(ctx context.Context, r store.TimeRange, f store.Filter) (CostReport, error) {
	r, err := e.ResolveRange(r)
	if err != nil {
		return CostReport{}, err
	}
	report := CostReport{
		From:        r.From,
		To:          r.To,
		ByModel:     map[string]event.Tokens{},
		ByPlatform:  map[string]event.Tokens{},
		BySourceApp: map[string]event.Tokens{},
	}
	addTo := func(m map[string]event.Tokens, key string, tok event.Tokens) {
		cur := m[key]
		cur.Add(tok)
		m[key] = cur
	}
	err = e.scan(ctx, r, f, func(ev event.Event) error {
		if ev.Tokens == nil {
			return nil
		}
		report.EventsWithTokens++
		report.Total.Add(*ev.Tokens)
		model := ev.Model
		if model == "" {
			model = "unknown"
		}
		addTo(report.ByModel, model, *ev.Tokens)
		addTo(report.ByPlatform, ev.Platform, *ev.Tokens)
		addTo(report.BySourceApp, ev.SourceApp, *ev.Tokens)
		return nil
	})
	if err != nil {
		return CostReport{}, err
	}
	return report, nil
}

type ErrorReport struct {
	From       time.Time      `json:"from"`
	To         time.Time      `json:"to"`
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_event_type"`
	ByPlatform map[string]int `json:"by_platform"`
	BySession  map[string]int `json:"by_session"`
	Latest     []event.Event  `json:"latest"`
}

// Errors counts error and critical events in range and keeps the latest
// few, newest first.
func (e *Engine) Errors(ctx context.Context, r store.TimeRange, f store.Filter, latest int) (ErrorReport, error) {
	r, err := e.ResolveRange(r)
	if err != nil {
		return ErrorReport{}, err
	}
	if len(f.Severities) == 0 {
		f.Severities = []string{string(event.SeverityError), string(event.SeverityCritical)}
	}
	report := ErrorReport{
		From:       r.From,
		To:         r.To,
		ByType:     map[string]int{},
		ByPlatform: map[string]int{},
		BySession:  map[string]int{},
	}
	err = e.scan(ctx, r, f, func(ev event.Event) error {
		if !ev.Severity.IsError() {
			return nil
		}
		report.Total++
		report.ByType[ev.EventType]++
		report.ByPlatform[ev.Platform]++
		report.BySession[ev.SessionID]++
		if latest > 0 {
			report.Latest = append(report.Latest, ev)
			if len(report.Latest) > latest {
				report.Latest = report.Latest[1:]
			}
		}
		return nil
	})
	if err != nil {
		return ErrorReport{}, err
	}
	for i, j := 0, len(report.Latest)-1; i < j; i, j = i+1, j-1 {
		report.Latest[i], report.Latest[j] = report.Latest[j], report.Latest[i]
	}
	return report, nil
}

// ExportSession streams a session in sequence order.
func (e *Engine) ExportSession(ctx context.Context, sessionID string, fn func(event.Event) error) (int, error) {
	events, err := e.store.QuerySession(ctx, sessionID, store.TimeRange{})
	if err != nil {
		return 0, err
	}
	for i, ev := range events {
		if err := fn(ev); err != nil {
			return i, err
		}
	}
	return len(events), nil
}

// ExportQuery streams every matching event in a bounded range.
func (e *Engine) ExportQuery(ctx context.Context, r store.TimeRange, f store.Filter, fn func(event.Event) error) (int, error) {
	r, err := e.ResolveRange(r)
	if err != nil {
		return 0, err
	}
	n := 0
	err = e.scan(ctx, r, f, func(ev event.Event) error {
		n++
		return fn(ev)
	})
	return n, err
}

// group buckets the range by key and folds each bucket in sequence order,
// the same order the session and agent indexes return. scan walks time
// order, and a completion stamped before its start would otherwise miss
// the pairing.
func (e *Engine) group(ctx context.Context, r store.TimeRange, f store.Filter, key func(event.Event) string) (map[string]*accumulator, store.TimeRange, error) {
	r, err := e.ResolveRange(r)
	if err != nil {
		return nil, store.TimeRange{}, err
	}
	buckets := map[string][]event.Event{}
	err = e.scan(ctx, r, f, func(ev event.Event) error {
		k := key(ev)
		buckets[k] = append(buckets[k], ev)
		return nil
	})
	if err != nil {
		return nil, store.TimeRange{}, err
	}
	groups := make(map[string]*accumulator, len(buckets))
	for k, events := range buckets {
		sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
		acc := newAccumulator()
		for _, ev := range events {
			acc.add(ev)
		}
		groups[k] = acc
	}
	return groups, r, nil
}

// scan pages through the time index. Pages arrive in (timestamp, sequence)
// order.
func (e *Engine) scan(ctx context.Context, r store.TimeRange, f store.Filter, fn func(event.Event) error) error {
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := e.store.QueryRange(ctx, store.RangeQuery{Range: r, Filter: f, Cursor: cursor, Limit: scanPageSize})
		if err != nil {
			return err
		}
		for _, ev := range page.Events {
			if err := fn(ev); err != nil {
				return err
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}
