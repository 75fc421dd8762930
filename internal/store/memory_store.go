package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"crabstack.local/projects/crab-observer/internal/event"
)

// MemoryStore keeps the log and its indexes in process. Indexes hold
// sequence numbers; the log slice is addressed by sequence-1.
type MemoryStore struct {
	writeMu   sync.Mutex
	observers observers

	mu        sync.RWMutex
	closed    bool
	log       []event.Event
	byID      map[string]int64
	bySession map[string][]int64
	byAgent   map[string][]int64
	byType    map[string][]int64
	byTime    []int64 // sorted by (timestamp, sequence)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]int64),
		bySession: make(map[string][]int64),
		byAgent:   make(map[string][]int64),
		byType:    make(map[string][]int64),
	}
}

func (s *MemoryStore) OnCommit(fn func(event.Event)) {
	s.observers.add(fn)
}

func (s *MemoryStore) Commit(ctx context.Context, ev event.Event) (event.Event, error) {
	if ev.ID == "" {
		return event.Event{}, fmt.Errorf("commit event: id is required")
	}
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}

	s.writeMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return event.Event{}, fmt.Errorf("%w: %v", ErrUnavailable, ErrClosed)
	}
	if _, dup := s.byID[ev.ID]; dup {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return event.Event{}, fmt.Errorf("%w: %s", ErrDuplicate, ev.ID)
	}

	committed := ev.Clone()
	committed.Sequence = int64(len(s.log)) + 1
	seq := committed.Sequence
	s.log = append(s.log, committed)
	s.byID[committed.ID] = seq
	s.bySession[committed.SessionID] = append(s.bySession[committed.SessionID], seq)
	if committed.AgentID != "" {
		s.byAgent[committed.AgentID] = append(s.byAgent[committed.AgentID], seq)
	}
	s.byType[committed.EventType] = append(s.byType[committed.EventType], seq)

	ts := committed.Timestamp.UnixNano()
	pos := sort.Search(len(s.byTime), func(i int) bool {
		other := s.log[s.byTime[i]-1]
		return Cursor{TimestampNS: ts, Sequence: seq}.Less(other.Timestamp.UnixNano(), other.Sequence)
	})
	s.byTime = append(s.byTime, 0)
	copy(s.byTime[pos+1:], s.byTime[pos:])
	s.byTime[pos] = seq
	s.mu.Unlock()

	s.observers.publish(&s.writeMu, committed)
	return committed.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.byID[id]
	if !ok {
		return event.Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.log[seq-1].Clone(), nil
}

func (s *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok, nil
}

func (s *MemoryStore) QuerySession(_ context.Context, sessionID string, r TimeRange) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.bySession[sessionID], r), nil
}

func (s *MemoryStore) QueryByAgent(_ context.Context, agentID string, r TimeRange) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byAgent[agentID], r), nil
}

func (s *MemoryStore) collect(seqs []int64, r TimeRange) []event.Event {
	out := make([]event.Event, 0, len(seqs))
	for _, seq := range seqs {
		ev := s.log[seq-1]
		if r.Contains(ev.Timestamp) {
			out = append(out, ev.Clone())
		}
	}
	return out
}

func (s *MemoryStore) QueryRange(_ context.Context, rq RangeQuery) (Page, error) {
	limit := normalizeLimit(rq.Limit)
	var after *Cursor
	if rq.Cursor != "" {
		cur, err := DecodeCursor(rq.Cursor)
		if err != nil {
			return Page{}, err
		}
		after = &cur
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.indexed(rq.Filter)
	if !ok {
		order = s.byTime
	}
	start := s.timeStart(order, rq.Range, after)

	page := Page{Events: make([]event.Event, 0, min(limit, len(order)-start))}
	for _, seq := range order[start:] {
		ev := s.log[seq-1]
		if !rq.Range.To.IsZero() && !ev.Timestamp.Before(rq.Range.To) {
			break
		}
		if !rq.Filter.Matches(ev) {
			continue
		}
		if len(page.Events) == limit {
			page.NextCursor = CursorAfter(page.Events[limit-1]).Encode()
			break
		}
		page.Events = append(page.Events, ev.Clone())
	}
	return page, nil
}

// indexed picks the narrowest of the session, agent and type indexes the
// filter names and returns its candidates in (timestamp, sequence) order.
// ok is false when the filter names none of them.
func (s *MemoryStore) indexed(f Filter) (_ []int64, ok bool) {
	var best []int64
	for _, dim := range []struct {
		values []string
		index  map[string][]int64
	}{
		{f.SessionIDs, s.bySession},
		{f.AgentIDs, s.byAgent},
		{f.EventTypes, s.byType},
	} {
		if len(dim.values) == 0 {
			continue
		}
		var seqs []int64
		seen := make(map[string]bool, len(dim.values))
		for _, v := range dim.values {
			if !seen[v] {
				seen[v] = true
				seqs = append(seqs, dim.index[v]...)
			}
		}
		if !ok || len(seqs) < len(best) {
			best, ok = seqs, true
		}
	}
	if !ok {
		return nil, false
	}
	sorted := make([]int64, len(best))
	copy(sorted, best)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := s.log[sorted[i]-1], s.log[sorted[j]-1]
		return Cursor{TimestampNS: a.Timestamp.UnixNano(), Sequence: a.Sequence}.Less(b.Timestamp.UnixNano(), b.Sequence)
	})
	return sorted, true
}

// timeStart is the first position in a (timestamp, sequence) ordered list
// that is inside the range start and past the cursor.
func (s *MemoryStore) timeStart(order []int64, r TimeRange, after *Cursor) int {
	start := 0
	if !r.From.IsZero() {
		from := r.From.UnixNano()
		start = sort.Search(len(order), func(i int) bool {
			return s.log[order[i]-1].Timestamp.UnixNano() >= from
		})
	}
	if after != nil {
		cur := *after
		pos := sort.Search(len(order), func(i int) bool {
			ev := s.log[order[i]-1]
			return cur.Less(ev.Timestamp.UnixNano(), ev.Sequence)
		})
		start = max(start, pos)
	}
	return start
}

func (s *MemoryStore) Head(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.log)), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
